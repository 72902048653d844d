package tagstore

import "fmt"

// CSV renders the aggregator's history as rows in the mandated column order
// (spec.md §6): Tag ID, EPC, User Data, Reserved Data, each field rendered
// as uppercase space-separated hex byte pairs. This is a read-only view
// over the Aggregator's own data; writing it to disk remains a host
// collaborator's job (CSV export itself is out of scope, per spec.md §1).
func (a *Aggregator) CSV() [][]string {
	rows := a.History()
	out := make([][]string, 0, len(rows)+1)
	out = append(out, []string{"Tag ID", "EPC", "User Data", "Reserved Data"})
	for _, t := range rows {
		out = append(out, []string{
			hexPairs(t.TID),
			hexPairs(t.EPC),
			hexPairs(UserData(&t)),
			hexPairs(t.RFU),
		})
	}
	return out
}

func hexPairs(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out := make([]byte, 0, len(b)*3-1)
	for i, c := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, []byte(fmt.Sprintf("%02X", c))...)
	}
	return string(out)
}
