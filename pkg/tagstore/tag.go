package tagstore

import "github.com/librescoot/rfid-service/pkg/rfid"

// Tag is a fused record of everything observed about one transponder. Zero
// value is the empty, unidentified tag.
type Tag struct {
	TID  []byte
	EPC  []byte
	RFU  []byte
	User [rfid.NumUserDatagrams][]byte
}

// Identified reports whether either identity field has been observed.
func (t *Tag) Identified() bool {
	return len(t.TID) > 0 || len(t.EPC) > 0
}

// bankField returns a pointer to the field bank addresses, for the fusion
// algorithm's generic "read/write C.B" step. USR is handled separately
// because it is indexed by datagram rather than being a single field.
func (t *Tag) bankField(bank rfid.Bank) *[]byte {
	switch bank {
	case rfid.BankTID:
		return &t.TID
	case rfid.BankEPC:
		return &t.EPC
	case rfid.BankRFU:
		return &t.RFU
	default:
		return nil
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// mergeFrom copies every non-empty field of src into t, per the
// history-merge step: "copy non-empty fields from R into H".
func (t *Tag) mergeFrom(src *Tag) {
	if len(src.TID) > 0 {
		t.TID = src.TID
	}
	if len(src.EPC) > 0 {
		t.EPC = src.EPC
	}
	if len(src.RFU) > 0 {
		t.RFU = src.RFU
	}
	for i := range src.User {
		if len(src.User[i]) > 0 {
			t.User[i] = src.User[i]
		}
	}
}
