package tagstore

import (
	"fmt"
	"strings"
)

// MemoryMap renders a textual hex dump of t's TID, EPC, user data and RFU
// banks in that order, each preceded by a "# <section> (<n> bytes)" header,
// 16 bytes per line with an ASCII gutter for printable bytes (spec.md §6).
func MemoryMap(t *Tag) string {
	var sb strings.Builder
	writeSection(&sb, "TID", t.TID)
	writeSection(&sb, "EPC", t.EPC)
	writeSection(&sb, "User Data", UserData(t))
	writeSection(&sb, "RFU", t.RFU)
	return sb.String()
}

func writeSection(sb *strings.Builder, name string, data []byte) {
	fmt.Fprintf(sb, "# %s (%d bytes)\n", name, len(data))
	for offset := 0; offset < len(data); offset += 16 {
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[offset:end]
		sb.WriteString(hexLine(line))
		sb.WriteByte('\n')
	}
}

func hexLine(line []byte) string {
	var hex strings.Builder
	var ascii strings.Builder
	for i, b := range line {
		if i > 0 {
			hex.WriteByte(' ')
		}
		fmt.Fprintf(&hex, "%02X", b)
		if b >= 0x20 && b <= 0x7E {
			ascii.WriteByte(b)
		} else {
			ascii.WriteByte('.')
		}
	}
	for i := len(line); i < 16; i++ {
		if i > 0 {
			hex.WriteString("   ")
		} else {
			hex.WriteString("  ")
		}
	}
	return hex.String() + "  " + ascii.String()
}
