package sm6210

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/rfid-service/pkg/rfid"
)

func sumMod256(b []byte) byte {
	var s byte
	for _, c := range b {
		s += c
	}
	return s
}

func TestEncodedFramesChecksumToZero(t *testing.T) {
	frames := [][]byte{
		EncodeRead(rfid.BankTID, 0, 6),
		EncodeWrite(rfid.BankEPC, 0, 6, []byte{1, 2, 3, 4, 5, 6}),
		EncodeStop(),
		EncodeGetSingleParam(ParamAddUsercode),
		EncodeAckSingle(),
	}
	for _, f := range frames {
		assert.Equal(t, byte(0), sumMod256(f), "frame %x should checksum to zero", f)
	}
}

func TestAckHandshakeWorkedExample(t *testing.T) {
	// spec.md §8 scenario 1: E0 06 61 00 00 64 00 <c>
	body := []byte{HeaderResponse, 0x06, OpGetSingleParam, 0x00, 0x00, 0x64, 0x00}
	frame := append(append([]byte(nil), body...), Checksum(body))
	frm, consumed, ok := decodeAt(frame, 0)
	require.True(t, ok)
	assert.Equal(t, len(frame), consumed)
	assert.True(t, frm.ChecksumOK)
	assert.Equal(t, OpGetSingleParam, frm.Opcode)
	assert.Equal(t, []byte{0x00, 0x00, 0x64, 0x00}, frm.Payload)

	ack := EncodeAckSingle()
	assert.Equal(t, []byte{HeaderRequest, 0x03, OpReadSingleTag, 0x00}, ack[:4])
}

func TestEpcBankReadWorkedExample(t *testing.T) {
	// spec.md §8 scenario 2: E0 0A 80 00 01 02 06 AA BB CC DD EE FF <c>
	body := []byte{HeaderResponse, 0x0A, OpReadBank, 0x00, 0x01, 0x02, 0x06, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	frame := append(append([]byte(nil), body...), Checksum(body))
	frm, consumed, ok := decodeAt(frame, 0)
	require.True(t, ok)
	assert.Equal(t, len(frame), consumed)
	assert.True(t, frm.ChecksumOK)
	assert.True(t, frm.HasBank)
	assert.Equal(t, bankLabelEPC, frm.Bank)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, frm.Payload)
}

func TestRoundTripReadBank(t *testing.T) {
	wire := EncodeRead(rfid.BankTID, 0x10, 0x06)
	frm, consumed, ok := decodeAt(wire, 0)
	require.True(t, ok)
	assert.Equal(t, len(wire), consumed)
	assert.True(t, frm.ChecksumOK)
	assert.Equal(t, OpReadBank, frm.Opcode)
	assert.Equal(t, bankLabelTID, frm.Bank)
	assert.Equal(t, byte(0x10), frm.WordStart)
	assert.Equal(t, byte(0x06), frm.WordCount)
	assert.Empty(t, frm.Payload)
}

func TestRoundTripWriteBank(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6}
	wire := EncodeWrite(rfid.BankUSR, 8, 8, payload)
	frm, consumed, ok := decodeAt(wire, 0)
	require.True(t, ok)
	assert.Equal(t, len(wire), consumed)
	assert.True(t, frm.ChecksumOK)
	assert.Equal(t, OpWriteBank, frm.Opcode)
	assert.Equal(t, bankLabelUSR, frm.Bank)
	assert.Equal(t, byte(8), frm.WordStart)
	assert.Equal(t, byte(8), frm.WordCount)
	assert.Equal(t, payload, frm.Payload)
}

func TestResynchronisationDropsLeadingGarbage(t *testing.T) {
	garbage := []byte{0xFF, 0xFF, 0x01, 0x02}
	frame := EncodeRead(rfid.BankTID, 0, 6)
	trailing := []byte{0x99}

	buf := append(append(append([]byte(nil), garbage...), frame...), trailing...)
	idx := findHeaderByte(buf, HeaderRequest)
	require.Equal(t, len(garbage), idx)

	frm, consumed, ok := decodeAt(buf, idx)
	require.True(t, ok)
	assert.True(t, frm.ChecksumOK)
	assert.Equal(t, len(garbage)+len(frame), consumed)
}

func TestNeedMoreWhenFrameIncomplete(t *testing.T) {
	wire := EncodeRead(rfid.BankTID, 0, 6)
	_, _, ok := decodeAt(wire[:len(wire)-1], 0)
	assert.False(t, ok)
}

func TestBadChecksumDoesNotMatch(t *testing.T) {
	wire := EncodeRead(rfid.BankTID, 0, 6)
	wire[len(wire)-1] ^= 0xFF
	frm, _, ok := decodeAt(wire, 0)
	require.True(t, ok)
	assert.False(t, frm.ChecksumOK)
}

func TestMalformedShortBankFrameDoesNotLookLikeRFU(t *testing.T) {
	// header, length=2 (claims bank-addressed opcode but leaves room for
	// only 2 body bytes, not the 4 a bank label + wordStart/wordCount
	// needs), opcode READ_BANK.
	wire := []byte{HeaderResponse, 0x02, OpReadBank, 0x11, 0x22}
	wire = append(wire, Checksum(wire))

	frm, consumed, ok := decodeAt(wire, 0)
	require.True(t, ok)
	assert.True(t, frm.HasBank)
	assert.NotEqual(t, bankLabelRFU, frm.Bank)
	assert.Equal(t, len(wire), consumed)
}

func findHeaderByte(buf []byte, header byte) int {
	for i, b := range buf {
		if b == header {
			return i
		}
	}
	return -1
}
