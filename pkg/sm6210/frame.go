// Package sm6210 implements the wire framing and the per-model reader
// driver for the SM-6210 UHF RFID reader: encoding of request frames,
// scanning a byte queue for valid response frames, and the cooperative
// scheduler that classifies what comes back.
package sm6210

import (
	"github.com/librescoot/rfid-service/pkg/bytequeue"
	"github.com/librescoot/rfid-service/pkg/rfid"
)

// Header codes.
const (
	HeaderRequest  byte = 0xA0 // request start code, host -> reader
	HeaderResponse byte = 0xE0 // response code, reader -> host
	HeaderResult   byte = 0xE4 // result code, reader -> host
)

// Opcodes.
const (
	OpStopSearch     byte = 0xA8
	OpWriteBank      byte = 0xAB
	OpGetSingleParam byte = 0x61
	OpReadSingleTag  byte = 0x82
	OpReadBank       byte = 0x80
)

// ParamAddUsercode is the single-tag-session parameter value used with
// GET_SINGLE_PARAM.
const ParamAddUsercode byte = 0x64

// Bank labels, two bytes each, high byte always zero for this reader.
var (
	bankLabelRFU = [2]byte{0x00, 0x00}
	bankLabelEPC = [2]byte{0x00, 0x01}
	bankLabelTID = [2]byte{0x00, 0x02}
	bankLabelUSR = [2]byte{0x00, 0x03}
)

// bankLabelInvalid marks a bank-addressed frame too short to actually carry
// a bank label. It deliberately can't equal any real label (whose high byte
// is always zero), so decodeAt's malformed-short-frame case can't be
// mistaken for bankLabelRFU's zero value.
var bankLabelInvalid = [2]byte{0xFF, 0xFF}

func bankLabel(b rfid.Bank) [2]byte {
	switch b {
	case rfid.BankEPC:
		return bankLabelEPC
	case rfid.BankTID:
		return bankLabelTID
	case rfid.BankRFU:
		return bankLabelRFU
	case rfid.BankUSR:
		return bankLabelUSR
	default:
		return bankLabelRFU
	}
}

// opcodeCarriesBank reports whether a frame with this opcode carries a
// 2-byte bank label immediately after the opcode. This also determines
// which Length convention applies: bank-addressed frames compute Length
// excluding the bank label's two bytes (a quirk of this reader's firmware
// that the spec requires reproducing bit-for-bit).
func opcodeCarriesBank(opcode byte) bool {
	switch opcode {
	case OpReadBank, OpWriteBank, OpReadSingleTag:
		return true
	default:
		return false
	}
}

// Checksum computes the SM-6210 checksum over b: two's-complement negation
// of the unsigned byte sum, reduced modulo 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return byte(-sum)
}

// Frame is a decoded response/result frame.
type Frame struct {
	Header     byte
	Opcode     byte
	HasBank    bool
	Bank       [2]byte
	WordStart  byte
	WordCount  byte
	Payload    []byte
	ChecksumOK bool
}

// buildNonBank constructs a frame with no bank label: header, length,
// opcode, payload, checksum. Length = 1 (the length byte itself) + 1
// (opcode) + len(payload).
func buildNonBank(header, opcode byte, payload []byte) []byte {
	length := byte(1 + 1 + len(payload))
	out := make([]byte, 0, 4+len(payload))
	out = append(out, header, length, opcode)
	out = append(out, payload...)
	out = append(out, Checksum(out))
	return out
}

// buildBank constructs a frame with a bank label: header, length, opcode,
// bank label, wordStart, wordCount, payload, checksum. Length excludes the
// 2-byte bank label per the SM-6210's quirky length convention.
func buildBank(header, opcode byte, bank [2]byte, wordStart, wordCount byte, payload []byte) []byte {
	length := byte(1 + 1 + 1 + 1 + len(payload))
	out := make([]byte, 0, 7+len(payload))
	out = append(out, header, length, opcode, bank[0], bank[1], wordStart, wordCount)
	out = append(out, payload...)
	out = append(out, Checksum(out))
	return out
}

// EncodeRead builds a READ_BANK request frame.
func EncodeRead(bank rfid.Bank, wordStart, wordCount byte) []byte {
	return buildBank(HeaderRequest, OpReadBank, bankLabel(bank), wordStart, wordCount, nil)
}

// EncodeWrite builds a WRITE_BANK request frame.
func EncodeWrite(bank rfid.Bank, wordStart, wordCount byte, payload []byte) []byte {
	return buildBank(HeaderRequest, OpWriteBank, bankLabel(bank), wordStart, wordCount, payload)
}

// EncodeStop builds the STOP_SEARCH request frame.
func EncodeStop() []byte {
	return buildNonBank(HeaderRequest, OpStopSearch, nil)
}

// EncodeGetSingleParam builds a GET_SINGLE_PARAM request asking the reader
// to acquire a single-tag session.
func EncodeGetSingleParam(param byte) []byte {
	payload := []byte{0x00, 0x00, param, 0x00}
	return buildNonBank(HeaderRequest, OpGetSingleParam, payload)
}

// EncodeAckSingle builds the fixed short frame that acknowledges a
// single-tag-session offer: header, comm byte 0x03, opcode
// READ_SINGLE_TAG, length 0, checksum.
func EncodeAckSingle() []byte {
	out := []byte{HeaderRequest, 0x03, OpReadSingleTag, 0x00}
	return append(out, Checksum(out))
}

// decodeAt attempts to parse a frame anchored at index start in buf. It
// returns ok=false when there are not yet enough bytes buffered to tell.
func decodeAt(buf []byte, start int) (frame Frame, totalConsumed int, enough bool) {
	if len(buf)-start < 3 {
		return Frame{}, 0, false
	}
	header := buf[start]
	length := buf[start+1]
	opcode := buf[start+2]
	bankAddressed := opcodeCarriesBank(opcode)

	extra := 0
	if bankAddressed {
		extra = 2
	}
	frameSize := 1 + int(length) + extra // header..last payload byte, inclusive
	totalWithChecksum := frameSize + 1

	if len(buf)-start < totalWithChecksum {
		return Frame{}, 0, false
	}

	// A non-bank frame whose length byte is 0 or 1 ends before its opcode;
	// its body is then empty.
	bodyEnd := start + frameSize
	if bodyEnd < start+3 {
		bodyEnd = start + 3
	}
	body := buf[start+3 : bodyEnd]
	f := Frame{Header: header, Opcode: opcode}
	if bankAddressed {
		if len(body) < 4 {
			// malformed: claims to carry a bank label but has no room
			// for it. Treat as "enough bytes, but garbage" so the
			// caller's checksum/match checks reject it instead of
			// looping forever waiting for more bytes. Bank is set to
			// a label that can never match a real bank rather than
			// left at its zero value, which would be
			// indistinguishable from bankLabelRFU.
			f.HasBank = true
			f.Bank = bankLabelInvalid
		} else {
			f.HasBank = true
			f.Bank = [2]byte{body[0], body[1]}
			f.WordStart = body[2]
			f.WordCount = body[3]
			f.Payload = append([]byte(nil), body[4:]...)
		}
	} else {
		f.Payload = append([]byte(nil), body...)
	}

	sum := byte(0)
	for _, b := range buf[start:start+frameSize] {
		sum += b
	}
	checksumByte := buf[start+frameSize]
	f.ChecksumOK = byte(sum+checksumByte) == 0

	return f, start + totalWithChecksum, true
}

// findHeader returns the earliest index at or after 0 whose byte equals
// header, or -1.
func findHeader(q *bytequeue.Queue, header byte) int {
	return q.IndexFrom(0, header)
}
