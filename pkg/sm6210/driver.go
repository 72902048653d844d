package sm6210

import (
	"github.com/librescoot/rfid-service/pkg/bytequeue"
	"github.com/librescoot/rfid-service/pkg/rfid"
)

// MaxBufferSize is the ingress buffer cap; an overflow discards the entire
// buffer (spec.md §4.3).
const MaxBufferSize = 16 * 1024

// WriteRepeatCount is the SM-6210's sole write-reliability primitive: every
// write/erase frame is placed on the wire this many times in succession.
const WriteRepeatCount = 10

// bankOrder is the cycle a current tag's bankSelector advances through.
var bankOrder = []rfid.Bank{rfid.BankTID, rfid.BankRFU, rfid.BankUSR, rfid.BankEPC}

// Driver is the SM-6210 reader driver: a cooperative scheduler and frame
// classifier. It implements rfid.Driver.
type Driver struct {
	buffer *bytequeue.Queue

	hasCurrentTag bool
	bankIndex     int
	shitCount     int
	userWordCursor byte
}

// New returns a fresh SM-6210 driver with no current tag.
func New() *Driver {
	return &Driver{buffer: bytequeue.New(256)}
}

// SetHasCurrentTag tells the driver whether the aggregator currently holds
// a current tag, which determines the tick algorithm's branch. The facade
// calls this before each Tick.
func (d *Driver) SetHasCurrentTag(has bool) {
	d.hasCurrentTag = has
}

// Reset clears all in-progress parsing and scheduling state.
func (d *Driver) Reset() {
	d.buffer.Reset()
	d.bankIndex = 0
	d.shitCount = 0
	d.userWordCursor = 0
	d.hasCurrentTag = false
}

func (d *Driver) loaded(status rfid.ConnectionStatus) bool {
	return status.Connected && status.BaudRate == 9600
}

// Tick performs at most one transmit decision.
func (d *Driver) Tick(tx rfid.Transmitter, status rfid.ConnectionStatus) {
	if !d.loaded(status) {
		return
	}

	if !d.hasCurrentTag {
		if d.shitCount > 10 {
			tx.Write(EncodeStop())
			d.shitCount = 0
			return
		}
		tx.Write(EncodeGetSingleParam(ParamAddUsercode))
		return
	}

	bank := bankOrder[d.bankIndex]
	d.bankIndex = (d.bankIndex + 1) % len(bankOrder)

	switch bank {
	case rfid.BankTID:
		tx.Write(EncodeRead(rfid.BankTID, 0, 6))
	case rfid.BankRFU:
		tx.Write(EncodeRead(rfid.BankRFU, 0, 4))
	case rfid.BankEPC:
		tx.Write(EncodeRead(rfid.BankEPC, 0, 6))
	case rfid.BankUSR:
		tx.Write(EncodeRead(rfid.BankUSR, d.userWordCursor, 8))
		d.userWordCursor += 8
		if d.userWordCursor > 24 {
			d.userWordCursor = 0
		}
	}
}

// Ingress feeds newly received bytes into the driver and processes
// whatever the buffer now admits. tx carries the eager ack response the
// ingress algorithm's step (a) owes when the reader offers a single-tag
// session.
func (d *Driver) Ingress(data []byte, status rfid.ConnectionStatus, tx rfid.Transmitter, sink rfid.EventSink) {
	if !d.loaded(status) {
		return
	}

	d.buffer.Write(data)

	for d.processOne(tx, sink) {
	}

	if d.buffer.Len() > MaxBufferSize {
		d.buffer.Reset()
	}
}

// processOne attempts to extract exactly one frame from the buffer,
// trying each decoder in the priority order spec.md §4.3 mandates. It
// returns true if it made progress (a match was found and consumed, or
// garbage was dropped), so the caller can loop until the buffer is quiet.
// When nothing matches it returns false, after discarding a complete frame
// that no decoder accepted.
func (d *Driver) processOne(tx rfid.Transmitter, sink rfid.EventSink) bool {
	buf := d.buffer.Bytes()

	// a. Ack: 0xE0, length 6, opcode GET_SINGLE_PARAM, param 0x64.
	if idx := findHeader(d.buffer, HeaderResponse); idx >= 0 {
		if frm, consumed, ok := decodeAt(buf, idx); ok {
			if frm.Opcode == OpGetSingleParam && frm.ChecksumOK && len(frm.Payload) == 4 && frm.Payload[2] == ParamAddUsercode {
				d.buffer.DropFront(consumed)
				tx.Write(EncodeAckSingle())
				d.shitCount = 0
				return true
			}
		}
	}

	// b. EPC from single-tag read: 0xE0, READ_SINGLE_TAG, bank EPC,
	// checksum verification disabled.
	if idx := findHeader(d.buffer, HeaderResponse); idx >= 0 {
		if frm, consumed, ok := decodeAt(buf, idx); ok {
			if frm.Opcode == OpReadSingleTag && frm.HasBank && frm.Bank == bankLabelEPC {
				d.buffer.DropFront(consumed)
				sink.EpcFound(frm.Payload)
				d.shitCount = 0
				return true
			}
		}
	}

	// c. EPC from bank read: 0xE0, READ_BANK, bank EPC.
	if matched := d.tryBankRead(rfid.BankEPC, sink); matched {
		return true
	}

	// d. TID.
	if matched := d.tryBankRead(rfid.BankTID, sink); matched {
		return true
	}

	// e. RFU.
	if matched := d.tryBankRead(rfid.BankRFU, sink); matched {
		return true
	}

	// f. USER.
	if idx := findHeader(d.buffer, HeaderResponse); idx >= 0 {
		if frm, consumed, ok := decodeAt(buf, idx); ok {
			if frm.Opcode == OpReadBank && frm.HasBank && frm.Bank == bankLabelUSR && frm.ChecksumOK {
				d.buffer.DropFront(consumed)
				datagram := int(frm.WordStart) / 8
				if datagram < 0 || datagram >= rfid.NumUserDatagrams {
					d.shitCount++
					return true
				}
				sink.UserFound(frm.Payload, datagram)
				d.shitCount = 0
				return true
			}
		}
	}

	// g. Stray response: 0xE0 with length < 6.
	if idx := findHeader(d.buffer, HeaderResponse); idx >= 0 {
		if len(buf)-idx >= 2 && buf[idx+1] < 6 {
			if _, consumed, ok := decodeAt(buf, idx); ok {
				d.buffer.DropFront(consumed)
				return true
			}
		}
	}

	// h. Stray result: 0xE4, any length.
	if idx := findHeader(d.buffer, HeaderResult); idx >= 0 {
		if _, consumed, ok := decodeAt(buf, idx); ok {
			d.buffer.DropFront(consumed)
			return true
		}
	}

	d.shitCount++
	// No decoder accepted the frame at the earliest response header. Once
	// that frame is complete it is dropped, together with any bytes before
	// it, so the frames behind it can be decoded on the next ingress batch.
	if idx := findHeader(d.buffer, HeaderResponse); idx >= 0 {
		if _, consumed, ok := decodeAt(buf, idx); ok {
			d.buffer.DropFront(consumed)
		}
	}
	return false
}

func (d *Driver) tryBankRead(bank rfid.Bank, sink rfid.EventSink) bool {
	buf := d.buffer.Bytes()
	idx := findHeader(d.buffer, HeaderResponse)
	if idx < 0 {
		return false
	}
	frm, consumed, ok := decodeAt(buf, idx)
	if !ok {
		return false
	}
	if frm.Opcode != OpReadBank || !frm.HasBank || frm.Bank != bankLabel(bank) || !frm.ChecksumOK {
		return false
	}
	d.buffer.DropFront(consumed)
	switch bank {
	case rfid.BankEPC:
		sink.EpcFound(frm.Payload)
	case rfid.BankTID:
		sink.TidFound(frm.Payload)
	case rfid.BankRFU:
		sink.RfuFound(frm.Payload)
	}
	d.shitCount = 0
	return true
}

// WriteEpc writes an EPC payload, zero-padded to EPCLength, WriteRepeatCount
// times in succession. Success is the conjunction of every write placing
// the complete frame on the wire.
func (d *Driver) WriteEpc(tx rfid.Transmitter, payload []byte) (bool, error) {
	padded, err := padTo(payload, rfid.EPCLength)
	if err != nil {
		return false, err
	}
	frame := EncodeWrite(rfid.BankEPC, 0, byte(rfid.EPCLength/2), padded)
	return repeatWrite(tx, frame)
}

// WriteRfu writes an RFU payload, zero-padded to RFULength.
func (d *Driver) WriteRfu(tx rfid.Transmitter, payload []byte) (bool, error) {
	padded, err := padTo(payload, rfid.RFULength)
	if err != nil {
		return false, err
	}
	frame := EncodeWrite(rfid.BankRFU, 0, byte(rfid.RFULength/2), padded)
	return repeatWrite(tx, frame)
}

// WriteUser writes a user-bank payload, zero-padded to UserLength, split
// into four 16-byte segments anchored at word offsets 0, 8, 16, 24.
func (d *Driver) WriteUser(tx rfid.Transmitter, payload []byte) (bool, error) {
	padded, err := padTo(payload, rfid.UserLength)
	if err != nil {
		return false, err
	}
	ok := true
	for i := 0; i < rfid.NumUserDatagrams; i++ {
		segment := padded[i*rfid.UserDatagramSize : (i+1)*rfid.UserDatagramSize]
		wordStart := byte(i * 8)
		frame := EncodeWrite(rfid.BankUSR, wordStart, byte(rfid.UserDatagramSize/2), segment)
		segOK, err := repeatWrite(tx, frame)
		if err != nil {
			return false, err
		}
		ok = ok && segOK
	}
	return ok, nil
}

// EraseTag emits three zero-filled writes: 12 bytes to EPC, 13 bytes to
// USER (sic; the USER bank nominally holds 64 bytes, but the source this
// spec preserves always writes exactly 13 zero bytes there), 8 bytes to
// RFU. Success is the conjunction.
func (d *Driver) EraseTag(tx rfid.Transmitter) (bool, error) {
	epcOK, err := repeatWrite(tx, EncodeWrite(rfid.BankEPC, 0, 6, make([]byte, rfid.EPCLength)))
	if err != nil {
		return false, err
	}
	userOK, err := repeatWrite(tx, EncodeWrite(rfid.BankUSR, 0, 7, make([]byte, 13)))
	if err != nil {
		return false, err
	}
	rfuOK, err := repeatWrite(tx, EncodeWrite(rfid.BankRFU, 0, 4, make([]byte, rfid.RFULength)))
	if err != nil {
		return false, err
	}
	return epcOK && userOK && rfuOK, nil
}

// KillTag is not supported by the SM-6210.
func (d *Driver) KillTag() error {
	return rfid.ErrUnsupported("KillTag")
}

// LockTag is not supported by the SM-6210.
func (d *Driver) LockTag() error {
	return rfid.ErrUnsupported("LockTag")
}

func padTo(payload []byte, size int) ([]byte, error) {
	if len(payload) > size {
		return nil, rfid.ErrEncodingError("padTo", "payload exceeds bank size")
	}
	out := make([]byte, size)
	copy(out, payload)
	return out, nil
}

// repeatWrite places frame on the wire WriteRepeatCount times, the SM-6210's
// sole reliability primitive against a lossy device. Every repetition runs
// regardless of earlier ones' outcome; per-attempt failure (short write, or
// no connection at all) only ever drags the returned boolean to false, since
// §7's retry policy is defined to absorb exactly that signal rather than
// abort on it.
func repeatWrite(tx rfid.Transmitter, frame []byte) (bool, error) {
	ok := true
	for i := 0; i < WriteRepeatCount; i++ {
		n, _ := tx.Write(frame)
		if n != len(frame) {
			ok = false
		}
	}
	return ok, nil
}

var _ rfid.Driver = (*Driver)(nil)
