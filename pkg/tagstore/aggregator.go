// Package tagstore fuses bank-level read events into whole tag records: a
// current-tag pointer with a liveness watchdog, and a deduplicated history
// ordered by first sighting.
package tagstore

import (
	"sync"
	"time"

	"github.com/librescoot/rfid-service/pkg/rfid"
)

// CurrentTagTimeout is the watchdog period: the current tag is dropped after
// this long without a bank update (spec §4.4).
const CurrentTagTimeout = 1000 * time.Millisecond

// Sink receives the notifications the fusion algorithm emits. The facade
// wires this to the notify.Bus the same way the Driver's EventSink feeds
// the Aggregator.
type Sink interface {
	TagCountChanged(count int)
	CurrentTagChanged(current *Tag) // nil when there is no current tag
	TagUpdated(tag *Tag)
}

// Aggregator owns the current-tag pointer and the history set. It
// implements rfid.EventSink directly: a Driver's bank events are the
// Aggregator's sole input.
type Aggregator struct {
	mu           sync.Mutex
	history      []Tag
	currentIndex int // -1 when no tag is current
	clock        Clock
	watchdog     Timer
	sink         Sink
}

// New returns an Aggregator with no current tag and empty history.
func New(clock Clock, sink Sink) *Aggregator {
	a := &Aggregator{currentIndex: -1, clock: clock, sink: sink}
	a.watchdog = clock.AfterFunc(CurrentTagTimeout, a.onWatchdogExpiry)
	return a
}

func (a *Aggregator) onWatchdogExpiry() {
	a.mu.Lock()
	hadCurrent := a.currentIndex >= 0
	a.currentIndex = -1
	a.mu.Unlock()

	if hadCurrent && a.sink != nil {
		a.sink.CurrentTagChanged(nil)
	}
	// Re-arm: the watchdog is monostable and must remain armed even with no
	// current tag, matching spec.md §4.4 ("on expiry: ... re-arm").
	a.watchdog.Reset(CurrentTagTimeout)
}

func (a *Aggregator) rearmWatchdogLocked() {
	a.watchdog.Reset(CurrentTagTimeout)
}

// EpcFound implements rfid.EventSink.
func (a *Aggregator) EpcFound(payload []byte) { a.bankEvent(rfid.BankEPC, payload, 0) }

// TidFound implements rfid.EventSink.
func (a *Aggregator) TidFound(payload []byte) { a.bankEvent(rfid.BankTID, payload, 0) }

// RfuFound implements rfid.EventSink.
func (a *Aggregator) RfuFound(payload []byte) { a.bankEvent(rfid.BankRFU, payload, 0) }

// UserFound implements rfid.EventSink. Datagrams outside
// [0, NumUserDatagrams) are discarded here, per spec.md §3 invariant (c).
func (a *Aggregator) UserFound(payload []byte, datagram int) {
	if datagram < 0 || datagram >= rfid.NumUserDatagrams {
		return
	}
	a.bankEvent(rfid.BankUSR, payload, datagram)
}

func fieldValue(t *Tag, bank rfid.Bank, datagram int) []byte {
	if bank == rfid.BankUSR {
		return t.User[datagram]
	}
	return *t.bankField(bank)
}

func setField(t *Tag, bank rfid.Bank, payload []byte, datagram int) {
	if bank == rfid.BankUSR {
		t.User[datagram] = payload
		return
	}
	*t.bankField(bank) = payload
}

// bankEvent runs the fusion algorithm of spec.md §4.4 for one bank event.
func (a *Aggregator) bankEvent(bank rfid.Bank, payload []byte, datagram int) {
	payload = cloneBytes(payload)

	a.mu.Lock()
	a.rearmWatchdogLocked()

	var (
		newCurrent  bool
		refined     bool
		refinedTag  Tag
	)

	if a.currentIndex < 0 {
		r := Tag{}
		setField(&r, bank, payload, datagram)
		a.history = append(a.history, r)
		a.currentIndex = len(a.history) - 1
		a.mergeAndDedupLocked(a.currentIndex)
		newCurrent = true
	} else {
		c := &a.history[a.currentIndex]
		existing := fieldValue(c, bank, datagram)
		if len(existing) > 0 && !bytesEqual(existing, payload) {
			r := Tag{}
			setField(&r, bank, payload, datagram)
			a.history = append(a.history, r)
			a.currentIndex = len(a.history) - 1
			a.mergeAndDedupLocked(a.currentIndex)
			newCurrent = true
		} else if !bytesEqual(existing, payload) {
			setField(c, bank, payload, datagram)
			a.mergeAndDedupLocked(a.currentIndex)
			if a.currentIndex >= 0 {
				refinedTag = a.history[a.currentIndex]
				refined = true
			}
		}
		// Identical payload to what's already recorded: no-op, but the
		// watchdog rearm above still counts as "the event happened".
	}

	count := len(a.history)
	var current *Tag
	if a.currentIndex >= 0 {
		t := a.history[a.currentIndex]
		current = &t
	}
	a.mu.Unlock()

	if a.sink == nil {
		return
	}
	a.sink.TagCountChanged(count)
	if newCurrent {
		a.sink.CurrentTagChanged(current)
	} else if refined {
		a.sink.TagUpdated(&refinedTag)
	}
}

func identityMatch(a, b *Tag) bool {
	if len(a.EPC) > 0 && len(b.EPC) > 0 && bytesEqual(a.EPC, b.EPC) {
		return true
	}
	if len(a.TID) > 0 && len(b.TID) > 0 && bytesEqual(a.TID, b.TID) {
		return true
	}
	return false
}

// mergeAndDedupLocked implements the history-merge step: fold the record at
// idx into a matching existing entry if one exists, then run a full
// deduplication sweep. Called with a.mu held.
func (a *Aggregator) mergeAndDedupLocked(idx int) {
	r := a.history[idx]
	mergedIdx := -1
	for i := range a.history {
		if i == idx {
			continue
		}
		if identityMatch(&a.history[i], &r) {
			a.history[i].mergeFrom(&r)
			mergedIdx = i
			break
		}
	}
	if mergedIdx >= 0 {
		a.removeAtLocked(idx)
		if idx < mergedIdx {
			mergedIdx--
		}
		a.currentIndex = mergedIdx
	} else {
		a.currentIndex = idx
	}
	a.dedupSweepLocked()
}

// dedupSweepLocked rebuilds history with any remaining tid-duplicate pairs
// folded together, then relocates currentIndex by identity. This subsumes
// the pairwise removal spec.md §4.4 describes and additionally keeps
// invariant (b) ("no two history records share a non-empty tid") true even
// for the no-current-tag creation path, which the literal algorithm text
// does not route through an explicit merge step (see DESIGN.md).
func (a *Aggregator) dedupSweepLocked() {
	var keyTID, keyEPC []byte
	if a.currentIndex >= 0 && a.currentIndex < len(a.history) {
		keyTID = a.history[a.currentIndex].TID
		keyEPC = a.history[a.currentIndex].EPC
	}

	deduped := make([]Tag, 0, len(a.history))
	for i := range a.history {
		dup := -1
		for j := range deduped {
			if len(a.history[i].TID) > 0 && len(deduped[j].TID) > 0 && bytesEqual(a.history[i].TID, deduped[j].TID) {
				dup = j
				break
			}
		}
		if dup >= 0 {
			deduped[dup].mergeFrom(&a.history[i])
		} else {
			deduped = append(deduped, a.history[i])
		}
	}
	a.history = deduped

	a.currentIndex = -1
	for i := range a.history {
		if (len(keyTID) > 0 && bytesEqual(a.history[i].TID, keyTID)) ||
			(len(keyEPC) > 0 && bytesEqual(a.history[i].EPC, keyEPC)) {
			a.currentIndex = i
			break
		}
	}
}

func (a *Aggregator) removeAtLocked(idx int) {
	a.history = append(a.history[:idx], a.history[idx+1:]...)
}

// CurrentTag returns a copy of the current tag, or nil if none.
func (a *Aggregator) CurrentTag() *Tag {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentIndex < 0 {
		return nil
	}
	t := a.history[a.currentIndex]
	return &t
}

// History returns a copy of the history slice in insertion/merge order.
func (a *Aggregator) History() []Tag {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Tag, len(a.history))
	copy(out, a.history)
	return out
}

// TagCount returns the number of history records.
func (a *Aggregator) TagCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

// ClearHistory discards all history and the current tag, e.g. on operator
// request or when the driver is swapped/reconnected.
func (a *Aggregator) ClearHistory() {
	a.mu.Lock()
	a.history = nil
	a.currentIndex = -1
	a.mu.Unlock()

	if a.sink != nil {
		a.sink.TagCountChanged(0)
		a.sink.CurrentTagChanged(nil)
	}
}

// HasCurrentTag reports whether a tag is currently present, for the
// Driver's tick-algorithm branch (spec.md §4.3).
func (a *Aggregator) HasCurrentTag() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentIndex >= 0
}

// UserData concatenates the tag's four user datagrams in index order, even
// if some are empty (spec.md §4.4).
func UserData(t *Tag) []byte {
	out := make([]byte, 0, rfid.UserLength)
	for _, d := range t.User {
		out = append(out, d...)
	}
	return out
}

var _ rfid.EventSink = (*Aggregator)(nil)
