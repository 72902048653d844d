package tagstore

import (
	"sync"
	"time"
)

// Clock abstracts the single timer the current-tag watchdog needs, so tests
// can advance time deterministically instead of sleeping for real.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the narrow surface the watchdog uses: stop it, or push its
// deadline back out without changing its callback.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// RealClock drives the watchdog with actual wall-clock timers.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool               { return t.timer.Stop() }
func (t *realTimer) Reset(d time.Duration) bool { return t.timer.Reset(d) }

// FakeClock lets tests fire the watchdog by advancing time explicitly
// instead of sleeping CURRENT_TAG_TIMEOUT in real time.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock returns a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	t := &fakeTimer{clock: fc, deadline: fc.now.Add(d), fn: f, active: true}
	fc.timers = append(fc.timers, t)
	return t
}

// Advance moves the fake clock forward by d, firing (synchronously, in
// registration order) every active timer whose deadline has passed.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	due := make([]*fakeTimer, 0)
	for _, t := range fc.timers {
		if t.active && !fc.now.Before(t.deadline) {
			t.active = false
			due = append(due, t)
		}
	}
	fc.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	fn       func()
	active   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.deadline = t.clock.now.Add(d)
	t.active = true
	return was
}

var _ Clock = RealClock{}
var _ Clock = (*FakeClock)(nil)
