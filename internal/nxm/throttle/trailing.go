// Package throttle provides a trailing-edge collapse timer.
//
// A Trailing fires its callback once, Delay after the most recent Trigger.
// Bursts of triggers within the window collapse into a single call. The
// supervisor uses it for reconnect throttling and for batching change
// notifications.
package throttle

import (
	"sync"
	"time"
)

// Trailing collapses bursts of triggers into one deferred call.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Trailing struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	seq     uint64
	stopped bool
}

// NewTrailing creates a Trailing that calls fn delay after the last trigger.
// A zero delay still defers fn to its own goroutine.
func NewTrailing(delay time.Duration, fn func()) *Trailing {
	return &Trailing{delay: delay, fn: fn}
}

// Trigger (re)arms the timer.
func (t *Trailing) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.seq++
	seq := t.seq
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.delay, func() { t.fire(seq) })
}

// Pending reports whether a call is scheduled.
func (t *Trailing) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Cancel drops a scheduled call without stopping future triggers.
func (t *Trailing) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Stop cancels any scheduled call and ignores later triggers.
func (t *Trailing) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// fire runs fn unless a newer trigger, Cancel or Stop superseded seq.
func (t *Trailing) fire(seq uint64) {
	t.mu.Lock()
	if t.stopped || seq != t.seq {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()

	t.fn()
}
