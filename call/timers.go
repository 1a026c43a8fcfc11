package call

import (
	"sync"
	"time"
)

// Timeouts carries the deadline for every timed setup phase. A zero value
// for any field falls back to the matching default.
type Timeouts struct {
	// MediaAcquire bounds local media acquisition before the offer is built.
	MediaAcquire time.Duration
	// Ring bounds the wait for the callee to answer, armed when the offer
	// is sent and covering both the dialing and ringing phases.
	Ring time.Duration
	// Connect bounds media connectivity establishment after the answer.
	Connect time.Duration
	// Reconnect bounds recovery of an established call after a disconnect.
	Reconnect time.Duration
	// Idle bounds total inactivity of a session still in setup; sessions
	// quiet for longer are swept as abandoned.
	Idle time.Duration
}

// DefaultTimeouts returns the standard phase deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		MediaAcquire: 15 * time.Second,
		Ring:         45 * time.Second,
		Connect:      30 * time.Second,
		Reconnect:    20 * time.Second,
		Idle:         2 * time.Minute,
	}
}

// withDefaults fills any zero field from DefaultTimeouts.
func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	if t.MediaAcquire <= 0 {
		t.MediaAcquire = def.MediaAcquire
	}
	if t.Ring <= 0 {
		t.Ring = def.Ring
	}
	if t.Connect <= 0 {
		t.Connect = def.Connect
	}
	if t.Reconnect <= 0 {
		t.Reconnect = def.Reconnect
	}
	if t.Idle <= 0 {
		t.Idle = def.Idle
	}
	return t
}

// sessionTimer is the single cancellable deadline a session owns. At most
// one phase timeout is armed at a time; scheduling a new deadline replaces
// the previous one, and a fire races against cancellation through a
// generation counter so a stale timer can never act on a session that has
// already moved on.
type sessionTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// schedule arms the timer to invoke fn after d, replacing any deadline
// armed earlier.
func (t *sessionTimer) schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		stale := gen != t.gen
		t.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
}

// cancel disarms any pending deadline. A concurrent fire that already
// started observes the bumped generation and becomes a no-op.
func (t *sessionTimer) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}
