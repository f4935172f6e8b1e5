package link

import (
	"sync"
	"time"
)

// Timer is a cancelable pending callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the
	// timer was still pending.
	Stop() bool
}

// Clock schedules callbacks. Engines take one so tests can drive time.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock returns a Clock backed by time.AfterFunc
func RealClock() Clock {
	return realClock{}
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// repeater re-arms itself after every fire until stopped
type repeater struct {
	mu      sync.Mutex
	clock   Clock
	every   time.Duration
	f       func()
	pending Timer
	stopped bool
}

// Repeat calls f every interval until the returned timer is stopped.
// The first call happens one interval from now.
func Repeat(clock Clock, every time.Duration, f func()) Timer {
	r := &repeater{clock: clock, every: every, f: f}
	r.mu.Lock()
	r.pending = clock.AfterFunc(every, r.fire)
	r.mu.Unlock()
	return r
}

func (r *repeater) fire() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.f()

	r.mu.Lock()
	if !r.stopped {
		r.pending = r.clock.AfterFunc(r.every, r.fire)
	}
	r.mu.Unlock()
}

func (r *repeater) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	if r.pending != nil {
		r.pending.Stop()
	}
	return true
}
