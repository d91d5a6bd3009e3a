// Package clock abstracts "current time" so due-time logic is testable
// without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock supplies current time and timer wakeups.
type Clock interface {
	Now() time.Time
	// After behaves like time.After against this clock.
	After(d time.Duration) <-chan time.Time
}

// System returns a Clock backed by the wall clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced clock for tests.
//
// Advance fires any timers whose deadline has been reached. The zero value is
// not usable; create with NewFake.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- f.now
		return t.ch
	}
	f.timers = append(f.timers, t)
	return t.ch
}

// Advance moves the clock forward and fires due timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	remaining := f.timers[:0]
	var fired []*fakeTimer
	for _, t := range f.timers {
		if !t.at.After(now) {
			fired = append(fired, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
	f.mu.Unlock()

	for _, t := range fired {
		select {
		case t.ch <- now:
		default:
		}
	}
}

// Set jumps the clock to an absolute instant (must not go backwards).
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	cur := f.now
	f.mu.Unlock()
	if d := now.UTC().Sub(cur); d > 0 {
		f.Advance(d)
	}
}
