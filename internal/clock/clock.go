// Package clock abstracts time so that backoff waits and cooldown deadlines
// can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and timer channels.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a single-shot timer that can be stopped before it fires.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTimer(d time.Duration) Timer         { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Fake is a Clock whose time only moves when told to. After never blocks:
// it advances the fake time by d, records the wait, and returns a channel
// that has already fired. This suits sequential code under test, where
// every wait would otherwise need a cooperating goroutine to Advance.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waits   []time.Duration
	stopped int
}

// NewFake returns a Fake starting at initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d > 0 {
		f.current = f.current.Add(d)
		f.waits = append(f.waits, d)
	}
	ch := make(chan time.Time, 1)
	ch <- f.current
	return ch
}

// NewTimer behaves like After. Stopping it is counted by Stopped.
func (f *Fake) NewTimer(d time.Duration) Timer {
	return &fakeTimer{clock: f, c: f.After(d)}
}

type fakeTimer struct {
	clock *Fake
	c     <-chan time.Time
	once  sync.Once
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

// Stop reports false: a fake timer has always fired.
func (t *fakeTimer) Stop() bool {
	t.once.Do(func() {
		t.clock.mu.Lock()
		t.clock.stopped++
		t.clock.mu.Unlock()
	})
	return false
}

// Stopped returns how many timers from NewTimer were stopped.
func (f *Fake) Stopped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

// Waits returns every positive duration passed to After, in order.
func (f *Fake) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}
