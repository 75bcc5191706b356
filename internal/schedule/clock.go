// Package schedule provides debounce timers backed by an injectable clock.
//
// Debounce behavior is central to both the compile pipeline (300ms) and the
// scroll synchronizer (50ms). Modeling timers over a Clock interface keeps
// that behavior reproducible under a fake clock in tests instead of depending
// on wall-time sleeps.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time for components that schedule future work.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules fn to run after d elapses and returns a handle
	// that can stop or reschedule it.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was stopped.
	Stop() bool

	// Reset reschedules the timer to fire after d. Returns true if the timer
	// was active when reset.
	Reset(d time.Duration) bool
}

// systemClock implements Clock using the time package.
type systemClock struct{}

// SystemClock returns a Clock backed by real wall time.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Stop() bool {
	return s.t.Stop()
}

func (s systemTimer) Reset(d time.Duration) bool {
	return s.t.Reset(d)
}

// FakeClock is a manually advanced Clock for deterministic tests.
// Callbacks fire synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock creates a fake clock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to fire when the clock is advanced past d.
func (c *FakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{
		clock:    c,
		deadline: c.now.Add(d),
		fn:       fn,
		active:   true,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// Timers scheduled by fired callbacks are honored within the same advance if
// their deadline falls inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		t := c.nextDueLocked(target)
		if t == nil {
			break
		}
		if t.deadline.After(c.now) {
			c.now = t.deadline
		}
		t.active = false
		fn := t.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// nextDueLocked returns the active timer with the earliest deadline at or
// before target, or nil if none is due.
func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	for _, t := range c.timers {
		if t.active && !t.deadline.After(target) {
			return t
		}
	}
	return nil
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
