package schedule

import (
	"sync"
	"time"
)

// Debouncer collapses rapid triggers into a single callback invocation.
//
// Each Trigger replaces any pending callback and reschedules the single
// active timer; only the last callback within a window fires. This is the
// single-active-timer-per-source model: timers never stack.
type Debouncer struct {
	mu     sync.Mutex
	clock  Clock
	window time.Duration
	timer  Timer
	// deadline is when the pending callback is due. A fire arriving before
	// it is a stale expiry from a timer that was reset mid-flight.
	deadline time.Time
	pending  func()
}

// DebouncerOption configures a Debouncer.
type DebouncerOption func(*Debouncer)

// WithClock sets the clock used for scheduling. Defaults to SystemClock.
func WithClock(c Clock) DebouncerOption {
	return func(d *Debouncer) {
		if c != nil {
			d.clock = c
		}
	}
}

// NewDebouncer creates a debouncer with the given window.
func NewDebouncer(window time.Duration, opts ...DebouncerOption) *Debouncer {
	d := &Debouncer{
		clock:  SystemClock(),
		window: window,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger schedules fn to run after the window elapses, replacing any
// previously pending callback and restarting the window.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = fn
	d.deadline = d.clock.Now().Add(d.window)
	if d.timer != nil {
		d.timer.Reset(d.window)
		return
	}
	d.timer = d.clock.AfterFunc(d.window, d.fire)
}

// Flush runs the pending callback immediately, if any, and cancels the timer.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	fn := d.pending
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Cancel discards the pending callback without running it.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending reports whether a callback is waiting to fire.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Window returns the debounce window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// fire runs on timer expiry. An expiry that raced a concurrent Trigger is
// ignored: the Reset inside Trigger already rescheduled the timer for the
// new deadline, and consuming the callback here would fire it early.
func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.clock.Now().Before(d.deadline) {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}
