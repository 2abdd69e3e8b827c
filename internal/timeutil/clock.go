// Package timeutil abstracts the wall clock so that fusion ticks and sensor
// timeouts can be driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the recorder depends on.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer mirrors *time.Timer with the channel behind a method.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker mirrors *time.Ticker with the channel behind a method.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time        { return r.t.C }
func (r realTimer) Stop() bool                 { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// MockClock only moves when Advance or Set is called. Timers and tickers
// created from it fire synchronously inside Advance.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
}

// NewMockClock returns a MockClock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps the clock without firing anything.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and fires every timer or ticker whose
// deadline has been reached. Each ticker fires at most once per call, which
// matches a real ticker dropping ticks for a slow reader.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	waiters := append([]*mockWaiter(nil), c.waiters...)
	c.mu.Unlock()

	for _, w := range waiters {
		w.fire(now)
	}
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	return mockTimer{c.add(d, false)}
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	return mockTicker{c.add(d, true)}
}

// ActiveTickers returns the number of tickers that have not been stopped.
func (c *MockClock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		w.mu.Lock()
		if w.repeat && !w.stopped {
			n++
		}
		w.mu.Unlock()
	}
	return n
}

func (c *MockClock) add(d time.Duration, repeat bool) *mockWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{
		clock:    c,
		ch:       make(chan time.Time, 1),
		interval: d,
		deadline: c.now.Add(d),
		repeat:   repeat,
	}
	c.waiters = append(c.waiters, w)
	return w
}

// mockWaiter backs both MockClock timers and tickers.
type mockWaiter struct {
	clock    *MockClock
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	deadline time.Time
	repeat   bool
	stopped  bool
}

type mockTimer struct{ *mockWaiter }

func (t mockTimer) Stop() bool { return t.stop() }

type mockTicker struct{ *mockWaiter }

func (t mockTicker) Stop() { t.stop() }

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

func (w *mockWaiter) stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	wasActive := !w.stopped
	w.stopped = true
	return wasActive
}

func (w *mockWaiter) Reset(d time.Duration) bool {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	wasActive := !w.stopped
	w.stopped = false
	w.interval = d
	w.deadline = now.Add(d)
	return wasActive
}

func (w *mockWaiter) fire(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || now.Before(w.deadline) {
		return
	}
	select {
	case w.ch <- now:
	default:
	}
	if w.repeat {
		w.deadline = now.Add(w.interval)
	} else {
		w.stopped = true
	}
}
