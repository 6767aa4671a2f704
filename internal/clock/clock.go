// Package clock provides a mockable time source for testing.
// In production, it simply wraps the time package. For tests, use MockClock,
// which lets a test advance time and fire deadline timers deterministically.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable deadline timer returned by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Clock is the interface for time operations.
// Inject a Clock where deadlines matter; use a RealClock in production.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
	AfterFunc(d time.Duration, f func()) Timer
}

// --- Real Clock (simple wrapper) ---

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Until returns the duration until t.
func (c *RealClock) Until(t time.Time) time.Duration {
	return time.Until(t)
}

// AfterFunc schedules f to run after d on its own goroutine.
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// --- Mock Clock (for testing) ---

// MockClock is a test clock with controllable time. Timers scheduled via
// AfterFunc fire synchronously from Advance/Set once their deadline passes.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	clock   *MockClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

// Stop cancels the timer if it has not fired yet.
func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration until t.
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// AfterFunc registers f to fire when the mock time passes d from now.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{clock: c, when: c.current.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Set sets the mock time and fires any timers now due.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	due := c.collectDue()
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

// Advance advances the mock time by d and fires any timers now due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	due := c.collectDue()
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

// collectDue must be called with mu held. Timers fire in deadline order.
func (c *MockClock) collectDue() []func() {
	var due []func()
	var dueTimers []*mockTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.when.After(c.current) {
			dueTimers = append(dueTimers, t)
		}
	}
	sort.Slice(dueTimers, func(i, j int) bool { return dueTimers[i].when.Before(dueTimers[j].when) })
	for _, t := range dueTimers {
		t.fired = true
		due = append(due, t.f)
	}
	return due
}
