package testutil

import (
	"sync"
	"time"
)

// FixedClock is a deterministic wall clock for tests.
//
// Each call to Now advances by Step, so envelope timestamps are stable
// across runs and golden files never churn. Pass Now to
// writer.WithNow(clock.Now).
//
// Thread-safety: all methods are safe for concurrent use.
type FixedClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// Epoch is the default starting instant for fixed clocks.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// NewFixedClock creates a clock at Epoch advancing one second per call.
func NewFixedClock() *FixedClock {
	return NewFixedClockAt(Epoch, time.Second)
}

// NewFixedClockAt creates a clock at start advancing step per call.
func NewFixedClockAt(start time.Time, step time.Duration) *FixedClock {
	return &FixedClock{now: start, step: step}
}

// Now returns the current instant and advances the clock by the step.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the instant the next Now call will report.
func (c *FixedClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance jumps the clock forward without consuming a tick. Tests use
// this to lapse lease TTLs.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
