package writer

import "sync/atomic"

// Clock is the monotonic logical clock stamping command envelopes.
//
// Every accepted command gets a strictly increasing logical timestamp,
// which makes ledger order explicit and independent of wall-clock skew.
//
// Thread-safety: atomic, though the reactor's single-writer design means
// only the Run goroutine normally calls Next().
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resumed at a specific timestamp.
// Used on startup to continue from the ledger's high-water mark.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next timestamp and advances the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current timestamp without advancing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
