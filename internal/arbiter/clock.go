package arbiter

import "sync/atomic"

// Clock is a monotonic logical clock stamping write attempts and
// notifications.
//
// Subscribers order notifications by Seq, never by wall-clock time, so a
// delivery that races another one can be recognized as older and dropped.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
