package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start of a FakeClock.
var Epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// FakeClock is a thread-safe wall clock for tests.
//
// Every call to Now advances the clock by Step, so timings measured with it
// are identical from run to run. Step may be zero for a frozen clock.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewFakeClock creates a clock at Epoch advancing by step per reading.
func NewFakeClock(step time.Duration) *FakeClock {
	return &FakeClock{now: Epoch, step: step}
}

// Now returns the current time and then advances by Step.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset moves the clock back to Epoch.
func (c *FakeClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = Epoch
}
