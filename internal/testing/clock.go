package testing

import (
	"sync"
	"time"
)

// ManualClock is a hand-advanced clock for time-dependent tests. The store,
// the engines and the resolver all read from the same instance, so advancing
// it moves the whole environment at once.
type ManualClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewManualClock returns a clock set to July 1, 2025, 09:00 UTC, a weekday
// morning inside an open accounting period.
func NewManualClock() *ManualClock {
	return &ManualClock{
		current: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
	}
}

// NewManualClockAt returns a clock set to the specified time.
func NewManualClockAt(t time.Time) *ManualClock {
	return &ManualClock{current: t}
}

// Now returns the current time on the clock.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set pins the clock to a specific time.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}
