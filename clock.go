package troupe

import (
	"sync"
	"time"
)

// Clock abstracts monotonic time so that rate limiting, breaker cooldowns,
// dedupe TTLs, and memory expiry are testable without sleeping.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// realClock reads the system clock.
type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

// NewClock returns the system clock.
func NewClock() Clock { return realClock{} }

// ManualClock is a Clock whose time only moves when Advance or Set is
// called. Intended for tests.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock starting at the given time.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
