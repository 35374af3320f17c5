package troupe

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is an explicit retry value passed into the Gateway and the
// Orchestrator. There is no implicit control flow: callers decide where a
// policy applies.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the backoff before the first retry; each subsequent
	// delay doubles.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff delay. Zero means no cap.
	MaxDelay time.Duration
	// Jitter adds up to 50% random jitter to each delay.
	Jitter bool
}

// Attempts returns the total attempt count (1 + MaxRetries).
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return 1 + p.MaxRetries
}

// Backoff returns the delay before retry i (0-indexed).
// Exponential: base * 2^i, capped by MaxDelay, plus optional jitter.
func (p RetryPolicy) Backoff(i int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	if i > 30 {
		i = 30
	}
	d := base * (1 << i)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	}
	return d
}

// Sleep blocks for the backoff of retry i or until ctx is done.
func (p RetryPolicy) Sleep(ctx context.Context, i int) error {
	timer := time.NewTimer(p.Backoff(i))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
