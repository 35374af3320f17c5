package troupe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig configures the per-tenant bucket family. Every
// tenant gets a request bucket and, when TokensPerSec is set, a token
// bucket; one acquisition consumes a single request unit plus the
// call's token estimate.
type RateLimiterConfig struct {
	// RatePerSec is the continuous refill rate of each tenant's request
	// bucket.
	RatePerSec float64
	// Burst is the request bucket capacity.
	Burst int
	// TokensPerSec is the refill rate of each tenant's token bucket.
	// Zero disables token accounting; only request counts are limited.
	TokensPerSec float64
	// TokenBurst is the token bucket capacity. It must cover the largest
	// single acquisition a tenant may make; defaults to one second of
	// refill.
	TokenBurst int
	// QueueBound is the maximum number of callers suspended per tenant
	// waiting for capacity. Zero disables queuing: callers that cannot
	// acquire immediately fail with RateLimited.
	QueueBound int
	// QueueWaitDeadline bounds how long a queued caller may wait.
	QueueWaitDeadline time.Duration
}

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.TokensPerSec > 0 && c.TokenBurst <= 0 {
		c.TokenBurst = int(c.TokensPerSec)
		if c.TokenBurst < 1 {
			c.TokenBurst = 1
		}
	}
	if c.QueueWaitDeadline <= 0 {
		c.QueueWaitDeadline = 30 * time.Second
	}
	return c
}

// RateLimiter enforces per-tenant request and token buckets with a
// bounded FIFO wait queue. Buckets refill continuously (no background
// timer); a waiting caller that is cancelled releases its queue slot and
// any reservation immediately, so there are no zombie waiters.
type RateLimiter struct {
	cfg      RateLimiterConfig
	logger   *slog.Logger
	onReject func(tenant, reason string)

	mu      sync.Mutex
	tenants map[string]*tenantBucket
}

type tenantBucket struct {
	reqs *rate.Limiter
	// toks is nil when token accounting is disabled.
	toks *rate.Limiter

	mu      sync.Mutex
	waiters int
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// RateLimiterLogger sets the structured logger for rejection events.
func RateLimiterLogger(l *slog.Logger) RateLimiterOption {
	return func(r *RateLimiter) { r.logger = l }
}

// RateLimiterOnReject registers a callback invoked once per rejected
// acquisition, for metrics.
func RateLimiterOnReject(fn func(tenant, reason string)) RateLimiterOption {
	return func(r *RateLimiter) { r.onReject = fn }
}

// NewRateLimiter creates a RateLimiter. Tenant buckets are created lazily
// on first acquisition.
func NewRateLimiter(cfg RateLimiterConfig, opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		cfg:     cfg.withDefaults(),
		logger:  nopLogger,
		tenants: make(map[string]*tenantBucket),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RateLimiter) bucket(tenant string) *tenantBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.tenants[tenant]
	if !ok {
		b = &tenantBucket{reqs: rate.NewLimiter(rate.Limit(r.cfg.RatePerSec), r.cfg.Burst)}
		if r.cfg.TokensPerSec > 0 {
			b.toks = rate.NewLimiter(rate.Limit(r.cfg.TokensPerSec), r.cfg.TokenBurst)
		}
		r.tenants[tenant] = b
	}
	return b
}

// allowNow consumes one request unit plus tokens when both buckets hold
// enough right now. All-or-nothing: a shortfall in either bucket leaves
// the other untouched.
func (b *tenantBucket) allowNow(tokens int) bool {
	now := time.Now()
	req := b.reqs.ReserveN(now, 1)
	if !req.OK() || req.Delay() > 0 {
		req.Cancel()
		return false
	}
	if b.toks == nil {
		return true
	}
	tok := b.toks.ReserveN(now, tokens)
	if !tok.OK() || tok.Delay() > 0 {
		tok.Cancel()
		req.CancelAt(now)
		return false
	}
	return true
}

// Allow reports whether one request and tokens are immediately available
// for tenant, consuming them if so.
func (r *RateLimiter) Allow(tenant string, tokens int) bool {
	if tokens < 1 {
		tokens = 1
	}
	return r.bucket(tenant).allowNow(tokens)
}

// Acquire obtains one request unit and tokens for tenant. It succeeds
// immediately when both buckets hold enough; otherwise the caller is
// suspended in the tenant's FIFO wait queue up to QueueWaitDeadline.
// Acquisition fails with RateLimited when queuing is disabled, the queue
// is full, tokens exceed the token burst, or the deadline elapses before
// capacity becomes available.
func (r *RateLimiter) Acquire(ctx context.Context, tenant string, tokens int) error {
	if tenant == "" {
		return newError(KindInvalidRequest, "ratelimiter", "tenant is required")
	}
	if tokens < 1 {
		tokens = 1
	}
	b := r.bucket(tenant)

	if b.toks != nil && tokens > r.cfg.TokenBurst {
		// The demand can never fit; waiting would not help.
		r.notifyReject(tenant, "token demand exceeds bucket capacity")
		return &Error{Kind: KindRateLimited, Component: "ratelimiter", Tenant: tenant,
			Message: "token demand exceeds bucket capacity"}
	}

	if b.allowNow(tokens) {
		return nil
	}
	if r.cfg.QueueBound <= 0 {
		return r.reject(tenant, "no capacity and queuing disabled")
	}

	b.mu.Lock()
	if b.waiters >= r.cfg.QueueBound {
		b.mu.Unlock()
		return r.reject(tenant, "wait queue full")
	}
	b.waiters++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.waiters--
		b.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.QueueWaitDeadline)
	defer cancel()
	// WaitN reserves in call order, which keeps the queue FIFO, and it
	// fails fast when the needed delay cannot fit inside the deadline.
	// The request unit is acquired first; a caller holding it blocks on
	// tokens under the same deadline.
	err := b.reqs.Wait(waitCtx)
	if err == nil && b.toks != nil {
		err = b.toks.WaitN(waitCtx, tokens)
	}
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindCancelled, Component: "ratelimiter", Tenant: tenant, Message: "cancelled while queued", Err: ctx.Err()}
		}
		return r.reject(tenant, "wait deadline exceeded")
	}
	return nil
}

// Waiters returns the number of callers currently queued for tenant.
func (r *RateLimiter) Waiters(tenant string) int {
	b := r.bucket(tenant)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiters
}

// Snapshot returns the queued-waiter count per tenant, for health
// reporting.
func (r *RateLimiter) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.tenants))
	for tenant, b := range r.tenants {
		b.mu.Lock()
		out[tenant] = b.waiters
		b.mu.Unlock()
	}
	return out
}

func (r *RateLimiter) notifyReject(tenant, why string) {
	r.logger.Warn("rate limited", "tenant", tenant, "reason", why)
	if r.onReject != nil {
		r.onReject(tenant, why)
	}
}

func (r *RateLimiter) reject(tenant, why string) error {
	r.notifyReject(tenant, why)
	return &Error{Kind: KindRateLimited, Component: "ratelimiter", Tenant: tenant, Message: why, Retryable: true}
}
