package troupe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DedupeSource says how a deduped result was obtained.
type DedupeSource int

const (
	// SourceCall means this caller's work actually executed the function.
	SourceCall DedupeSource = iota
	// SourceInFlight means the caller coalesced onto a call already running.
	SourceInFlight
	// SourceRecent means the result came from the recent-completion cache.
	SourceRecent
)

func (s DedupeSource) String() string {
	switch s {
	case SourceCall:
		return "call"
	case SourceInFlight:
		return "in_flight"
	case SourceRecent:
		return "recent"
	}
	return "unknown"
}

// DeduperConfig configures request coalescing.
type DeduperConfig struct {
	// RecentTTL is how long a completed successful result is served from
	// cache. Zero disables the recent cache; in-flight coalescing still
	// applies.
	RecentTTL time.Duration
	// MaxRecent bounds the recent cache; the oldest entry is evicted when
	// full. Zero means unbounded.
	MaxRecent int
}

// DeduperStats are cumulative coalescing counters.
type DeduperStats struct {
	Calls     int64 // executions of the underlying function
	Coalesced int64 // callers attached to an in-flight execution
	RecentHit int64 // callers served from the recent cache
}

type inflightCall struct {
	done   chan struct{}
	cancel context.CancelFunc
	subs   int // active subscribers; leader cancels when this hits zero

	val any
	err error
}

type recentEntry struct {
	val any
	at  time.Time
}

// Deduper coalesces identical in-flight requests onto a single execution
// and serves recently completed successes from a TTL cache. Failures are
// never cached: every subscriber of a failed call receives the error, and
// the next caller starts a fresh execution.
type Deduper struct {
	cfg    DeduperConfig
	clock  Clock
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflightCall
	recent   map[string]*recentEntry
	order    []string // recent keys in insertion order, for eviction
	stats    DeduperStats
}

// DeduperOption configures a Deduper.
type DeduperOption func(*Deduper)

// DeduperClock overrides the clock, for tests.
func DeduperClock(c Clock) DeduperOption {
	return func(d *Deduper) { d.clock = c }
}

// DeduperLogger sets the structured logger.
func DeduperLogger(l *slog.Logger) DeduperOption {
	return func(d *Deduper) { d.logger = l }
}

// NewDeduper creates a Deduper.
func NewDeduper(cfg DeduperConfig, opts ...DeduperOption) *Deduper {
	d := &Deduper{
		cfg:      cfg,
		clock:    NewClock(),
		logger:   nopLogger,
		inflight: make(map[string]*inflightCall),
		recent:   make(map[string]*recentEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do returns the result for key, executing fn at most once across all
// concurrent callers with the same key. A caller whose context ends while
// waiting detaches with its context error; the underlying call keeps
// running until its last subscriber detaches, at which point it is
// cancelled.
func (d *Deduper) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, DedupeSource, error) {
	d.mu.Lock()

	if e, ok := d.recent[key]; ok {
		if d.clock.Since(e.at) < d.cfg.RecentTTL {
			d.stats.RecentHit++
			d.mu.Unlock()
			return e.val, SourceRecent, nil
		}
		d.evict(key)
	}

	if c, ok := d.inflight[key]; ok {
		c.subs++
		d.stats.Coalesced++
		d.mu.Unlock()
		return d.wait(ctx, key, c, SourceInFlight)
	}

	// The call outlives any single subscriber, so it runs on a context
	// detached from the first caller's; cancellation is tied to the
	// subscriber count instead.
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &inflightCall{done: make(chan struct{}), cancel: cancel, subs: 1}
	d.inflight[key] = c
	d.stats.Calls++
	d.mu.Unlock()

	go func() {
		defer cancel()
		val, err := fn(callCtx)

		d.mu.Lock()
		c.val, c.err = val, err
		delete(d.inflight, key)
		if err == nil && d.cfg.RecentTTL > 0 {
			d.remember(key, val)
		}
		d.mu.Unlock()
		close(c.done)
	}()

	return d.wait(ctx, key, c, SourceCall)
}

func (d *Deduper) wait(ctx context.Context, key string, c *inflightCall, src DedupeSource) (any, DedupeSource, error) {
	select {
	case <-c.done:
		return c.val, src, c.err
	case <-ctx.Done():
		d.mu.Lock()
		c.subs--
		last := c.subs == 0
		d.mu.Unlock()
		if last {
			d.logger.Debug("dedupe call abandoned", "key", key)
			c.cancel()
		}
		return nil, src, &Error{Kind: KindCancelled, Component: "deduper", Message: "caller cancelled while waiting", Err: ctx.Err()}
	}
}

// remember inserts into the recent cache; caller holds d.mu.
func (d *Deduper) remember(key string, val any) {
	if _, ok := d.recent[key]; ok {
		d.evict(key)
	}
	if d.cfg.MaxRecent > 0 && len(d.recent) >= d.cfg.MaxRecent {
		d.evict(d.order[0])
	}
	d.recent[key] = &recentEntry{val: val, at: d.clock.Now()}
	d.order = append(d.order, key)
}

// evict removes key from the recent cache; caller holds d.mu.
func (d *Deduper) evict(key string) {
	delete(d.recent, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Purge drops every cached recent result. In-flight calls are unaffected.
func (d *Deduper) Purge() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = make(map[string]*recentEntry)
	d.order = nil
}

// Stats returns cumulative coalescing counters.
func (d *Deduper) Stats() DeduperStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// InFlight returns the number of distinct calls currently executing.
func (d *Deduper) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
