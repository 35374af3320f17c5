package troupe

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for one provider.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker when this many counted failures
	// land within Window.
	FailureThreshold int
	// SuccessThreshold closes a half-open breaker after this many
	// consecutive probe successes.
	SuccessThreshold int
	// Cooldown is how long an open breaker waits before admitting a probe.
	Cooldown time.Duration
	// Window is the sliding failure-counting window while closed.
	Window time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	return c
}

// BreakerOutcome is how a finished call is reported to the breaker.
type BreakerOutcome int

const (
	// OutcomeSuccess counts toward closing a half-open breaker.
	OutcomeSuccess BreakerOutcome = iota
	// OutcomeFailure counts toward opening the breaker.
	OutcomeFailure
	// OutcomeIgnore releases the probe slot without counting either way.
	// Used for cancellations and for errors that must not trip the
	// breaker (rate limits, validation).
	OutcomeIgnore
)

// Breaker is a Closed/Open/HalfOpen state machine for a single provider.
// State transitions are serialized so that at most one probe is in flight
// while half-open.
type Breaker struct {
	cfg      BreakerConfig
	clock    Clock
	logger   *slog.Logger
	provider string
	onChange func(provider string, from, to BreakerState)

	mu            sync.Mutex
	state         BreakerState
	failures      []time.Time // counted failures while closed, pruned by Window
	openedAt      time.Time
	probeInFlight bool
	successStreak int
}

func newBreaker(provider string, cfg BreakerConfig, clock Clock, logger *slog.Logger, onChange func(string, BreakerState, BreakerState)) *Breaker {
	return &Breaker{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		logger:   logger,
		provider: provider,
		onChange: onChange,
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. While open it fails with
// CircuitOpen until Cooldown has elapsed, then transitions to half-open
// and admits exactly one probe; further callers fail until the probe
// completes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.clock.Since(b.openedAt) < b.cfg.Cooldown {
			return b.openErr()
		}
		b.transition(BreakerHalfOpen)
		b.probeInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.probeInFlight {
			return b.openErr()
		}
		b.probeInFlight = true
		return nil
	}
	return newError(KindInvariantBroken, "breaker", "unknown state %d", b.state)
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(outcome BreakerOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if outcome != OutcomeFailure {
			return
		}
		now := b.clock.Now()
		b.failures = pruneBefore(b.failures, now.Add(-b.cfg.Window))
		b.failures = append(b.failures, now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.failures = nil
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.probeInFlight = false
		switch outcome {
		case OutcomeSuccess:
			b.successStreak++
			if b.successStreak >= b.cfg.SuccessThreshold {
				b.successStreak = 0
				b.transition(BreakerClosed)
			}
		case OutcomeFailure:
			b.successStreak = 0
			b.openedAt = b.clock.Now()
			b.transition(BreakerOpen)
		case OutcomeIgnore:
			// Probe slot released; streak unchanged.
		}
	case BreakerOpen:
		// A late result from a call admitted before the trip; nothing to do.
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("breaker transition", "provider", b.provider, "from", from.String(), "to", to.String())
	if b.onChange != nil {
		b.onChange(b.provider, from, to)
	}
}

func (b *Breaker) openErr() error {
	return &Error{Kind: KindCircuitOpen, Component: "breaker", Message: "circuit open for provider " + b.provider}
}

// pruneBefore removes entries older than cutoff from a sorted time slice.
func pruneBefore(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// BreakerSet holds one Breaker per provider, created lazily.
type BreakerSet struct {
	cfg      BreakerConfig
	clock    Clock
	logger   *slog.Logger
	onChange func(provider string, from, to BreakerState)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// BreakerSetOption configures a BreakerSet.
type BreakerSetOption func(*BreakerSet)

// BreakerClock overrides the clock, for tests.
func BreakerClock(c Clock) BreakerSetOption {
	return func(s *BreakerSet) { s.clock = c }
}

// BreakerLogger sets the structured logger for transition events.
func BreakerLogger(l *slog.Logger) BreakerSetOption {
	return func(s *BreakerSet) { s.logger = l }
}

// BreakerOnChange registers a transition callback (used by the observer
// to count state changes).
func BreakerOnChange(fn func(provider string, from, to BreakerState)) BreakerSetOption {
	return func(s *BreakerSet) { s.onChange = fn }
}

// NewBreakerSet creates a per-provider breaker registry.
func NewBreakerSet(cfg BreakerConfig, opts ...BreakerSetOption) *BreakerSet {
	s := &BreakerSet{
		cfg:      cfg.withDefaults(),
		clock:    NewClock(),
		logger:   nopLogger,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// For returns the breaker for provider, creating it on first use.
func (s *BreakerSet) For(provider string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[provider]
	if !ok {
		b = newBreaker(provider, s.cfg, s.clock, s.logger, s.onChange)
		s.breakers[provider] = b
	}
	return b
}

// States reports the current state per known provider, for health
// reporting.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BreakerState, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}
