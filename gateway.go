package troupe

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// ModelProvider is the external model backend. All tokenization and
// provider switching happens behind this interface; the gateway only
// sees typed results or typed errors.
type ModelProvider interface {
	// Name identifies the provider for circuit breaking and usage
	// accounting.
	Name() string
	// Complete runs one completion turn.
	Complete(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	// Embed turns texts into vectors.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// ValidationLevel controls output checking after a completion.
type ValidationLevel string

const (
	// ValidationStrict rejects filtered output, empty output, and tool
	// calls with undecodable arguments.
	ValidationStrict ValidationLevel = "strict"
	// ValidationModerate rejects filtered output and undecodable tool
	// call arguments but allows empty text.
	ValidationModerate ValidationLevel = "moderate"
	// ValidationLenient passes the provider's output through unchanged.
	ValidationLenient ValidationLevel = "lenient"
)

// UsageRecord is one accounted model call.
type UsageRecord struct {
	Tenant   string
	Model    string
	Provider string
	Kind     string // "generate" or "embed"
	Usage    TokenUsage
	Cost     float64
	Latency  time.Duration
	At       time.Time
}

// CostFunc estimates the dollar cost of a call from its token usage.
type CostFunc func(model string, usage TokenUsage) float64

// GatewayConfig tunes the model-call pipeline.
type GatewayConfig struct {
	// Retry applies to availability errors from the provider.
	Retry RetryPolicy
	// TotalDeadline bounds one Generate or Embed including retries.
	TotalDeadline time.Duration
	// Validation is the output checking level.
	Validation ValidationLevel
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.TotalDeadline <= 0 {
		c.TotalDeadline = 120 * time.Second
	}
	if c.Validation == "" {
		c.Validation = ValidationModerate
	}
	return c
}

// Gateway is the single choke point to the model provider. Every call
// passes dedupe, circuit breaking, and per-tenant rate limiting, in that
// order, before reaching the provider.
type Gateway struct {
	cfg      GatewayConfig
	provider ModelProvider
	limiter  *RateLimiter
	breakers *BreakerSet
	deduper  *Deduper
	clock    Clock
	logger   *slog.Logger
	tracer   Tracer
	cost     CostFunc
	onUsage  func(UsageRecord)
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// GatewayLogger sets the structured logger.
func GatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// GatewayTracer enables one span per call.
func GatewayTracer(t Tracer) GatewayOption {
	return func(g *Gateway) { g.tracer = t }
}

// GatewayClock overrides the clock, for tests.
func GatewayClock(c Clock) GatewayOption {
	return func(g *Gateway) { g.clock = c }
}

// GatewayCost sets the cost estimator applied to each completed call.
func GatewayCost(fn CostFunc) GatewayOption {
	return func(g *Gateway) { g.cost = fn }
}

// GatewayOnUsage registers a usage-accounting callback, invoked once per
// provider call that returns a response.
func GatewayOnUsage(fn func(UsageRecord)) GatewayOption {
	return func(g *Gateway) { g.onUsage = fn }
}

// NewGateway wires a provider behind the resilience pipeline. The
// limiter, breakers, and deduper are owned by the caller so they can be
// shared across gateways or inspected by a health endpoint.
func NewGateway(provider ModelProvider, limiter *RateLimiter, breakers *BreakerSet, deduper *Deduper, cfg GatewayConfig, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		cfg:      cfg.withDefaults(),
		provider: provider,
		limiter:  limiter,
		breakers: breakers,
		deduper:  deduper,
		clock:    NewClock(),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Breakers exposes the breaker set for health reporting.
func (g *Gateway) Breakers() *BreakerSet { return g.breakers }

// Limiter exposes the rate limiter for health reporting.
func (g *Gateway) Limiter() *RateLimiter { return g.limiter }

// DedupeStats reports coalescing counters.
func (g *Gateway) DedupeStats() DeduperStats { return g.deduper.Stats() }

// Generate runs one completion through the pipeline: fingerprint and
// dedupe, circuit breaker, rate limiter, provider, classification and
// retry, output validation, recent-result cache.
func (g *Gateway) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Tenant == "" {
		return nil, newError(KindInvalidRequest, "gateway", "tenant is required")
	}
	if req.Model == "" {
		return nil, newError(KindInvalidRequest, "gateway", "model is required")
	}
	if len(req.Messages) == 0 {
		return nil, newError(KindInvalidRequest, "gateway", "messages are empty")
	}

	if g.tracer != nil {
		var span Span
		ctx, span = g.tracer.Start(ctx, "gateway.generate",
			TenantAttr(req.Tenant), StringAttr("model", req.Model))
		defer span.End()
	}

	fp := Fingerprint(req)
	tokens := estimateTokens(req.Messages)

	val, src, err := g.deduper.Do(ctx, fp, func(callCtx context.Context) (any, error) {
		resp, latency, err := runProviderCall(g, callCtx, req.Tenant, tokens,
			func(attemptCtx context.Context) (*GenerateResponse, error) {
				resp, err := g.provider.Complete(attemptCtx, req)
				if err != nil {
					return nil, err
				}
				if err := g.validateOutput(resp); err != nil {
					return nil, err
				}
				return resp, nil
			})
		if err != nil {
			return nil, err
		}
		g.account(req.Tenant, resp.Model, "generate", resp.Usage, latency, &resp.CostEstimate)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	if src != SourceCall {
		g.logger.Debug("generate coalesced", "tenant", req.Tenant, "source", src.String(), "fingerprint", fp[:12])
	}
	return val.(*GenerateResponse), nil
}

// Embed runs an embedding call through the same pipeline. Embeddings
// carry no tool-loop semantics.
func (g *Gateway) Embed(ctx context.Context, tenant, model string, texts []string) ([][]float32, error) {
	if tenant == "" {
		return nil, newError(KindInvalidRequest, "gateway", "tenant is required")
	}
	if model == "" {
		return nil, newError(KindInvalidRequest, "gateway", "model is required")
	}
	if len(texts) == 0 {
		return nil, newError(KindInvalidRequest, "gateway", "texts are empty")
	}

	if g.tracer != nil {
		var span Span
		ctx, span = g.tracer.Start(ctx, "gateway.embed",
			TenantAttr(tenant), StringAttr("model", model), IntAttr("texts", len(texts)))
		defer span.End()
	}

	chars := 0
	for _, t := range texts {
		chars += len(t)
	}
	tokens := chars / 4
	if tokens < 1 {
		tokens = 1
	}

	fp := EmbedFingerprint(tenant, model, texts)
	val, _, err := g.deduper.Do(ctx, fp, func(callCtx context.Context) (any, error) {
		vecs, latency, err := runProviderCall(g, callCtx, tenant, tokens,
			func(attemptCtx context.Context) ([][]float32, error) {
				return g.provider.Embed(attemptCtx, model, texts)
			})
		if err != nil {
			return nil, err
		}
		g.account(tenant, model, "embed", TokenUsage{Prompt: tokens, Total: tokens}, latency, nil)
		return vecs, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([][]float32), nil
}

// runProviderCall applies breaker, rate limiter, retry, and error
// classification around one provider invocation. Rate-limit acquisition
// strictly precedes the provider call; breaker transitions are
// serialized inside the Breaker itself.
func runProviderCall[T any](g *Gateway, ctx context.Context, tenant string, tokens int, invoke func(context.Context) (T, error)) (T, time.Duration, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, g.cfg.TotalDeadline)
	defer cancel()

	breaker := g.breakers.For(g.provider.Name())
	attempts := g.cfg.Retry.Attempts()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := g.cfg.Retry.Sleep(ctx, attempt-1); err != nil {
				return zero, 0, &Error{Kind: KindCancelled, Component: "gateway", Tenant: tenant, Message: "cancelled during backoff", Err: err}
			}
		}

		if err := breaker.Allow(); err != nil {
			// An open circuit is not retried inside the gateway.
			return zero, 0, err
		}
		if err := g.limiter.Acquire(ctx, tenant, tokens); err != nil {
			breaker.Record(OutcomeIgnore)
			return zero, 0, err
		}

		start := g.clock.Now()
		resp, err := invoke(ctx)
		latency := g.clock.Since(start)
		if err == nil {
			breaker.Record(OutcomeSuccess)
			return resp, latency, nil
		}

		errKind := ClassifyProviderError(err)
		classified := err
		if KindOf(err) == "" {
			classified = &Error{Kind: errKind, Component: "gateway", Tenant: tenant, Message: "provider call failed", Err: err}
		}
		if countsAsBreakerFailure(errKind) {
			breaker.Record(OutcomeFailure)
		} else {
			breaker.Record(OutcomeIgnore)
		}
		g.logger.Warn("provider call failed",
			"tenant", tenant, "provider", g.provider.Name(),
			"kind", string(errKind), "attempt", attempt+1, "latency", latency)

		lastErr = classified
		if !retryableGatewayKind(errKind) || ctx.Err() != nil {
			break
		}
	}
	return zero, 0, lastErr
}

// retryableGatewayKind lists the error kinds the gateway retries under
// its own deadline. Callers see the final classified error.
func retryableGatewayKind(k Kind) bool {
	switch k {
	case KindTransient, KindProviderUnavailable, KindTimeout, KindRateLimitedRemote:
		return true
	}
	return false
}

// account records usage for one successful provider call and fills in
// the cost estimate when an estimator is configured.
func (g *Gateway) account(tenant, model, kind string, usage TokenUsage, latency time.Duration, costOut *float64) {
	var cost float64
	if g.cost != nil {
		cost = g.cost(model, usage)
		if costOut != nil && *costOut == 0 {
			*costOut = cost
		}
	} else if costOut != nil {
		cost = *costOut
	}
	if g.onUsage != nil {
		g.onUsage(UsageRecord{
			Tenant: tenant, Model: model, Provider: g.provider.Name(), Kind: kind,
			Usage: usage, Cost: cost, Latency: latency, At: g.clock.Now(),
		})
	}
}

// validateOutput applies the configured validation level to a response.
func (g *Gateway) validateOutput(resp *GenerateResponse) error {
	switch g.cfg.Validation {
	case ValidationLenient:
		return nil
	case ValidationModerate, ValidationStrict:
		if resp.FinishReason == FinishFilter {
			return &Error{Kind: KindContentFilter, Component: "gateway", Message: "output blocked by content filter"}
		}
		for _, tc := range resp.ToolCalls {
			if len(tc.Args) > 0 && !json.Valid(tc.Args) {
				return &Error{Kind: KindPermanentProvider, Component: "gateway", Message: "tool call " + tc.Name + " has undecodable arguments"}
			}
		}
		if g.cfg.Validation == ValidationStrict && resp.Text == "" && len(resp.ToolCalls) == 0 {
			return &Error{Kind: KindPermanentProvider, Component: "gateway", Message: "empty output"}
		}
	}
	return nil
}
