package troupe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// stubResult is one scripted provider turn.
type stubResult struct {
	resp *GenerateResponse
	err  error
	// delay simulates provider latency.
	delay time.Duration
}

// stubProvider replays scripted results in order. The last result
// repeats once the script is exhausted. Safe for concurrent use.
type stubProvider struct {
	name    string
	results []stubResult

	mu        sync.Mutex
	calls     int32
	embeds    int32
	lastReq   GenerateRequest
	embedDims int
}

func (s *stubProvider) Name() string {
	if s.name == "" {
		return "stub"
	}
	return s.name
}

func (s *stubProvider) Calls() int { return int(atomic.LoadInt32(&s.calls)) }

func (s *stubProvider) Complete(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	n := atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	s.lastReq = req
	var r stubResult
	if len(s.results) > 0 {
		i := int(n) - 1
		if i >= len(s.results) {
			i = len(s.results) - 1
		}
		r = s.results[i]
	} else {
		r = stubResult{resp: &GenerateResponse{Text: "ok", FinishReason: FinishStop, Model: req.Model}}
	}
	s.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.delay):
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	resp := *r.resp
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

func (s *stubProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	atomic.AddInt32(&s.embeds, 1)
	dims := s.embedDims
	if dims == 0 {
		dims = 4
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, dims)
		for j, ch := range texts[i] {
			vec[j%dims] += float32(ch % 7)
		}
		out[i] = vec
	}
	return out, nil
}

// newTestGateway wires a gateway with generous limits so tests exercise
// only the component under test.
func newTestGateway(p ModelProvider, opts ...GatewayOption) *Gateway {
	limiter := NewRateLimiter(RateLimiterConfig{RatePerSec: 10000, Burst: 100000, QueueBound: 100})
	breakers := NewBreakerSet(BreakerConfig{})
	deduper := NewDeduper(DeduperConfig{RecentTTL: 300 * time.Second})
	return NewGateway(p, limiter, breakers, deduper, GatewayConfig{}, opts...)
}

func textResp(text string) *GenerateResponse {
	return &GenerateResponse{
		Text:         text,
		Usage:        TokenUsage{Prompt: 3, Completion: 1, Total: 4},
		FinishReason: FinishStop,
	}
}

func toolCallResp(id, name, args string) *GenerateResponse {
	return &GenerateResponse{
		ToolCalls:    []ToolCall{{ID: id, Name: name, Args: []byte(args)}},
		Usage:        TokenUsage{Prompt: 5, Completion: 2, Total: 7},
		FinishReason: FinishTool,
	}
}

func askTask(tenant, prompt string) Task {
	return Task{
		ID:        NewID(),
		Type:      "ask",
		Params:    map[string]any{"prompt": prompt},
		Tenant:    tenant,
		CreatedAt: time.Now(),
	}
}
