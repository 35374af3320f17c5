package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	troupe "github.com/troupe-ai/troupe"
)

// Provider implements troupe.ModelProvider against the OpenAI chat
// completions and embeddings endpoints.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name used for circuit breaking and
// usage accounting (default "openai").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates an OpenAI-compatible provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The endpoint paths are appended
// automatically.
func New(apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Complete sends one chat completion request.
func (p *Provider) Complete(ctx context.Context, req troupe.GenerateRequest) (*troupe.GenerateResponse, error) {
	body := chatRequest{
		Model:     req.Model,
		Messages:  toAPIMessages(req.Messages),
		Tools:     toAPITools(req.Functions),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	var out chatResponse
	if err := p.post(ctx, "/chat/completions", body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", p.name)
	}
	choice := out.Choices[0]

	resp := &troupe.GenerateResponse{
		Text:  choice.Message.Content,
		Model: out.Model,
		Usage: troupe.TokenUsage{
			Prompt:     out.Usage.PromptTokens,
			Completion: out.Usage.CompletionTokens,
			Total:      out.Usage.TotalTokens,
		},
		FinishReason: toFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, troupe.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return resp, nil
}

// Embed sends one embeddings request.
func (p *Provider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	var out embedResponse
	if err := p.post(ctx, "/embeddings", embedRequest{Model: model, Input: texts}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%s: got %d embeddings for %d inputs", p.name, len(out.Data), len(texts))
	}
	// The API may return vectors out of order.
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// post sends a JSON request and decodes the response. Non-200 statuses
// become *troupe.HTTPError so the gateway's classifier can map them.
func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		if p.logger != nil {
			p.logger.Warn("provider request failed", "provider", p.name, "status", resp.StatusCode, "path", path)
		}
		return &troupe.HTTPError{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return nil
}

func toAPIMessages(msgs []troupe.ChatMessage) []message {
	out := make([]message, len(msgs))
	for i, m := range msgs {
		am := message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			atc := apiToolCall{ID: tc.ID, Type: "function"}
			atc.Function.Name = tc.Name
			atc.Function.Arguments = string(tc.Args)
			am.ToolCalls = append(am.ToolCalls, atc)
		}
		out[i] = am
	}
	return out
}

func toAPITools(fns []troupe.ToolSchema) []tool {
	if len(fns) == 0 {
		return nil
	}
	out := make([]tool, len(fns))
	for i, f := range fns {
		out[i] = tool{Type: "function", Function: function{
			Name:        f.Name,
			Description: f.Description,
			Parameters:  f.Parameters,
		}}
	}
	return out
}

func toFinishReason(s string) troupe.FinishReason {
	switch s {
	case "stop":
		return troupe.FinishStop
	case "length":
		return troupe.FinishLength
	case "tool_calls", "function_call":
		return troupe.FinishTool
	case "content_filter":
		return troupe.FinishFilter
	}
	return troupe.FinishError
}

// parseRetryAfter handles the delay-seconds form of the header. The
// HTTP-date form is rare on model APIs and is ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Compile-time interface check.
var _ troupe.ModelProvider = (*Provider)(nil)
