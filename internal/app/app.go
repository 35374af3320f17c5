// Package app is the REST shell over the in-process runtime. Every
// request must carry X-Tenant-Id; responses use a uniform envelope
// {status, data | error, request_id}.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	troupe "github.com/troupe-ai/troupe"
)

// App wires the runtime components behind an http.Handler.
type App struct {
	gateway      *troupe.Gateway
	manager      *troupe.Manager
	orchestrator *troupe.Orchestrator
	logger       *slog.Logger

	// Agent factory so POST /v1/agents can construct agents against the
	// shared gateway.
	newAgent func(cfg troupe.AgentConfig) (*troupe.Agent, error)

	mu        sync.RWMutex
	workflows map[string]troupe.Workflow
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithAgentFactory overrides agent construction, letting the caller
// attach memory, tools, or tracers to REST-registered agents.
func WithAgentFactory(fn func(cfg troupe.AgentConfig) (*troupe.Agent, error)) Option {
	return func(a *App) { a.newAgent = fn }
}

// New creates the REST shell.
func New(gateway *troupe.Gateway, manager *troupe.Manager, orchestrator *troupe.Orchestrator, opts ...Option) *App {
	a := &App{
		gateway:      gateway,
		manager:      manager,
		orchestrator: orchestrator,
		logger:       slog.Default(),
		workflows:    make(map[string]troupe.Workflow),
	}
	a.newAgent = func(cfg troupe.AgentConfig) (*troupe.Agent, error) {
		return troupe.NewAgent(cfg, gateway, troupe.AgentLogger(a.logger))
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterWorkflow makes a workflow runnable via POST
// /v1/workflows/{id}/run.
func (a *App) RegisterWorkflow(wf troupe.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workflows[wf.ID] = wf
	return nil
}

// Handler returns the HTTP routes.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agents", a.withTenant(a.handleCreateAgent))
	mux.HandleFunc("POST /v1/agents/{id}/tasks", a.withTenant(a.handleSubmitTask))
	mux.HandleFunc("POST /v1/workflows/{id}/run", a.withTenant(a.handleRunWorkflow))
	mux.HandleFunc("POST /v1/llm/generate", a.withTenant(a.handleGenerate))
	mux.HandleFunc("GET /v1/health", a.handleHealth)
	return mux
}

// Serve runs the HTTP server until ctx ends.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	a.logger.Info("http listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// --- Envelope and error mapping ---

type envelope struct {
	Status    string `json:"status"` // "ok" or "error"
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	RequestID string `json:"request_id"`
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenant, reqID string)

// withTenant enforces the X-Tenant-Id header and assigns a request id.
func (a *App) withTenant(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := troupe.NewID()
		tenant := r.Header.Get("X-Tenant-Id")
		if tenant == "" {
			writeError(w, http.StatusUnauthorized, reqID,
				troupe.KindInvalidRequest, "missing X-Tenant-Id header")
			return
		}
		next(w, r, tenant, reqID)
	}
}

func writeOK(w http.ResponseWriter, reqID string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{Status: "ok", Data: data, RequestID: reqID})
}

func writeError(w http.ResponseWriter, code int, reqID string, kind troupe.Kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{
		Status: "error", Error: msg, ErrorKind: string(kind), RequestID: reqID,
	})
}

func (a *App) writeErr(w http.ResponseWriter, reqID string, err error) {
	kind := troupe.KindOf(err)
	writeError(w, statusFor(kind), reqID, kind, err.Error())
}

// statusFor maps the error taxonomy onto HTTP codes.
func statusFor(kind troupe.Kind) int {
	switch kind {
	case troupe.KindInvalidRequest, troupe.KindWorkflowInvalid:
		return http.StatusBadRequest
	case troupe.KindTenantMismatch:
		return http.StatusUnauthorized
	case troupe.KindToolNotFound, troupe.KindUnknownAgent, troupe.KindUnknownWorkflow:
		return http.StatusNotFound
	case troupe.KindToolValidation, troupe.KindContentFilter:
		return http.StatusUnprocessableEntity
	case troupe.KindRateLimited, troupe.KindRateLimitedRemote, troupe.KindInboxFull, troupe.KindMemoryPressure:
		return http.StatusTooManyRequests
	case troupe.KindCircuitOpen, troupe.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case troupe.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
