package app

import (
	"encoding/json"
	"net/http"

	troupe "github.com/troupe-ai/troupe"
)

type createAgentRequest struct {
	ID                string              `json:"id"`
	SystemPrompt      string              `json:"system_prompt"`
	Model             string              `json:"model"`
	Capabilities      []troupe.Capability `json:"capabilities,omitempty"`
	MaxToolIterations int                 `json:"max_tool_iterations,omitempty"`
	RecordEpisodes    bool                `json:"record_episodes,omitempty"`
}

func (a *App) handleCreateAgent(w http.ResponseWriter, r *http.Request, tenant, reqID string) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, reqID, troupe.KindInvalidRequest, "invalid JSON body")
		return
	}
	agent, err := a.newAgent(troupe.AgentConfig{
		ID:                req.ID,
		Tenant:            tenant,
		SystemPrompt:      req.SystemPrompt,
		Model:             req.Model,
		Capabilities:      req.Capabilities,
		MaxToolIterations: req.MaxToolIterations,
		RecordEpisodes:    req.RecordEpisodes,
	})
	if err != nil {
		a.writeErr(w, reqID, err)
		return
	}
	if err := a.manager.Register(agent); err != nil {
		a.writeErr(w, reqID, err)
		return
	}
	writeOK(w, reqID, map[string]string{"agent_id": agent.ID()})
}

type submitTaskRequest struct {
	Type     string         `json:"type"`
	Params   map[string]any `json:"params"`
	Priority int            `json:"priority,omitempty"`
}

type taskResponse struct {
	TaskID   string            `json:"task_id"`
	Status   troupe.TaskStatus `json:"status"`
	Text     string            `json:"text,omitempty"`
	Usage    troupe.TokenUsage `json:"usage"`
	Error    string            `json:"error,omitempty"`
	Duration string            `json:"duration"`
}

func (a *App) handleSubmitTask(w http.ResponseWriter, r *http.Request, tenant, reqID string) {
	agent, err := a.manager.Get(r.PathValue("id"))
	if err != nil {
		a.writeErr(w, reqID, err)
		return
	}
	if agent.Tenant() != tenant {
		writeError(w, http.StatusUnauthorized, reqID, troupe.KindTenantMismatch, "agent belongs to a different tenant")
		return
	}

	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, reqID, troupe.KindInvalidRequest, "invalid JSON body")
		return
	}

	res := agent.Execute(r.Context(), troupe.Task{
		ID:       troupe.NewID(),
		Type:     req.Type,
		Params:   req.Params,
		Priority: req.Priority,
		Tenant:   tenant,
	})

	out := taskResponse{
		TaskID:   res.TaskID,
		Status:   res.Status,
		Text:     res.Text,
		Usage:    res.Usage,
		Duration: res.Duration.String(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	if res.Status != troupe.TaskCompleted && res.Err != nil {
		// Task failures still return the result envelope with the
		// mapped status code so clients see partial accounting.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(troupe.KindOf(res.Err)))
		_ = json.NewEncoder(w).Encode(envelope{Status: "error", Data: out, Error: res.Err.Error(), ErrorKind: string(troupe.KindOf(res.Err)), RequestID: reqID})
		return
	}
	writeOK(w, reqID, out)
}

func (a *App) handleRunWorkflow(w http.ResponseWriter, r *http.Request, tenant, reqID string) {
	id := r.PathValue("id")
	a.mu.RLock()
	wf, ok := a.workflows[id]
	a.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, reqID, troupe.KindUnknownWorkflow, "unknown workflow "+id)
		return
	}
	if wf.Tenant != tenant {
		writeError(w, http.StatusUnauthorized, reqID, troupe.KindTenantMismatch, "workflow belongs to a different tenant")
		return
	}

	res, err := a.orchestrator.ExecuteWorkflow(r.Context(), wf)
	if err != nil {
		a.writeErr(w, reqID, err)
		return
	}
	writeOK(w, reqID, res)
}

func (a *App) handleGenerate(w http.ResponseWriter, r *http.Request, tenant, reqID string) {
	var req troupe.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, reqID, troupe.KindInvalidRequest, "invalid JSON body")
		return
	}
	// The header is authoritative; a mismatched body tenant is refused.
	if req.Tenant != "" && req.Tenant != tenant {
		writeError(w, http.StatusUnauthorized, reqID, troupe.KindTenantMismatch, "body tenant does not match X-Tenant-Id")
		return
	}
	req.Tenant = tenant

	resp, err := a.gateway.Generate(r.Context(), req)
	if err != nil {
		a.writeErr(w, reqID, err)
		return
	}
	writeOK(w, reqID, resp)
}

type healthResponse struct {
	Status    string              `json:"status"`
	Providers map[string]string   `json:"providers"`
	Waiters   map[string]int      `json:"rate_limit_waiters,omitempty"`
	Agents    []string            `json:"agents"`
	Dedupe    troupe.DeduperStats `json:"dedupe"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := troupe.NewID()
	states := a.gateway.Breakers().States()
	providers := make(map[string]string, len(states))
	status := "ok"
	for name, st := range states {
		providers[name] = st.String()
		if st == troupe.BreakerOpen {
			status = "degraded"
		}
	}
	writeOK(w, reqID, healthResponse{
		Status:    status,
		Providers: providers,
		Waiters:   a.gateway.Limiter().Snapshot(),
		Agents:    a.manager.Agents(),
		Dedupe:    a.gateway.DedupeStats(),
	})
}
