package troupe

import (
	"context"
	"testing"
	"time"
)

// addAgent registers an agent with its own provider so tests can script
// failures per agent.
func addAgent(t *testing.T, m *Manager, id string, p ModelProvider) {
	t.Helper()
	a, err := NewAgent(AgentConfig{ID: id, Tenant: "t1", Model: "m-fast"}, newTestGateway(p))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Register(a); err != nil {
		t.Fatal(err)
	}
}

func newTestOrchestrator(m *Manager, cfg OrchestratorConfig) *Orchestrator {
	cfg.Backoff = RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	return NewOrchestrator(m, cfg)
}

func TestOrchestrator_LinearWorkflow(t *testing.T) {
	m := NewManager()
	addAgent(t, m, "a", &stubProvider{results: []stubResult{{resp: textResp("out-a")}}})
	addAgent(t, m, "b", &stubProvider{results: []stubResult{{resp: textResp("out-b")}}})
	o := newTestOrchestrator(m, OrchestratorConfig{})

	wf := Workflow{ID: "wf", Tenant: "t1", Steps: []WorkflowStep{
		step("s1", "a"),
		{ID: "s2", AgentID: "b", TaskType: "ask", DependsOn: []string{"s1"}, InputFrom: "s1"},
	}}
	res, err := o.ExecuteWorkflow(context.Background(), wf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != WorkflowCompleted {
		t.Fatalf("status %v, want completed", res.Status)
	}
	if len(res.CompletedSteps) != 2 {
		t.Fatalf("completed %v, want both steps", res.CompletedSteps)
	}
	if res.StepResults["s1"].Output != "out-a" || res.StepResults["s2"].Output != "out-b" {
		t.Fatalf("outputs %+v", res.StepResults)
	}
}

func TestOrchestrator_InputFromFeedsPrompt(t *testing.T) {
	m := NewManager()
	addAgent(t, m, "a", &stubProvider{results: []stubResult{{resp: textResp("draft text")}}})
	pb := &recordingProvider{stubProvider: stubProvider{results: []stubResult{{resp: textResp("review ok")}}}}
	addAgent(t, m, "b", pb)
	o := newTestOrchestrator(m, OrchestratorConfig{})

	wf := Workflow{ID: "wf", Tenant: "t1", Steps: []WorkflowStep{
		{ID: "draft", AgentID: "a", TaskType: "ask", Params: map[string]any{"prompt": "write it"}},
		{ID: "review", AgentID: "b", TaskType: "ask", DependsOn: []string{"draft"}, InputFrom: "draft",
			Transform: func(s string) string { return "review this: " + s }},
	}}
	res, err := o.ExecuteWorkflow(context.Background(), wf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != WorkflowCompleted {
		t.Fatalf("status %v (results %+v)", res.Status, res.StepResults)
	}
	if len(pb.prompts) != 1 || pb.prompts[0] != "review this: draft text" {
		t.Fatalf("review prompt %v, want transformed draft output", pb.prompts)
	}
}

// A failing middle step exhausts its retries, the workflow fails fast,
// and the downstream step never runs.
func TestOrchestrator_FailFastWithRetries(t *testing.T) {
	m := NewManager()
	addAgent(t, m, "a", &stubProvider{results: []stubResult{{resp: textResp("ok")}}})
	pb := &stubProvider{results: []stubResult{{err: &HTTPError{Status: 400, Body: "rejected"}}}}
	addAgent(t, m, "b", pb)
	addAgent(t, m, "c", &stubProvider{})
	o := newTestOrchestrator(m, OrchestratorConfig{FailurePolicy: FailFast})

	wf := Workflow{ID: "wf", Tenant: "t1", Steps: []WorkflowStep{
		step("s1", "a"),
		{ID: "s2", AgentID: "b", TaskType: "ask", Params: map[string]any{"prompt": "will fail"},
			DependsOn: []string{"s1"}, RetryCount: 2},
		step("s3", "c", "s2"),
	}}
	res, err := o.ExecuteWorkflow(context.Background(), wf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != WorkflowFailed {
		t.Fatalf("status %v, want failed", res.Status)
	}
	if res.FailedStep != "s2" {
		t.Fatalf("failed step %q, want s2", res.FailedStep)
	}
	if got := res.StepResults["s2"].Attempts; got != 3 {
		t.Fatalf("attempts %d, want 3 (1 + 2 retries)", got)
	}
	if st := res.StepResults["s3"].Status; st != StepCancelled {
		t.Fatalf("s3 status %v, want cancelled", st)
	}
	if st := res.StepResults["s1"].Status; st != StepSuccess {
		t.Fatalf("s1 status %v, want success", st)
	}
}

// Under ContinueIndependent only the failed step's descendants are
// skipped; the independent branch completes.
func TestOrchestrator_ContinueIndependent(t *testing.T) {
	m := NewManager()
	addAgent(t, m, "a", &stubProvider{results: []stubResult{{err: &HTTPError{Status: 400, Body: "no"}}}})
	addAgent(t, m, "b", &stubProvider{})
	addAgent(t, m, "c", &stubProvider{})
	o := newTestOrchestrator(m, OrchestratorConfig{FailurePolicy: ContinueIndependent})

	wf := Workflow{ID: "wf", Tenant: "t1", Steps: []WorkflowStep{
		step("fail", "a"),
		step("child", "b", "fail"),
		step("other", "c"),
	}}
	res, err := o.ExecuteWorkflow(context.Background(), wf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != WorkflowFailed {
		t.Fatalf("status %v, want failed", res.Status)
	}
	if st := res.StepResults["child"].Status; st != StepSkipped {
		t.Fatalf("child status %v, want skipped", st)
	}
	if st := res.StepResults["other"].Status; st != StepSuccess {
		t.Fatalf("other status %v, want success", st)
	}
}

func TestOrchestrator_ConditionSkip(t *testing.T) {
	m := NewManager()
	addAgent(t, m, "a", &stubProvider{results: []stubResult{{resp: textResp("no escalation needed")}}})
	pb := &stubProvider{}
	addAgent(t, m, "b", pb)
	addAgent(t, m, "c", &stubProvider{})
	o := newTestOrchestrator(m, OrchestratorConfig{})

	wf := Workflow{ID: "wf", Tenant: "t1", Steps: []WorkflowStep{
		step("triage", "a"),
		{ID: "escalate", AgentID: "b", TaskType: "ask", Params: map[string]any{"prompt": "escalate"},
			DependsOn: []string{"triage"},
			Condition: func(results map[string]StepResult) bool {
				return results["triage"].Output == "escalate now"
			}},
		step("close", "c", "escalate"),
	}}
	res, err := o.ExecuteWorkflow(context.Background(), wf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != WorkflowCompleted {
		t.Fatalf("status %v (results %+v)", res.Status, res.StepResults)
	}
	if st := res.StepResults["escalate"].Status; st != StepSkipped {
		t.Fatalf("escalate status %v, want skipped", st)
	}
	// A skipped step still releases its successors.
	if st := res.StepResults["close"].Status; st != StepSuccess {
		t.Fatalf("close status %v, want success", st)
	}
	if pb.Calls() != 0 {
		t.Fatal("skipped step must not reach its agent")
	}
}

func TestOrchestrator_StepTimeoutFailsAttempt(t *testing.T) {
	m := NewManager()
	addAgent(t, m, "slow", &stubProvider{results: []stubResult{{resp: textResp("late"), delay: time.Second}}})
	o := newTestOrchestrator(m, OrchestratorConfig{})

	wf := Workflow{ID: "wf", Tenant: "t1", Steps: []WorkflowStep{
		{ID: "s1", AgentID: "slow", TaskType: "ask", Params: map[string]any{"prompt": "hurry"},
			Timeout: 30 * time.Millisecond},
	}}
	res, err := o.ExecuteWorkflow(context.Background(), wf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != WorkflowFailed {
		t.Fatalf("status %v, want failed", res.Status)
	}
	sr := res.StepResults["s1"]
	if sr.Status != StepFailed || !IsKind(sr.Err, KindTimeout) {
		t.Fatalf("step status=%v err=%v, want failed with Timeout", sr.Status, sr.Err)
	}
}

func TestOrchestrator_ParentCancellation(t *testing.T) {
	m := NewManager()
	addAgent(t, m, "slow", &stubProvider{results: []stubResult{{resp: textResp("late"), delay: 5 * time.Second}}})
	o := newTestOrchestrator(m, OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	wf := Workflow{ID: "wf", Tenant: "t1", Steps: []WorkflowStep{
		step("s1", "slow"),
		step("s2", "slow", "s1"),
	}}
	start := time.Now()
	res, err := o.ExecuteWorkflow(ctx, wf)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("cancellation did not interrupt the running step")
	}
	if res.Status != WorkflowCancelled {
		t.Fatalf("status %v, want cancelled", res.Status)
	}
	if st := res.StepResults["s1"].Status; st != StepCancelled {
		t.Fatalf("s1 status %v, want cancelled", st)
	}
	// The dependent of a cancelled step can never run.
	if st := res.StepResults["s2"].Status; st != StepSkipped && st != StepCancelled {
		t.Fatalf("s2 status %v, want skipped or cancelled", st)
	}
}

// With parallelism 1, ready steps run lowest id first.
func TestOrchestrator_ReadyOrderLexicographic(t *testing.T) {
	p := &recordingProvider{}
	m := NewManager()
	g := newTestGateway(p)
	for _, id := range []string{"w1", "w2", "w3"} {
		a, err := NewAgent(AgentConfig{ID: id, Tenant: "t1", Model: "m-fast"}, g)
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	o := newTestOrchestrator(m, OrchestratorConfig{MaxParallelSteps: 1})

	wf := Workflow{ID: "wf", Tenant: "t1", Steps: []WorkflowStep{
		step("step-c", "w3"),
		step("step-a", "w1"),
		step("step-b", "w2"),
	}}
	res, err := o.ExecuteWorkflow(context.Background(), wf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != WorkflowCompleted {
		t.Fatalf("status %v", res.Status)
	}
	want := []string{"run step-a", "run step-b", "run step-c"}
	if len(p.prompts) != 3 {
		t.Fatalf("prompts %v, want 3", p.prompts)
	}
	for i := range want {
		if p.prompts[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", p.prompts, want)
		}
	}
}

func TestOrchestrator_InvalidWorkflowRejected(t *testing.T) {
	o := newTestOrchestrator(NewManager(), OrchestratorConfig{})
	_, err := o.ExecuteWorkflow(context.Background(), Workflow{ID: "wf", Tenant: "t1"})
	if !IsKind(err, KindWorkflowInvalid) {
		t.Fatalf("got %v, want WorkflowInvalid", err)
	}
}

func TestOrchestrator_UnknownAgentFailsStep(t *testing.T) {
	o := newTestOrchestrator(NewManager(), OrchestratorConfig{})
	res, err := o.ExecuteWorkflow(context.Background(), Workflow{ID: "wf", Tenant: "t1",
		Steps: []WorkflowStep{step("s1", "ghost")}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != WorkflowFailed {
		t.Fatalf("status %v, want failed", res.Status)
	}
	if !IsKind(res.StepResults["s1"].Err, KindUnknownAgent) {
		t.Fatalf("err %v, want UnknownAgent", res.StepResults["s1"].Err)
	}
}

func TestOrchestrator_FinishCallback(t *testing.T) {
	m := NewManager()
	addAgent(t, m, "a", &stubProvider{results: []stubResult{{resp: textResp("done")}}})
	var got []WorkflowResult
	o := NewOrchestrator(m, OrchestratorConfig{DefaultTimeout: 5 * time.Second},
		OrchestratorOnFinish(func(res WorkflowResult) { got = append(got, res) }))

	res, err := o.ExecuteWorkflow(context.Background(), Workflow{ID: "wf", Tenant: "t1",
		Steps: []WorkflowStep{step("s1", "a")}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("callback fired %d times, want once", len(got))
	}
	if got[0].WorkflowID != res.WorkflowID || got[0].Status != WorkflowCompleted {
		t.Fatalf("callback saw %+v, want the returned result", got[0])
	}
}

// lingeringProvider answers only after lag, ignoring cancellation, so an
// aborted run has a genuinely slow in-flight step to wait out.
type lingeringProvider struct {
	stubProvider
	lag time.Duration
}

func (p *lingeringProvider) Complete(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	time.Sleep(p.lag)
	return p.stubProvider.Complete(ctx, req)
}

// After cancellation the scheduler must sit on step completions, not
// respin, and still terminate every step.
func TestOrchestrator_AbortDrainsInflightSteps(t *testing.T) {
	m := NewManager()
	p := &lingeringProvider{
		stubProvider: stubProvider{results: []stubResult{{resp: textResp("late")}}},
		lag:          300 * time.Millisecond,
	}
	addAgent(t, m, "slow", p)
	o := newTestOrchestrator(m, OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res, err := o.ExecuteWorkflow(ctx, Workflow{ID: "wf", Tenant: "t1", Steps: []WorkflowStep{
		step("s1", "slow"),
		step("s2", "slow", "s1"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("aborted run did not terminate promptly")
	}
	if res.Status != WorkflowCancelled {
		t.Fatalf("status %v, want cancelled", res.Status)
	}
	for id, sr := range res.StepResults {
		if !sr.Status.terminal() {
			t.Fatalf("step %s left non-terminal: %v", id, sr.Status)
		}
	}
}
