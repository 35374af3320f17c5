package troupe

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// FailurePolicy decides what happens to the rest of a workflow when a
// step fails after its retries.
type FailurePolicy string

const (
	// FailFast cancels all in-flight steps and skips everything
	// downstream. The default.
	FailFast FailurePolicy = "fail_fast"
	// ContinueIndependent skips only the failed step's descendants;
	// independent branches run to completion.
	ContinueIndependent FailurePolicy = "continue_independent"
)

// OrchestratorConfig tunes workflow execution.
type OrchestratorConfig struct {
	// DefaultRetry applies to steps with RetryCount unset (zero keeps
	// zero; this is the workflow-wide default only when negative values
	// are normalized away).
	DefaultRetry int
	// DefaultTimeout bounds one step attempt when the step has none.
	DefaultTimeout time.Duration
	// MaxParallelSteps bounds concurrent step dispatch. Ready steps over
	// the bound wait, lowest step id first.
	MaxParallelSteps int
	// FailurePolicy is the default policy; a run can override it.
	FailurePolicy FailurePolicy
	// Backoff is the delay before a step retry.
	Backoff RetryPolicy
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.MaxParallelSteps <= 0 {
		c.MaxParallelSteps = 5
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailFast
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = 500 * time.Millisecond
	}
	return c
}

// Orchestrator runs DAG workflows over agents held by a Manager.
// Workflow state lives only for the duration of a run; callers persist
// results through a WorkflowLog if they need durability.
type Orchestrator struct {
	cfg     OrchestratorConfig
	manager *Manager
	clock    Clock
	logger   *slog.Logger
	tracer   Tracer
	log      WorkflowLog
	onFinish func(res WorkflowResult)
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// OrchestratorLogger sets the structured logger.
func OrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// OrchestratorTracer enables a span per workflow and per step.
func OrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// OrchestratorClock overrides the clock, for tests.
func OrchestratorClock(c Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = c }
}

// OrchestratorLog appends every finished run to a persistent log.
func OrchestratorLog(wl WorkflowLog) OrchestratorOption {
	return func(o *Orchestrator) { o.log = wl }
}

// OrchestratorOnFinish registers a callback invoked once per finished
// run with its result, for metrics.
func OrchestratorOnFinish(fn func(res WorkflowResult)) OrchestratorOption {
	return func(o *Orchestrator) { o.onFinish = fn }
}

// NewOrchestrator creates an orchestrator over a manager's agents.
func NewOrchestrator(manager *Manager, cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg.withDefaults(),
		manager: manager,
		clock:   NewClock(),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecuteWorkflow validates and runs a workflow to completion. Every
// step ends terminal; a cancelled ctx cancels in-flight steps and marks
// the rest Cancelled.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, wf Workflow) (*WorkflowResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if wf.ID == "" {
		wf.ID = NewID()
	}

	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.workflow",
			StringAttr("workflow", wf.ID), TenantAttr(wf.Tenant), IntAttr("steps", len(wf.Steps)))
		defer span.End()
	}

	run := newWorkflowRun(o, wf)
	res := run.execute(ctx)

	if o.onFinish != nil {
		o.onFinish(*res)
	}
	if o.log != nil {
		if err := o.log.Append(ctx, wf, *res); err != nil {
			o.logger.Warn("workflow log append failed", "workflow", wf.ID, "error", err)
		}
	}
	return res, nil
}

// workflowRun is the per-execution state of one workflow.
type workflowRun struct {
	o    *Orchestrator
	wf   Workflow
	byID map[string]*WorkflowStep
	succ map[string][]string

	mu      sync.Mutex
	results map[string]StepResult
	indeg   map[string]int
	ready   []string
	running map[string]context.CancelFunc
}

func newWorkflowRun(o *Orchestrator, wf Workflow) *workflowRun {
	r := &workflowRun{
		o:       o,
		wf:      wf,
		byID:    make(map[string]*WorkflowStep, len(wf.Steps)),
		succ:    wf.successors(),
		results: make(map[string]StepResult, len(wf.Steps)),
		indeg:   make(map[string]int, len(wf.Steps)),
		running: make(map[string]context.CancelFunc),
	}
	for i := range wf.Steps {
		s := &wf.Steps[i]
		r.byID[s.ID] = s
		r.indeg[s.ID] = len(s.DependsOn)
		r.results[s.ID] = StepResult{StepID: s.ID, Status: StepPending}
		if len(s.DependsOn) == 0 {
			r.ready = append(r.ready, s.ID)
		}
	}
	sort.Strings(r.ready)
	return r
}

type stepDone struct {
	id  string
	res StepResult
}

func (r *workflowRun) execute(ctx context.Context) *WorkflowResult {
	start := r.o.clock.Now()
	done := make(chan stepDone)
	failFast := r.o.cfg.FailurePolicy == FailFast

	var failedStep string
	terminal := 0
	aborted := false
	ctxDone := ctx.Done()

	for terminal < len(r.wf.Steps) {
		if !aborted {
			r.dispatchReady(ctx, done)
		}

		r.mu.Lock()
		inflight := len(r.running)
		pendingReady := len(r.ready)
		r.mu.Unlock()
		if inflight == 0 {
			if aborted || pendingReady == 0 {
				// Nothing can run anymore; mark the remainder.
				terminal += r.finishRemaining(aborted)
				break
			}
			continue
		}

		select {
		case <-ctxDone:
			aborted = true
			// Disarm so the loop blocks on done while in-flight steps
			// wind down instead of spinning on the closed channel.
			ctxDone = nil
			r.cancelInflight()
			continue
		case d := <-done:
			r.mu.Lock()
			delete(r.running, d.id)
			r.results[d.id] = d.res
			r.mu.Unlock()
			terminal++

			switch d.res.Status {
			case StepSuccess, StepSkipped:
				r.releaseSuccessors(d.id)
			case StepFailed:
				if failedStep == "" {
					failedStep = d.id
				}
				if failFast {
					aborted = true
					r.cancelInflight()
				} else {
					r.skipDescendants(d.id)
				}
			case StepCancelled:
				// Descendants can never run.
				r.skipDescendants(d.id)
			}
		}
	}

	return r.aggregate(ctx, start, failedStep)
}

// dispatchReady launches ready steps up to the parallelism bound,
// lowest step id first.
func (r *workflowRun) dispatchReady(ctx context.Context, done chan<- stepDone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.ready) > 0 && len(r.running) < r.o.cfg.MaxParallelSteps {
		id := r.ready[0]
		r.ready = r.ready[1:]
		step := r.byID[id]

		if step.Condition != nil && !step.Condition(r.resultsCopyLocked()) {
			// Report the skip through the same completion channel so the
			// scheduler releases successors uniformly.
			r.running[id] = func() {}
			go func(id string) { done <- stepDone{id, StepResult{StepID: id, Status: StepSkipped}} }(id)
			continue
		}

		stepCtx, cancel := context.WithCancel(ctx)
		r.running[id] = cancel
		r.results[id] = StepResult{StepID: id, Status: StepRunning}
		go func(step *WorkflowStep) {
			res := r.runStep(stepCtx, step)
			cancel()
			done <- stepDone{step.ID, res}
		}(step)
	}
}

func (r *workflowRun) resultsCopyLocked() map[string]StepResult {
	out := make(map[string]StepResult, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

// runStep executes one step with per-attempt timeout and retry.
func (r *workflowRun) runStep(ctx context.Context, step *WorkflowStep) StepResult {
	res := StepResult{StepID: step.ID}

	agent, err := r.o.manager.Get(step.AgentID)
	if err != nil {
		res.Status = StepFailed
		res.Err = err
		return res
	}

	params := make(map[string]any, len(step.Params)+1)
	for k, v := range step.Params {
		params[k] = v
	}
	if step.InputFrom != "" {
		r.mu.Lock()
		input := r.results[step.InputFrom].Output
		r.mu.Unlock()
		if step.Transform != nil {
			input = step.Transform(input)
		}
		params["input"] = input
		if _, ok := params["prompt"]; !ok {
			params["prompt"] = input
		}
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.o.cfg.DefaultTimeout
	}
	attempts := 1 + step.RetryCount
	if step.RetryCount == 0 && r.o.cfg.DefaultRetry > 0 {
		attempts = 1 + r.o.cfg.DefaultRetry
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			if err := r.o.cfg.Backoff.Sleep(ctx, attempt-2); err != nil {
				res.Status = StepCancelled
				res.Err = &Error{Kind: KindCancelled, Component: "orchestrator", Message: "cancelled between retries", Err: err}
				return res
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		task := Task{
			ID:        NewID(),
			Type:      step.TaskType,
			Params:    params,
			Tenant:    r.wf.Tenant,
			CreatedAt: r.o.clock.Now(),
		}
		out := agent.Execute(attemptCtx, task)
		cancel()

		res.Usage.Add(out.Usage)
		switch out.Status {
		case TaskCompleted:
			res.Status = StepSuccess
			res.Output = out.Text
			res.Err = nil
			return res
		case TaskCancelled:
			if ctx.Err() != nil {
				res.Status = StepCancelled
				res.Err = out.Err
				return res
			}
			// The attempt timed out; treat as a failed attempt.
			res.Err = &Error{Kind: KindTimeout, Component: "orchestrator", Message: "step " + step.ID + " attempt timed out", Err: out.Err}
		default:
			res.Err = out.Err
		}
		r.o.logger.Warn("step attempt failed",
			"workflow", r.wf.ID, "step", step.ID, "attempt", attempt, "error", res.Err)
	}
	res.Status = StepFailed
	return res
}

// releaseSuccessors decrements successor in-degrees and queues any that
// reach zero, keeping the ready list sorted.
func (r *workflowRun) releaseSuccessors(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, nxt := range r.succ[id] {
		if r.results[nxt].Status != StepPending {
			continue
		}
		r.indeg[nxt]--
		if r.indeg[nxt] == 0 {
			r.ready = append(r.ready, nxt)
		}
	}
	sort.Strings(r.ready)
}

// skipDescendants marks every transitive successor of id Skipped, but
// only counts the ones not yet terminal.
func (r *workflowRun) skipDescendants(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := append([]string(nil), r.succ[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if st := r.results[n].Status; st == StepPending {
			r.results[n] = StepResult{StepID: n, Status: StepSkipped}
			r.removeReadyLocked(n)
			stack = append(stack, r.succ[n]...)
		}
	}
}

func (r *workflowRun) removeReadyLocked(id string) {
	for i, rid := range r.ready {
		if rid == id {
			r.ready = append(r.ready[:i], r.ready[i+1:]...)
			return
		}
	}
}

func (r *workflowRun) cancelInflight() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.running {
		cancel()
	}
}

// finishRemaining marks every non-terminal step and returns how many it
// closed. After an abort they are Cancelled; otherwise unreachable steps
// are Skipped.
func (r *workflowRun) finishRemaining(aborted bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, sr := range r.results {
		if sr.Status.terminal() {
			continue
		}
		status := StepSkipped
		if aborted {
			status = StepCancelled
		}
		r.results[id] = StepResult{StepID: id, Status: status, Attempts: sr.Attempts}
		n++
	}
	r.ready = nil
	return n
}

func (r *workflowRun) aggregate(ctx context.Context, start time.Time, failedStep string) *WorkflowResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &WorkflowResult{
		WorkflowID:  r.wf.ID,
		StepResults: r.results,
		FailedStep:  failedStep,
		Duration:    r.o.clock.Since(start),
	}
	for id, sr := range r.results {
		if sr.Status == StepSuccess {
			res.CompletedSteps = append(res.CompletedSteps, id)
		}
	}
	sort.Strings(res.CompletedSteps)

	switch {
	case failedStep != "":
		res.Status = WorkflowFailed
	case ctx.Err() != nil:
		res.Status = WorkflowCancelled
	default:
		res.Status = WorkflowCompleted
	}
	r.o.logger.Info("workflow finished",
		"workflow", r.wf.ID, "status", string(res.Status),
		"completed", len(res.CompletedSteps), "duration", res.Duration)
	return res
}
