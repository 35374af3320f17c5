package troupe

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// AgentStatus is the lifecycle state of an Agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentPaused  AgentStatus = "paused"
	// AgentError is terminal until Reset: it marks an internal invariant
	// breach, not a failed task.
	AgentError AgentStatus = "error"
)

// AgentConfig describes one agent.
type AgentConfig struct {
	ID           string
	Tenant       string
	SystemPrompt string
	Model        string
	Capabilities []Capability
	// MaxToolIterations bounds the tool loop. Default 10.
	MaxToolIterations int
	// PromptMaxTokens is the approximate token budget for the assembled
	// prompt. Default 4096.
	PromptMaxTokens int
	// MemoryRetrieveLimit is how many memories are pulled per task.
	// Default 5.
	MemoryRetrieveLimit int
	// RecordEpisodes writes an episodic memory after each completed task.
	RecordEpisodes bool
	// InboxSize bounds the message inbox; a full inbox drops the oldest.
	// Default 64.
	InboxSize int
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 10
	}
	if c.PromptMaxTokens <= 0 {
		c.PromptMaxTokens = 4096
	}
	if c.MemoryRetrieveLimit <= 0 {
		c.MemoryRetrieveLimit = 5
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	return c
}

// Agent executes tasks one at a time in priority order. It owns its
// memory exclusively; other components reach it only through its
// methods.
type Agent struct {
	cfg     AgentConfig
	gateway *Gateway
	memory  *BoundedMemory
	tools   *ToolRegistry
	runner  *ToolRunner
	clock   Clock
	logger  *slog.Logger
	tracer  Tracer

	onTask    func(agentID string, res Result)
	onToolRun func(name string, err error)

	mu     sync.Mutex
	status AgentStatus
	queue  taskQueue
	wake   chan struct{}
	inbox  *inbox
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// AgentMemory attaches a bounded memory store.
func AgentMemory(m *BoundedMemory) AgentOption {
	return func(a *Agent) { a.memory = m }
}

// AgentTools attaches a tool registry. Tool calling is enabled only
// when one is present.
func AgentTools(r *ToolRegistry) AgentOption {
	return func(a *Agent) { a.tools = r }
}

// AgentLogger sets the structured logger.
func AgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// AgentTracer enables a span per executed task.
func AgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// AgentClock overrides the clock, for tests.
func AgentClock(c Clock) AgentOption {
	return func(a *Agent) { a.clock = c }
}

// AgentOnTask registers a callback invoked once per executed task with
// its final result, for metrics.
func AgentOnTask(fn func(agentID string, res Result)) AgentOption {
	return func(a *Agent) { a.onTask = fn }
}

// AgentOnToolRun registers a callback invoked once per tool run by this
// agent's runner, for metrics.
func AgentOnToolRun(fn func(name string, err error)) AgentOption {
	return func(a *Agent) { a.onToolRun = fn }
}

// NewAgent creates an agent bound to a gateway.
func NewAgent(cfg AgentConfig, gateway *Gateway, opts ...AgentOption) (*Agent, error) {
	cfg = cfg.withDefaults()
	if cfg.ID == "" {
		cfg.ID = NewID()
	}
	if cfg.Tenant == "" {
		return nil, newError(KindInvalidRequest, "agent", "tenant is required")
	}
	if cfg.Model == "" {
		return nil, newError(KindInvalidRequest, "agent", "model is required")
	}
	if gateway == nil {
		return nil, newError(KindInvalidRequest, "agent", "gateway is required")
	}
	a := &Agent{
		cfg:     cfg,
		gateway: gateway,
		clock:   NewClock(),
		logger:  nopLogger,
		status:  AgentIdle,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.inbox = newInbox(cfg.InboxSize)
	if a.tools != nil {
		ropts := []ToolRunnerOption{ToolRunnerLogger(a.logger), ToolRunnerTracer(a.tracer)}
		if a.onToolRun != nil {
			ropts = append(ropts, ToolRunnerOnRun(a.onToolRun))
		}
		a.runner = NewToolRunner(a.tools, ropts...)
	}
	return a, nil
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.cfg.ID }

// Tenant returns the agent's isolation key.
func (a *Agent) Tenant() string { return a.cfg.Tenant }

// Capabilities returns what the agent advertises to the Manager.
func (a *Agent) Capabilities() []Capability { return a.cfg.Capabilities }

// Status returns the current lifecycle state.
func (a *Agent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Pause stops the queue worker from starting new tasks. The task in
// flight, if any, runs to completion.
func (a *Agent) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == AgentIdle {
		a.status = AgentPaused
	}
}

// Resume lifts a pause.
func (a *Agent) Resume() {
	a.mu.Lock()
	if a.status == AgentPaused {
		a.status = AgentIdle
	}
	a.mu.Unlock()
	a.signal()
}

// Reset clears a terminal Error state back to Idle.
func (a *Agent) Reset() {
	a.mu.Lock()
	if a.status == AgentError {
		a.status = AgentIdle
	}
	a.mu.Unlock()
	a.signal()
}

// Memory exposes the agent's store, or nil.
func (a *Agent) Memory() *BoundedMemory { return a.memory }

// Deliver places a message in the agent's inbox. A full inbox drops the
// oldest message and reports it.
func (a *Agent) Deliver(msg Message) (dropped *Message) {
	return a.inbox.push(msg)
}

// NextMessage pops the oldest inbox message, if any.
func (a *Agent) NextMessage() (Message, bool) {
	return a.inbox.pop()
}

// InboxLen returns the number of queued messages.
func (a *Agent) InboxLen() int { return a.inbox.len() }

// Execute runs one task synchronously on the caller's goroutine. The
// queue worker uses the same path; the two must not run concurrently
// for the same agent unless the caller accepts interleaved model turns.
func (a *Agent) Execute(ctx context.Context, task Task) Result {
	return a.ExecuteWithHistory(ctx, task, nil)
}

// ExecuteWithHistory runs one task with prior conversation turns
// appended to the prompt.
func (a *Agent) ExecuteWithHistory(ctx context.Context, task Task, history []ChatMessage) Result {
	start := a.clock.Now()
	res := Result{TaskID: task.ID, Status: TaskFailed}
	defer func() {
		if a.onTask != nil {
			a.onTask(a.cfg.ID, res)
		}
	}()

	if task.Tenant != a.cfg.Tenant {
		a.logger.Warn("tenant mismatch", "agent", a.cfg.ID, "task", task.ID, "got", task.Tenant)
		res.Err = &Error{Kind: KindTenantMismatch, Component: "agent", Tenant: task.Tenant, TaskID: task.ID,
			Message: "task tenant does not match agent " + a.cfg.ID}
		res.Duration = a.clock.Since(start)
		return res
	}

	a.mu.Lock()
	if a.status == AgentError {
		a.mu.Unlock()
		res.Err = newError(KindInvariantBroken, "agent", "agent %s is in error state", a.cfg.ID)
		res.Duration = a.clock.Since(start)
		return res
	}
	prev := a.status
	a.status = AgentRunning
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		// Execute never leaves the agent Running, whatever the exit path.
		if a.status == AgentRunning {
			if prev == AgentPaused {
				a.status = AgentPaused
			} else {
				a.status = AgentIdle
			}
		}
		a.mu.Unlock()
	}()

	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "agent.execute",
			StringAttr("agent", a.cfg.ID), StringAttr("task", task.ID),
			StringAttr("task_type", task.Type), TenantAttr(task.Tenant))
		defer span.End()
	}

	text, usage, err := a.run(ctx, task, history)
	res.Usage = usage
	res.Duration = a.clock.Since(start)
	if err != nil {
		res.Err = err
		if IsKind(err, KindCancelled) || ctx.Err() != nil {
			res.Status = TaskCancelled
			return res
		}
		a.logger.Warn("task failed", "agent", a.cfg.ID, "task", task.ID, "error", err)
		res.Status = TaskFailed
		return res
	}

	res.Status = TaskCompleted
	res.Text = text
	if a.cfg.RecordEpisodes && a.memory != nil {
		// Episodic writes are best-effort and never fail the task.
		_, storeErr := a.memory.Store(ctx, MemoryItem{
			Class:      MemoryEpisodic,
			Content:    text,
			Importance: 0.7,
			Metadata:   map[string]string{"task_id": task.ID, "task_type": task.Type},
		})
		if storeErr != nil {
			a.logger.Warn("episodic write failed", "agent", a.cfg.ID, "task", task.ID, "error", storeErr)
		}
	}
	return res
}

// run builds the prompt and drives the tool loop.
func (a *Agent) run(ctx context.Context, task Task, history []ChatMessage) (string, TokenUsage, error) {
	var usage TokenUsage

	messages, err := a.buildPrompt(ctx, task, history)
	if err != nil {
		return "", usage, err
	}

	var functions []ToolSchema
	if a.tools != nil {
		functions = a.tools.Schemas()
	}

	for iter := 0; ; iter++ {
		resp, err := a.gateway.Generate(ctx, GenerateRequest{
			Tenant:    a.cfg.Tenant,
			Model:     a.cfg.Model,
			Messages:  messages,
			Functions: functions,
		})
		if err != nil {
			return "", usage, err
		}
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 || a.runner == nil || iter+1 >= a.cfg.MaxToolIterations {
			return resp.Text, usage, nil
		}

		messages = append(messages, ChatMessage{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			messages = append(messages, a.runToolCall(ctx, task, tc))
			if ctx.Err() != nil {
				return "", usage, &Error{Kind: KindCancelled, Component: "agent", TaskID: task.ID, Message: "cancelled in tool loop", Err: ctx.Err()}
			}
		}
	}
}

// runToolCall invokes one tool and renders the outcome as a tool-role
// message. Tool failures are reported back to the model rather than
// aborting the task; the next turn may recover.
func (a *Agent) runToolCall(ctx context.Context, task Task, tc ToolCall) ChatMessage {
	out, err := a.runner.Run(ctx, tc.Name, tc.Args, ToolInvocation{Tenant: a.cfg.Tenant, TaskID: task.ID})
	if err != nil {
		a.logger.Warn("tool call failed", "agent", a.cfg.ID, "tool", tc.Name, "error", err)
		return ToolResultMessage(tc.ID, "error: "+err.Error())
	}
	rendered, merr := json.Marshal(out)
	if merr != nil {
		rendered = []byte(fmt.Sprintf("%v", out))
	}
	return ToolResultMessage(tc.ID, string(rendered))
}

// buildPrompt assembles system prompt, relevant memories, history, and
// the task prompt under the configured token budget. Memories are
// dropped least important first, then history oldest first.
func (a *Agent) buildPrompt(ctx context.Context, task Task, history []ChatMessage) ([]ChatMessage, error) {
	prompt := task.Prompt()
	if prompt == "" {
		return nil, newError(KindInvalidRequest, "agent", "task %s has no prompt parameter", task.ID)
	}

	var memories []MemoryItem
	if a.memory != nil {
		items, err := a.memory.Retrieve(ctx, prompt, "", a.cfg.MemoryRetrieveLimit)
		if err != nil {
			a.logger.Warn("memory retrieve failed", "agent", a.cfg.ID, "error", err)
		} else {
			memories = items
		}
	}

	budget := a.cfg.PromptMaxTokens
	spend := textTokens(a.cfg.SystemPrompt) + textTokens(prompt)

	// Least important memories go first when the budget forces drops.
	kept := memories[:0]
	for _, m := range memories {
		spend += textTokens(m.Content)
		kept = append(kept, m)
	}
	for spend > budget && len(kept) > 0 {
		drop := 0
		for i := 1; i < len(kept); i++ {
			if kept[i].Importance < kept[drop].Importance {
				drop = i
			}
		}
		spend -= textTokens(kept[drop].Content)
		kept = append(kept[:drop], kept[drop+1:]...)
	}

	keptHistory := history
	for _, h := range history {
		spend += textTokens(h.Content)
	}
	for spend > budget && len(keptHistory) > 0 {
		spend -= textTokens(keptHistory[0].Content)
		keptHistory = keptHistory[1:]
	}

	system := a.cfg.SystemPrompt
	if len(kept) > 0 {
		var sb strings.Builder
		sb.WriteString(system)
		sb.WriteString("\n\nRelevant context:\n")
		for _, m := range kept {
			sb.WriteString("- ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		system = sb.String()
	}

	messages := make([]ChatMessage, 0, len(keptHistory)+2)
	if system != "" {
		messages = append(messages, SystemMessage(system))
	}
	messages = append(messages, keptHistory...)
	messages = append(messages, UserMessage(prompt))
	return messages, nil
}

func textTokens(s string) int {
	n := len(s) / 4
	if n < 1 && len(s) > 0 {
		n = 1
	}
	return n
}

// --- Task queue ---

// Submit enqueues a task for the queue worker. The returned channel
// receives exactly one Result.
func (a *Agent) Submit(task Task) (<-chan Result, error) {
	if task.Tenant != a.cfg.Tenant {
		return nil, &Error{Kind: KindTenantMismatch, Component: "agent", Tenant: task.Tenant, TaskID: task.ID,
			Message: "task tenant does not match agent " + a.cfg.ID}
	}
	if task.ID == "" {
		task.ID = NewID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = a.clock.Now()
	}
	ch := make(chan Result, 1)
	a.mu.Lock()
	heap.Push(&a.queue, &queuedTask{task: task, result: ch})
	a.mu.Unlock()
	a.signal()
	return ch, nil
}

// QueueLen returns the number of tasks waiting.
func (a *Agent) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.Len()
}

// Run drains the task queue until ctx ends, executing one task at a
// time in priority order. Tasks still queued at shutdown are reported
// Cancelled.
func (a *Agent) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.drainCancelled()
			return
		case <-a.wake:
		}
		for {
			a.mu.Lock()
			if a.status == AgentPaused || a.status == AgentError || a.queue.Len() == 0 {
				a.mu.Unlock()
				break
			}
			qt := heap.Pop(&a.queue).(*queuedTask)
			a.mu.Unlock()

			res := a.Execute(ctx, qt.task)
			qt.result <- res
			if ctx.Err() != nil {
				a.drainCancelled()
				return
			}
		}
	}
}

func (a *Agent) drainCancelled() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.queue.Len() > 0 {
		qt := heap.Pop(&a.queue).(*queuedTask)
		qt.result <- Result{TaskID: qt.task.ID, Status: TaskCancelled,
			Err: &Error{Kind: KindCancelled, Component: "agent", TaskID: qt.task.ID, Message: "agent shut down before execution"}}
	}
}

func (a *Agent) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

type queuedTask struct {
	task   Task
	result chan Result
}

// taskQueue is a max-heap: higher priority first, ties broken by
// earlier CreatedAt.
type taskQueue []*queuedTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].task.CreatedAt.Before(q[j].task.CreatedAt)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*queuedTask)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// --- Inbox ---

// inbox is a bounded FIFO of messages with drop-oldest overflow.
type inbox struct {
	mu   sync.Mutex
	msgs []Message
	cap  int
}

func newInbox(capacity int) *inbox {
	return &inbox{cap: capacity}
}

func (b *inbox) push(msg Message) (dropped *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) >= b.cap {
		d := b.msgs[0]
		b.msgs = b.msgs[1:]
		dropped = &d
	}
	b.msgs = append(b.msgs, msg)
	return dropped
}

func (b *inbox) pop() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return Message{}, false
	}
	m := b.msgs[0]
	b.msgs = b.msgs[1:]
	return m, true
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}
