package troupe

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestAgent(t *testing.T, p ModelProvider, cfg AgentConfig, opts ...AgentOption) *Agent {
	t.Helper()
	if cfg.Tenant == "" {
		cfg.Tenant = "t1"
	}
	if cfg.Model == "" {
		cfg.Model = "m-fast"
	}
	a, err := NewAgent(cfg, newTestGateway(p), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewAgent_Validation(t *testing.T) {
	g := newTestGateway(&stubProvider{})
	if _, err := NewAgent(AgentConfig{Model: "m"}, g); !IsKind(err, KindInvalidRequest) {
		t.Fatalf("missing tenant: got %v", err)
	}
	if _, err := NewAgent(AgentConfig{Tenant: "t1"}, g); !IsKind(err, KindInvalidRequest) {
		t.Fatalf("missing model: got %v", err)
	}
	if _, err := NewAgent(AgentConfig{Tenant: "t1", Model: "m"}, nil); !IsKind(err, KindInvalidRequest) {
		t.Fatalf("nil gateway: got %v", err)
	}
}

// A plain question task goes through one model call and comes back
// completed with the model's text.
func TestAgent_ExecuteSimpleTask(t *testing.T) {
	p := &stubProvider{results: []stubResult{{resp: textResp("4")}}}
	a := newTestAgent(t, p, AgentConfig{ID: "a1"})

	res := a.Execute(context.Background(), askTask("t1", "what is 2+2?"))
	if res.Status != TaskCompleted {
		t.Fatalf("status %v (err=%v), want completed", res.Status, res.Err)
	}
	if res.Text != "4" {
		t.Fatalf("text %q, want 4", res.Text)
	}
	if res.Usage.Total == 0 {
		t.Fatal("usage not accumulated")
	}
	if p.Calls() != 1 {
		t.Fatalf("provider called %d times, want 1", p.Calls())
	}
	if st := a.Status(); st != AgentIdle {
		t.Fatalf("status %v, want idle after execution", st)
	}
}

// The model asks for a tool, the agent runs it, and the second turn
// produces the final answer.
func TestAgent_ToolLoop(t *testing.T) {
	p := &stubProvider{results: []stubResult{
		{resp: toolCallResp("c1", "add", `{"a": 3, "b": 5}`)},
		{resp: textResp("the sum is 8")},
	}}
	reg, err := NewToolRegistry(addTool(nil))
	if err != nil {
		t.Fatal(err)
	}
	a := newTestAgent(t, p, AgentConfig{ID: "a1"}, AgentTools(reg))

	res := a.Execute(context.Background(), askTask("t1", "add 3 and 5"))
	if res.Status != TaskCompleted {
		t.Fatalf("status %v (err=%v), want completed", res.Status, res.Err)
	}
	if res.Text != "the sum is 8" {
		t.Fatalf("text %q", res.Text)
	}
	if p.Calls() != 2 {
		t.Fatalf("provider called %d times, want 2", p.Calls())
	}
	// The tool result turn carries the invocation output.
	if len(p.lastReq.Messages) == 0 {
		t.Fatal("no messages recorded")
	}
	var sawToolResult bool
	for _, m := range p.lastReq.Messages {
		if m.Role == "tool" && m.ToolCallID == "c1" && m.Content == "8" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Fatalf("tool result turn missing from second request: %+v", p.lastReq.Messages)
	}
}

// A failing tool is reported to the model, which may recover.
func TestAgent_ToolFailureReportedToModel(t *testing.T) {
	p := &stubProvider{results: []stubResult{
		{resp: toolCallResp("c1", "missing_tool", `{}`)},
		{resp: textResp("could not use the tool")},
	}}
	reg, _ := NewToolRegistry(addTool(nil))
	a := newTestAgent(t, p, AgentConfig{ID: "a1"}, AgentTools(reg))

	res := a.Execute(context.Background(), askTask("t1", "do something"))
	if res.Status != TaskCompleted {
		t.Fatalf("status %v (err=%v), want completed despite tool failure", res.Status, res.Err)
	}
	var sawError bool
	for _, m := range p.lastReq.Messages {
		if m.Role == "tool" && strings.HasPrefix(m.Content, "error:") {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("tool error not rendered back to the model")
	}
}

func TestAgent_ToolIterationBound(t *testing.T) {
	// The model asks for the tool forever; the loop must terminate.
	p := &stubProvider{results: []stubResult{{resp: toolCallResp("c", "add", `{"a":1,"b":1}`)}}}
	reg, _ := NewToolRegistry(addTool(nil))
	a := newTestAgent(t, p, AgentConfig{ID: "a1", MaxToolIterations: 3}, AgentTools(reg))

	res := a.Execute(context.Background(), askTask("t1", "loop"))
	if res.Status != TaskCompleted {
		t.Fatalf("status %v (err=%v)", res.Status, res.Err)
	}
	if p.Calls() != 3 {
		t.Fatalf("provider called %d times, want 3 (iteration bound)", p.Calls())
	}
}

func TestAgent_TenantMismatch(t *testing.T) {
	p := &stubProvider{}
	a := newTestAgent(t, p, AgentConfig{ID: "a1"})

	res := a.Execute(context.Background(), askTask("t2", "hello"))
	if res.Status != TaskFailed {
		t.Fatalf("status %v, want failed", res.Status)
	}
	if !IsKind(res.Err, KindTenantMismatch) {
		t.Fatalf("err %v, want TenantMismatch", res.Err)
	}
	if p.Calls() != 0 {
		t.Fatal("provider must not be reached on tenant mismatch")
	}
}

func TestAgent_MissingPromptFails(t *testing.T) {
	a := newTestAgent(t, &stubProvider{}, AgentConfig{ID: "a1"})
	res := a.Execute(context.Background(), Task{ID: "x", Type: "ask", Tenant: "t1"})
	if res.Status != TaskFailed || !IsKind(res.Err, KindInvalidRequest) {
		t.Fatalf("status=%v err=%v, want failed InvalidRequest", res.Status, res.Err)
	}
}

func TestAgent_NeverLeftRunning(t *testing.T) {
	p := &stubProvider{results: []stubResult{{err: &HTTPError{Status: 500, Body: "down"}}}}
	a := newTestAgent(t, p, AgentConfig{ID: "a1"})

	res := a.Execute(context.Background(), askTask("t1", "hello"))
	if res.Status != TaskFailed {
		t.Fatalf("status %v, want failed", res.Status)
	}
	if st := a.Status(); st != AgentIdle {
		t.Fatalf("status %v, want idle after failure", st)
	}
}

func TestAgent_CancelledTaskSkipsEpisodicWrite(t *testing.T) {
	p := &stubProvider{results: []stubResult{{resp: textResp("late"), delay: time.Second}}}
	mem := NewBoundedMemory(MemoryConfig{})
	a := newTestAgent(t, p, AgentConfig{ID: "a1", RecordEpisodes: true}, AgentMemory(mem))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := a.Execute(ctx, askTask("t1", "slow question"))
	if res.Status != TaskCancelled {
		t.Fatalf("status %v (err=%v), want cancelled", res.Status, res.Err)
	}
	if n := mem.Count(MemoryEpisodic); n != 0 {
		t.Fatalf("episodic count %d, want 0 after cancellation", n)
	}
	if st := a.Status(); st != AgentIdle {
		t.Fatalf("status %v, want idle", st)
	}
}

func TestAgent_CompletedTaskRecordsEpisode(t *testing.T) {
	p := &stubProvider{results: []stubResult{{resp: textResp("done")}}}
	mem := NewBoundedMemory(MemoryConfig{})
	a := newTestAgent(t, p, AgentConfig{ID: "a1", RecordEpisodes: true}, AgentMemory(mem))

	task := askTask("t1", "remember this")
	res := a.Execute(context.Background(), task)
	if res.Status != TaskCompleted {
		t.Fatalf("status %v (err=%v)", res.Status, res.Err)
	}
	items, err := mem.Retrieve(context.Background(), "", MemoryEpisodic, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d episodic items, want 1", len(items))
	}
	it := items[0]
	if it.Importance != 0.7 {
		t.Fatalf("importance %v, want 0.7", it.Importance)
	}
	if it.Metadata["task_id"] != task.ID || it.Metadata["task_type"] != "ask" {
		t.Fatalf("metadata %v", it.Metadata)
	}
}

func TestAgent_MemoryContextInPrompt(t *testing.T) {
	p := &stubProvider{results: []stubResult{{resp: textResp("ok")}}}
	mem := NewBoundedMemory(MemoryConfig{})
	mem.Store(context.Background(), MemoryItem{
		Class: MemoryLong, Content: "the database password rotates monthly", Importance: 0.9,
	})
	a := newTestAgent(t, p, AgentConfig{ID: "a1", SystemPrompt: "You are helpful."}, AgentMemory(mem))

	res := a.Execute(context.Background(), askTask("t1", "when does the database password rotate?"))
	if res.Status != TaskCompleted {
		t.Fatalf("status %v (err=%v)", res.Status, res.Err)
	}
	sys := p.lastReq.Messages[0]
	if sys.Role != "system" || !strings.Contains(sys.Content, "Relevant context:") ||
		!strings.Contains(sys.Content, "rotates monthly") {
		t.Fatalf("system message missing retrieved context: %q", sys.Content)
	}
}

// recordingProvider captures the final user prompt of every request, in
// call order.
type recordingProvider struct {
	stubProvider
	pmu     sync.Mutex
	prompts []string
}

func (r *recordingProvider) Complete(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	r.pmu.Lock()
	if n := len(req.Messages); n > 0 {
		r.prompts = append(r.prompts, req.Messages[n-1].Content)
	}
	r.pmu.Unlock()
	return r.stubProvider.Complete(ctx, req)
}

func TestAgent_QueueRunsPriorityOrder(t *testing.T) {
	p := &recordingProvider{}
	a := newTestAgent(t, p, AgentConfig{ID: "a1"})

	// Pause so submissions queue up before the worker starts draining.
	a.Pause()
	base := time.Now()
	mkTask := func(id string, prio int, offset time.Duration) Task {
		return Task{ID: id, Type: "ask", Priority: prio, Tenant: "t1",
			Params: map[string]any{"prompt": id}, CreatedAt: base.Add(offset)}
	}
	ch1, _ := a.Submit(mkTask("low", 1, 0))
	ch2, _ := a.Submit(mkTask("high", 9, time.Millisecond))
	ch3, _ := a.Submit(mkTask("mid-early", 5, 0))
	ch4, _ := a.Submit(mkTask("mid-late", 5, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	a.Resume()

	for _, ch := range []<-chan Result{ch1, ch2, ch3, ch4} {
		select {
		case res := <-ch:
			if res.Status != TaskCompleted {
				t.Fatalf("task %s: status %v (err=%v)", res.TaskID, res.Status, res.Err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("task never finished")
		}
	}

	want := []string{"high", "mid-early", "mid-late", "low"}
	p.pmu.Lock()
	got := append([]string(nil), p.prompts...)
	p.pmu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("prompts %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order %v, want %v", got, want)
		}
	}
}

func TestAgent_SubmitTenantMismatch(t *testing.T) {
	a := newTestAgent(t, &stubProvider{}, AgentConfig{ID: "a1"})
	if _, err := a.Submit(askTask("other", "x")); !IsKind(err, KindTenantMismatch) {
		t.Fatalf("got %v, want TenantMismatch", err)
	}
}

func TestAgent_ShutdownCancelsQueued(t *testing.T) {
	a := newTestAgent(t, &stubProvider{}, AgentConfig{ID: "a1"})
	a.Pause()
	ch, err := a.Submit(askTask("t1", "never runs"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)

	select {
	case res := <-ch:
		if res.Status != TaskCancelled || !IsKind(res.Err, KindCancelled) {
			t.Fatalf("status=%v err=%v, want cancelled", res.Status, res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued task result never delivered")
	}
}

func TestAgent_InboxDropsOldest(t *testing.T) {
	a := newTestAgent(t, &stubProvider{}, AgentConfig{ID: "a1", InboxSize: 2})

	body := func(s string) json.RawMessage { return json.RawMessage(`"` + s + `"`) }
	if d := a.Deliver(Message{From: "x", To: "a1", Kind: "note", Body: body("one")}); d != nil {
		t.Fatal("unexpected drop")
	}
	a.Deliver(Message{From: "x", To: "a1", Kind: "note", Body: body("two")})
	dropped := a.Deliver(Message{From: "x", To: "a1", Kind: "note", Body: body("three")})
	if dropped == nil || string(dropped.Body) != `"one"` {
		t.Fatalf("dropped %v, want oldest message", dropped)
	}
	if a.InboxLen() != 2 {
		t.Fatalf("inbox len %d, want 2", a.InboxLen())
	}
	msg, ok := a.NextMessage()
	if !ok || string(msg.Body) != `"two"` {
		t.Fatalf("next message %v, want two", msg)
	}
}

func TestAgent_ExecuteWithHistory(t *testing.T) {
	p := &stubProvider{results: []stubResult{{resp: textResp("blue")}}}
	a := newTestAgent(t, p, AgentConfig{ID: "a1"})

	history := []ChatMessage{
		UserMessage("my favorite color is blue"),
		AssistantMessage("noted"),
	}
	res := a.ExecuteWithHistory(context.Background(), askTask("t1", "what is my favorite color?"), history)
	if res.Status != TaskCompleted {
		t.Fatalf("status %v (err=%v)", res.Status, res.Err)
	}
	if len(p.lastReq.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (history + prompt)", len(p.lastReq.Messages))
	}
	if p.lastReq.Messages[0].Content != "my favorite color is blue" {
		t.Fatalf("history not oldest-first: %+v", p.lastReq.Messages)
	}
}

// The task callback fires once per execution with the final result,
// including refusals that never reach the provider.
func TestAgent_TaskCallbackSeesFinalResult(t *testing.T) {
	p := &stubProvider{results: []stubResult{{resp: textResp("4")}}}
	var gotAgent string
	var got []Result
	a := newTestAgent(t, p, AgentConfig{ID: "calc"},
		AgentOnTask(func(agentID string, res Result) {
			gotAgent = agentID
			got = append(got, res)
		}))

	res := a.Execute(context.Background(), askTask("t1", "2+2"))
	if res.Status != TaskCompleted {
		t.Fatalf("status %v (err=%v)", res.Status, res.Err)
	}
	if len(got) != 1 || gotAgent != "calc" {
		t.Fatalf("callback fired %d times for %q, want once for calc", len(got), gotAgent)
	}
	if got[0].TaskID != res.TaskID || got[0].Status != TaskCompleted {
		t.Fatalf("callback saw %+v, want the returned result", got[0])
	}

	a.Execute(context.Background(), askTask("t2", "cross-tenant"))
	if len(got) != 2 || got[1].Status != TaskFailed || !IsKind(got[1].Err, KindTenantMismatch) {
		t.Fatalf("callback after refusal: %+v", got)
	}
}
