package troupe

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var addSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"a": {"type": "number"},
		"b": {"type": "number", "maximum": 100}
	},
	"required": ["a", "b"]
}`)

func addTool(calls *int) Tool {
	return Tool{
		Name:        "add",
		Description: "adds two numbers",
		Parameters:  addSchema,
		Invoke: func(ctx context.Context, inv ToolInvocation) (any, error) {
			if calls != nil {
				*calls++
			}
			a, _ := inv.Args["a"].(float64)
			b, _ := inv.Args["b"].(float64)
			return a + b, nil
		},
	}
}

func TestToolRegistry_RejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name  string
		tools []Tool
	}{
		{"empty name", []Tool{{Name: "", Invoke: func(context.Context, ToolInvocation) (any, error) { return nil, nil }}}},
		{"nil invoker", []Tool{{Name: "x"}}},
		{"duplicate", []Tool{addTool(nil), addTool(nil)}},
		{"schema not JSON", []Tool{{Name: "x", Parameters: json.RawMessage(`{`), Invoke: func(context.Context, ToolInvocation) (any, error) { return nil, nil }}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewToolRegistry(tc.tools...); !IsKind(err, KindInvalidRequest) {
				t.Fatalf("got %v, want InvalidRequest", err)
			}
		})
	}
}

func TestToolRegistry_SchemasInRegistrationOrder(t *testing.T) {
	noop := func(context.Context, ToolInvocation) (any, error) { return nil, nil }
	reg, err := NewToolRegistry(
		Tool{Name: "zeta", Invoke: noop},
		Tool{Name: "alpha", Invoke: noop},
	)
	if err != nil {
		t.Fatal(err)
	}
	schemas := reg.Schemas()
	if len(schemas) != 2 || schemas[0].Name != "zeta" || schemas[1].Name != "alpha" {
		t.Fatalf("got %v, want registration order zeta, alpha", schemas)
	}
}

func TestToolRunner_UnknownTool(t *testing.T) {
	reg, _ := NewToolRegistry(addTool(nil))
	runner := NewToolRunner(reg)
	_, err := runner.Run(context.Background(), "subtract", nil, ToolInvocation{Tenant: "t1"})
	if !IsKind(err, KindToolNotFound) {
		t.Fatalf("got %v, want ToolNotFound", err)
	}
}

func TestToolRunner_ValidatesAndInvokes(t *testing.T) {
	var calls int
	reg, _ := NewToolRegistry(addTool(&calls))
	runner := NewToolRunner(reg)

	out, err := runner.Run(context.Background(), "add", json.RawMessage(`{"a": 3, "b": 5}`), ToolInvocation{Tenant: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if out != float64(8) {
		t.Fatalf("got %v, want 8", out)
	}
	if calls != 1 {
		t.Fatalf("invoked %d times, want 1", calls)
	}
}

func TestToolRunner_ValidationReasons(t *testing.T) {
	var calls int
	reg, _ := NewToolRegistry(addTool(&calls))
	runner := NewToolRunner(reg)

	cases := []struct {
		name   string
		args   string
		reason string
	}{
		{"missing field", `{"a": 3}`, "missing"},
		{"wrong type", `{"a": 3, "b": "five"}`, "type_mismatch"},
		{"over maximum", `{"a": 3, "b": 500}`, "out_of_range"},
		{"not an object", `[1, 2]`, "invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runner.Run(context.Background(), "add", json.RawMessage(tc.args), ToolInvocation{Tenant: "t1"})
			if !IsKind(err, KindToolValidation) {
				t.Fatalf("got %v, want ToolValidation", err)
			}
			var te *Error
			if !errors.As(err, &te) || te.Reason != tc.reason {
				t.Fatalf("reason %q, want %q", te.Reason, tc.reason)
			}
		})
	}
	if calls != 0 {
		t.Fatalf("invoked %d times, want 0: invalid args must not reach the tool", calls)
	}
}

func TestToolRunner_RetryableRetriesOnce(t *testing.T) {
	var calls int
	boom := errors.New("flaky backend")
	reg, err := NewToolRegistry(Tool{
		Name:      "flaky",
		Retryable: true,
		Invoke: func(ctx context.Context, inv ToolInvocation) (any, error) {
			calls++
			if calls == 1 {
				return nil, boom
			}
			return "ok", nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	runner := NewToolRunner(reg)

	out, err := runner.Run(context.Background(), "flaky", nil, ToolInvocation{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok" || calls != 2 {
		t.Fatalf("out=%v calls=%d, want ok after 2 calls", out, calls)
	}
}

func TestToolRunner_NonRetryableFailsImmediately(t *testing.T) {
	var calls int
	boom := errors.New("broken")
	reg, _ := NewToolRegistry(Tool{
		Name: "broken",
		Invoke: func(ctx context.Context, inv ToolInvocation) (any, error) {
			calls++
			return nil, boom
		},
	})
	runner := NewToolRunner(reg)

	_, err := runner.Run(context.Background(), "broken", nil, ToolInvocation{})
	if !IsKind(err, KindToolInvocation) {
		t.Fatalf("got %v, want ToolInvocation", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("cause not preserved: %v", err)
	}
	if calls != 1 {
		t.Fatalf("invoked %d times, want 1", calls)
	}
}

func TestToolRunner_TimeoutBoundsInvocation(t *testing.T) {
	reg, _ := NewToolRegistry(Tool{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Invoke: func(ctx context.Context, inv ToolInvocation) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return "too late", nil
			}
		},
	})
	runner := NewToolRunner(reg)

	start := time.Now()
	_, err := runner.Run(context.Background(), "slow", nil, ToolInvocation{})
	if !IsKind(err, KindToolInvocation) {
		t.Fatalf("got %v, want ToolInvocation", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("per-tool timeout did not bound the invocation")
	}
}

func TestToolRunner_CancelledCaller(t *testing.T) {
	reg, _ := NewToolRegistry(Tool{
		Name:      "waits",
		Retryable: true,
		Invoke: func(ctx context.Context, inv ToolInvocation) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	runner := NewToolRunner(reg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := runner.Run(ctx, "waits", nil, ToolInvocation{})
	if !IsKind(err, KindCancelled) {
		t.Fatalf("got %v, want Cancelled: a dead caller context must not retry", err)
	}
}

func TestToolRunner_RunCallbackSeesOutcome(t *testing.T) {
	reg, err := NewToolRegistry(addTool(nil))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	var errs []error
	runner := NewToolRunner(reg, ToolRunnerOnRun(func(name string, err error) {
		names = append(names, name)
		errs = append(errs, err)
	}))

	if _, err := runner.Run(context.Background(), "add", json.RawMessage(`{"a": 3, "b": 5}`), ToolInvocation{}); err != nil {
		t.Fatal(err)
	}
	if _, err := runner.Run(context.Background(), "missing", nil, ToolInvocation{}); !IsKind(err, KindToolNotFound) {
		t.Fatalf("got %v, want ToolNotFound", err)
	}

	if len(names) != 2 || names[0] != "add" || names[1] != "missing" {
		t.Fatalf("callback saw %v, want both runs", names)
	}
	if errs[0] != nil {
		t.Fatalf("first run: callback err %v, want nil", errs[0])
	}
	if !IsKind(errs[1], KindToolNotFound) {
		t.Fatalf("second run: callback err %v, want ToolNotFound", errs[1])
	}
}
