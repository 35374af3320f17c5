package troupe

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// ToolFunc executes a tool with schema-validated arguments.
type ToolFunc func(ctx context.Context, call ToolInvocation) (any, error)

// ToolInvocation carries the validated arguments and the calling task's
// identity into a tool.
type ToolInvocation struct {
	Tenant string
	TaskID string
	Args   map[string]any
}

// Tool is a callable registered with a ToolRegistry. Its Parameters
// schema is compiled at registration; Invoke only ever sees arguments
// that validated against it.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema for the argument object. Empty means
	// the tool takes no arguments.
	Parameters json.RawMessage
	// Retryable tools are re-run once when invocation fails.
	Retryable bool
	Invoke    ToolFunc
	// Timeout bounds one invocation. Zero means the caller's deadline
	// applies alone.
	Timeout time.Duration
}

// Schema returns the tool's advertisement for the model.
func (t Tool) Schema() ToolSchema {
	return ToolSchema{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// ToolRegistry is an immutable name-indexed tool catalog. Schemas are
// compiled once at construction; changing a schema requires a rebuild.
type ToolRegistry struct {
	tools    map[string]Tool
	order    []string
	compiled map[string]*jsonschema.Schema
}

// NewToolRegistry builds a registry, compiling every tool's parameter
// schema. Duplicate names and invalid schemas fail construction.
func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{
		tools:    make(map[string]Tool, len(tools)),
		compiled: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		if t.Name == "" {
			return nil, newError(KindInvalidRequest, "tools", "tool with empty name")
		}
		if t.Invoke == nil {
			return nil, newError(KindInvalidRequest, "tools", "tool %s has no invoker", t.Name)
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, newError(KindInvalidRequest, "tools", "duplicate tool name %s", t.Name)
		}
		if len(t.Parameters) > 0 {
			schema, err := compileSchema(t.Name, t.Parameters)
			if err != nil {
				return nil, err
			}
			r.compiled[t.Name] = schema
		}
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytesReader(raw))
	if err != nil {
		return nil, newError(KindInvalidRequest, "tools", "tool %s schema is not valid JSON: %v", name, err)
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/params.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, newError(KindInvalidRequest, "tools", "tool %s schema rejected: %v", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, newError(KindInvalidRequest, "tools", "tool %s schema does not compile: %v", name, err)
	}
	return schema, nil
}

// Resolve returns the named tool or a ToolNotFound error.
func (r *ToolRegistry) Resolve(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, newError(KindToolNotFound, "tools", "unknown tool %s", name)
	}
	return t, nil
}

// Schemas returns every tool's model advertisement in registration order.
func (r *ToolRegistry) Schemas() []ToolSchema {
	out := make([]ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Schema())
	}
	return out
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int { return len(r.tools) }

// ToolRunner validates arguments against a tool's schema and invokes it.
type ToolRunner struct {
	registry *ToolRegistry
	logger   *slog.Logger
	tracer   Tracer
	onRun    func(name string, err error)
}

// ToolRunnerOption configures a ToolRunner.
type ToolRunnerOption func(*ToolRunner)

// ToolRunnerLogger sets the structured logger.
func ToolRunnerLogger(l *slog.Logger) ToolRunnerOption {
	return func(r *ToolRunner) { r.logger = l }
}

// ToolRunnerTracer enables a span per invocation.
func ToolRunnerTracer(t Tracer) ToolRunnerOption {
	return func(r *ToolRunner) { r.tracer = t }
}

// ToolRunnerOnRun registers a callback invoked once per Run with the
// tool name and final outcome, for metrics.
func ToolRunnerOnRun(fn func(name string, err error)) ToolRunnerOption {
	return func(r *ToolRunner) { r.onRun = fn }
}

// NewToolRunner creates a runner over a registry.
func NewToolRunner(registry *ToolRegistry, opts ...ToolRunnerOption) *ToolRunner {
	r := &ToolRunner{registry: registry, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run resolves name, validates args against its schema, and invokes it.
// A retryable tool is re-run once on invocation failure. Validation and
// lookup failures are never retried.
func (r *ToolRunner) Run(ctx context.Context, name string, rawArgs json.RawMessage, inv ToolInvocation) (any, error) {
	out, err := r.run(ctx, name, rawArgs, inv)
	if r.onRun != nil {
		r.onRun(name, err)
	}
	return out, err
}

func (r *ToolRunner) run(ctx context.Context, name string, rawArgs json.RawMessage, inv ToolInvocation) (any, error) {
	tool, err := r.registry.Resolve(name)
	if err != nil {
		return nil, err
	}

	args, err := r.validateArgs(tool, rawArgs)
	if err != nil {
		return nil, err
	}
	inv.Args = args

	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "tool.run",
			StringAttr("tool", name), TenantAttr(inv.Tenant), StringAttr("task_id", inv.TaskID))
		defer span.End()
	}

	out, err := r.invoke(ctx, tool, inv)
	if err != nil && tool.Retryable && ctx.Err() == nil {
		r.logger.Warn("tool failed, retrying once", "tool", name, "error", err)
		out, err = r.invoke(ctx, tool, inv)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCancelled, Component: "tools", TaskID: inv.TaskID, Message: "tool " + name + " cancelled", Err: ctx.Err()}
		}
		return nil, &Error{
			Kind: KindToolInvocation, Component: "tools", Tenant: inv.Tenant, TaskID: inv.TaskID,
			Message: "tool " + name + " failed", Retryable: tool.Retryable, Err: err,
		}
	}
	return out, nil
}

func (r *ToolRunner) invoke(ctx context.Context, tool Tool, inv ToolInvocation) (any, error) {
	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tool.Timeout)
		defer cancel()
	}
	return tool.Invoke(ctx, inv)
}

// validateArgs decodes rawArgs and checks them against the compiled
// schema. The returned error's Reason is one of "missing",
// "type_mismatch", "out_of_range", or "invalid".
func (r *ToolRunner) validateArgs(tool Tool, rawArgs json.RawMessage) (map[string]any, error) {
	var args map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, &Error{
				Kind: KindToolValidation, Component: "tools", Reason: "invalid",
				Message: "tool " + tool.Name + ": arguments are not a JSON object", Err: err,
			}
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	schema, ok := r.registry.compiled[tool.Name]
	if !ok {
		return args, nil
	}
	// The compiled schema validates the generic decoding of the args, so
	// round-trip through the library's unmarshaller for number fidelity.
	doc, err := jsonschema.UnmarshalJSON(bytesReader(mustJSON(args)))
	if err != nil {
		return nil, &Error{Kind: KindToolValidation, Component: "tools", Reason: "invalid", Message: "tool " + tool.Name + ": arguments not decodable", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		reason := "invalid"
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			reason = classifyValidation(ve)
		}
		return nil, &Error{
			Kind: KindToolValidation, Component: "tools", Reason: reason,
			Message: "tool " + tool.Name + ": invalid arguments", Err: err,
		}
	}
	return args, nil
}

// classifyValidation maps the deepest validation cause to the failure
// taxonomy: missing, type_mismatch, or out_of_range.
func classifyValidation(ve *jsonschema.ValidationError) string {
	for _, cause := range ve.Causes {
		if r := classifyValidation(cause); r != "invalid" {
			return r
		}
	}
	switch ve.ErrorKind.(type) {
	case *kind.Required:
		return "missing"
	case *kind.Type:
		return "type_mismatch"
	case *kind.Minimum, *kind.Maximum, *kind.ExclusiveMinimum, *kind.ExclusiveMaximum,
		*kind.MinLength, *kind.MaxLength, *kind.MinItems, *kind.MaxItems:
		return "out_of_range"
	}
	return "invalid"
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// map[string]any from json.Unmarshal always re-marshals.
		panic(err)
	}
	return b
}
