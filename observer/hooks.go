package observer

import (
	"context"

	troupe "github.com/troupe-ai/troupe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// The hooks below plug the instruments into the runtime's callback
// options (GatewayOnUsage, BreakerOnChange, ManagerOnDrop,
// RateLimiterOnReject, AgentOnTask, AgentOnToolRun,
// OrchestratorOnFinish, MemoryOnEvict) so metrics flow without wrapping
// any component.

// UsageHook returns a callback for troupe.GatewayOnUsage.
func (in *Instruments) UsageHook() func(troupe.UsageRecord) {
	return func(rec troupe.UsageRecord) {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			attribute.String("tenant", rec.Tenant),
			attribute.String("model", rec.Model),
			attribute.String("provider", rec.Provider),
			attribute.String("kind", rec.Kind),
		)
		in.ModelRequests.Add(ctx, 1, attrs)
		in.TokenUsage.Add(ctx, int64(rec.Usage.Total), attrs)
		in.ModelLatency.Record(ctx, float64(rec.Latency.Milliseconds()), attrs)

		cost := rec.Cost
		if cost == 0 && in.Cost != nil {
			cost = in.Cost.Calculate(rec.Model, rec.Usage.Prompt, rec.Usage.Completion)
		}
		if cost > 0 {
			in.CostTotal.Add(ctx, cost, attrs)
		}
	}
}

// CostFunc returns an estimator for troupe.GatewayCost backed by the
// pricing table.
func (in *Instruments) CostFunc() troupe.CostFunc {
	return func(model string, usage troupe.TokenUsage) float64 {
		return in.Cost.Calculate(model, usage.Prompt, usage.Completion)
	}
}

// BreakerHook returns a callback for troupe.BreakerOnChange.
func (in *Instruments) BreakerHook() func(provider string, from, to troupe.BreakerState) {
	return func(provider string, from, to troupe.BreakerState) {
		in.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	}
}

// DropHook returns a callback for troupe.ManagerOnDrop.
func (in *Instruments) DropHook() func(agentID string, dropped troupe.Message) {
	return func(agentID string, dropped troupe.Message) {
		in.DroppedMessages.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("agent", agentID),
			attribute.String("kind", dropped.Kind),
		))
	}
}

// RateLimitHook returns a callback for troupe.RateLimiterOnReject.
func (in *Instruments) RateLimitHook() func(tenant, reason string) {
	return func(tenant, reason string) {
		in.RateLimitRejects.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("reason", reason),
		))
	}
}

// ToolHook returns a callback for troupe.AgentOnToolRun, or for
// troupe.ToolRunnerOnRun when building runners directly.
func (in *Instruments) ToolHook() func(name string, err error) {
	return func(name string, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		in.ToolExecutions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("tool", name),
			attribute.String("outcome", outcome),
		))
	}
}

// TaskHook returns a callback for troupe.AgentOnTask.
func (in *Instruments) TaskHook() func(agentID string, res troupe.Result) {
	return func(agentID string, res troupe.Result) {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			attribute.String("agent", agentID),
			attribute.String("status", string(res.Status)),
		)
		in.TaskExecutions.Add(ctx, 1, attrs)
		in.TaskDuration.Record(ctx, float64(res.Duration.Milliseconds()), attrs)
	}
}

// WorkflowHook returns a callback for troupe.OrchestratorOnFinish.
func (in *Instruments) WorkflowHook() func(res troupe.WorkflowResult) {
	return func(res troupe.WorkflowResult) {
		ctx := context.Background()
		attrs := metric.WithAttributes(attribute.String("status", string(res.Status)))
		in.WorkflowRuns.Add(ctx, 1, attrs)
		in.WorkflowLatency.Record(ctx, float64(res.Duration.Milliseconds()), attrs)
	}
}

// EvictHook returns a callback for troupe.MemoryOnEvict.
func (in *Instruments) EvictHook() func(item troupe.MemoryItem, reason troupe.EvictReason) {
	return func(item troupe.MemoryItem, reason troupe.EvictReason) {
		in.MemoryEvictions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("class", string(item.Class)),
			attribute.String("reason", string(reason)),
		))
	}
}
