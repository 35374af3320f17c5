package troupe

import (
	"context"
	"encoding/json"
	"fmt"
)

// Coordination patterns are thin wrappers that express a named shape as
// a workflow and run it through the orchestrator.

// LeaderFollower runs the leader first, then every follower in parallel
// with the leader's output injected as input.
func (o *Orchestrator) LeaderFollower(ctx context.Context, tenant, leaderID string, followerIDs []string, taskType string, params map[string]any) (*WorkflowResult, error) {
	if len(followerIDs) == 0 {
		return nil, newError(KindInvalidRequest, "orchestrator", "leader-follower needs at least one follower")
	}
	steps := []WorkflowStep{{
		ID:       "leader",
		AgentID:  leaderID,
		TaskType: taskType,
		Params:   params,
	}}
	for i, id := range followerIDs {
		steps = append(steps, WorkflowStep{
			ID:        followerStepID(i),
			AgentID:   id,
			TaskType:  taskType,
			Params:    params,
			DependsOn: []string{"leader"},
			InputFrom: "leader",
		})
	}
	return o.ExecuteWorkflow(ctx, Workflow{ID: NewID(), Tenant: tenant, Steps: steps})
}

// PeerToPeer runs the same task on every agent in parallel and returns
// results keyed by agent id.
func (o *Orchestrator) PeerToPeer(ctx context.Context, tenant string, agentIDs []string, taskType string, params map[string]any) (map[string]StepResult, error) {
	if len(agentIDs) == 0 {
		return nil, newError(KindInvalidRequest, "orchestrator", "peer-to-peer needs at least one agent")
	}
	var steps []WorkflowStep
	for _, id := range agentIDs {
		steps = append(steps, WorkflowStep{
			ID:       "peer-" + id,
			AgentID:  id,
			TaskType: taskType,
			Params:   params,
		})
	}
	res, err := o.ExecuteWorkflow(ctx, Workflow{ID: NewID(), Tenant: tenant, Steps: steps})
	if err != nil {
		return nil, err
	}
	out := make(map[string]StepResult, len(agentIDs))
	for _, id := range agentIDs {
		out[id] = res.StepResults["peer-"+id]
	}
	return out, nil
}

// Pipeline chains agents linearly: each receives the previous agent's
// output as its input. transforms, when non-nil, holds one optional
// rewrite per hand-off (index i applies between stage i and i+1).
func (o *Orchestrator) Pipeline(ctx context.Context, tenant string, agentIDs []string, taskType string, params map[string]any, transforms []func(string) string) (*WorkflowResult, error) {
	if len(agentIDs) == 0 {
		return nil, newError(KindInvalidRequest, "orchestrator", "pipeline needs at least one agent")
	}
	var steps []WorkflowStep
	for i, id := range agentIDs {
		step := WorkflowStep{
			ID:       stageStepID(i),
			AgentID:  id,
			TaskType: taskType,
		}
		if i == 0 {
			step.Params = params
		} else {
			step.DependsOn = []string{stageStepID(i - 1)}
			step.InputFrom = stageStepID(i - 1)
			if transforms != nil && i-1 < len(transforms) {
				step.Transform = transforms[i-1]
			}
		}
		steps = append(steps, step)
	}
	return o.ExecuteWorkflow(ctx, Workflow{ID: NewID(), Tenant: tenant, Steps: steps})
}

// Broadcast publishes a message from one agent to every other
// registered agent through the Manager. When collect is true, each
// recipient also processes the body as a task and the results are
// returned keyed by agent id; otherwise the map is nil.
func (o *Orchestrator) Broadcast(ctx context.Context, tenant, fromID, kind string, body json.RawMessage, taskType string, collect bool) (map[string]StepResult, error) {
	if _, err := o.manager.Get(fromID); err != nil {
		return nil, err
	}
	o.manager.Broadcast(fromID, Message{Kind: kind, Body: body, CorrelationID: NewID()})

	if !collect {
		return nil, nil
	}
	var recipients []string
	for _, id := range o.manager.Agents() {
		if id != fromID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return map[string]StepResult{}, nil
	}
	return o.PeerToPeer(ctx, tenant, recipients, taskType, map[string]any{"prompt": string(body)})
}

// Step ids are zero-padded so lexicographic dispatch order matches
// stage order.
func followerStepID(i int) string {
	return fmt.Sprintf("follower-%03d", i)
}

func stageStepID(i int) string {
	return fmt.Sprintf("stage-%03d", i)
}
