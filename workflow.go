package troupe

import (
	"sort"
	"time"
)

// StepStatus is the terminal or in-flight state of one workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

func (s StepStatus) terminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// ConditionFunc gates a step on the results accumulated so far. A false
// return skips the step without failing the workflow.
type ConditionFunc func(results map[string]StepResult) bool

// WorkflowStep is one node of a workflow DAG.
type WorkflowStep struct {
	ID       string
	AgentID  string
	TaskType string
	Params   map[string]any
	// DependsOn lists step ids that must be terminal before this step
	// starts.
	DependsOn []string
	// RetryCount is the number of re-runs after a failed attempt.
	RetryCount int
	// Timeout bounds one attempt. Zero uses the orchestrator default.
	Timeout time.Duration
	// Condition, when set, is evaluated just before dispatch.
	Condition ConditionFunc
	// InputFrom injects the named step's output text as this step's
	// "input" parameter. The named step must be a dependency.
	InputFrom string
	// Transform rewrites the injected input before dispatch.
	Transform func(string) string
}

// Workflow is a DAG of steps executed for one tenant.
type Workflow struct {
	ID     string
	Tenant string
	Steps  []WorkflowStep
}

// StepResult is the outcome of one step.
type StepResult struct {
	StepID   string     `json:"step_id"`
	Status   StepStatus `json:"status"`
	Output   string     `json:"output,omitempty"`
	Attempts int        `json:"attempts"`
	Usage    TokenUsage `json:"usage"`
	Err      error      `json:"-"`
}

// WorkflowStatus is the overall outcome of a workflow run.
type WorkflowStatus string

const (
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// WorkflowResult aggregates a finished run. StepResults always carries
// an entry per step, including skipped and cancelled ones.
type WorkflowResult struct {
	WorkflowID     string                `json:"workflow_id"`
	Status         WorkflowStatus        `json:"status"`
	StepResults    map[string]StepResult `json:"step_results"`
	CompletedSteps []string              `json:"completed_steps"`
	FailedStep     string                `json:"failed_step,omitempty"`
	Duration       time.Duration         `json:"duration"`
}

// Validate checks the workflow's structural invariants: non-empty
// tenant and steps, unique step ids, dependencies that exist, a valid
// InputFrom, and an acyclic dependency graph.
func (w Workflow) Validate() error {
	if w.Tenant == "" {
		return newError(KindWorkflowInvalid, "workflow", "workflow %s has no tenant", w.ID)
	}
	if len(w.Steps) == 0 {
		return newError(KindWorkflowInvalid, "workflow", "workflow %s has no steps", w.ID)
	}

	byID := make(map[string]*WorkflowStep, len(w.Steps))
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.ID == "" {
			return newError(KindWorkflowInvalid, "workflow", "workflow %s has a step with empty id", w.ID)
		}
		if s.AgentID == "" {
			return newError(KindWorkflowInvalid, "workflow", "step %s has no agent", s.ID)
		}
		if _, dup := byID[s.ID]; dup {
			return newError(KindWorkflowInvalid, "workflow", "duplicate step id %s", s.ID)
		}
		byID[s.ID] = s
	}

	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return newError(KindWorkflowInvalid, "workflow", "step %s depends on unknown step %s", s.ID, dep)
			}
			if dep == s.ID {
				return newError(KindWorkflowInvalid, "workflow", "step %s depends on itself", s.ID)
			}
		}
		if s.InputFrom != "" {
			if _, ok := byID[s.InputFrom]; !ok {
				return newError(KindWorkflowInvalid, "workflow", "step %s takes input from unknown step %s", s.ID, s.InputFrom)
			}
			found := false
			for _, dep := range s.DependsOn {
				if dep == s.InputFrom {
					found = true
					break
				}
			}
			if !found {
				return newError(KindWorkflowInvalid, "workflow", "step %s takes input from %s but does not depend on it", s.ID, s.InputFrom)
			}
		}
	}

	// Kahn's algorithm: anything left after peeling zero in-degree nodes
	// sits on a cycle.
	indeg := make(map[string]int, len(w.Steps))
	succ := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		indeg[s.ID] += 0
		for _, dep := range s.DependsOn {
			indeg[s.ID]++
			succ[dep] = append(succ[dep], s.ID)
		}
	}
	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	seen := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		seen++
		for _, nxt := range succ[id] {
			indeg[nxt]--
			if indeg[nxt] == 0 {
				ready = append(ready, nxt)
			}
		}
	}
	if seen != len(w.Steps) {
		var cyclic []string
		for id, d := range indeg {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return newError(KindWorkflowInvalid, "workflow", "dependency cycle through %v", cyclic)
	}
	return nil
}

// successors returns the dependent-step adjacency of the workflow.
func (w Workflow) successors() map[string][]string {
	succ := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			succ[dep] = append(succ[dep], s.ID)
		}
	}
	return succ
}
