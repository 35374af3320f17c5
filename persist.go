package troupe

import (
	"context"
	"time"
)

// SnapshotStore persists agent memory snapshots. Implementations live in
// store/sqlite and store/postgres; the runtime is fully functional
// without one.
type SnapshotStore interface {
	// SaveSnapshot stores the snapshot for an agent, replacing any
	// previous one.
	SaveSnapshot(ctx context.Context, tenant, agentID string, snap MemorySnapshot) error
	// LoadSnapshot returns the latest snapshot for an agent. A missing
	// snapshot returns ok=false with a nil error.
	LoadSnapshot(ctx context.Context, tenant, agentID string) (snap MemorySnapshot, ok bool, err error)
	Close() error
}

// WorkflowRecord is one appended workflow outcome.
type WorkflowRecord struct {
	WorkflowID string         `json:"workflow_id"`
	Tenant     string         `json:"tenant"`
	Status     WorkflowStatus `json:"status"`
	Result     WorkflowResult `json:"result"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// WorkflowLog is an append-only record of finished workflow runs.
type WorkflowLog interface {
	Append(ctx context.Context, wf Workflow, res WorkflowResult) error
	// List returns records for a tenant, newest first, up to limit.
	List(ctx context.Context, tenant string, limit int) ([]WorkflowRecord, error)
	Close() error
}
