// Package postgres persists memory snapshots and workflow records in
// PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troupe-ai/troupe"
)

// Store persists memory snapshots and an append-only workflow log.
// Snapshot documents are stored as JSONB.
type Store struct {
	pool *pgxpool.Pool
}

var _ troupe.SnapshotStore = (*Store)(nil)
var _ troupe.WorkflowLog = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS memory_snapshots (
			tenant TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			document JSONB NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_log (
			seq BIGSERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			tenant TEXT NOT NULL,
			status TEXT NOT NULL,
			result JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_log_tenant
			ON workflow_log (tenant, seq DESC)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// SaveSnapshot stores the snapshot for an agent, replacing any previous
// one.
func (s *Store) SaveSnapshot(ctx context.Context, tenant, agentID string, snap troupe.MemorySnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_snapshots (tenant, agent_id, version, document, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant, agent_id) DO UPDATE SET
			version = EXCLUDED.version,
			document = EXCLUDED.document,
			taken_at = EXCLUDED.taken_at`,
		tenant, agentID, snap.Version, doc, snap.TakenAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot for an agent. A missing
// snapshot returns ok=false with a nil error.
func (s *Store) LoadSnapshot(ctx context.Context, tenant, agentID string) (troupe.MemorySnapshot, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT document FROM memory_snapshots WHERE tenant = $1 AND agent_id = $2`,
		tenant, agentID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return troupe.MemorySnapshot{}, false, nil
	}
	if err != nil {
		return troupe.MemorySnapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var snap troupe.MemorySnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return troupe.MemorySnapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Append adds one workflow outcome to the log.
func (s *Store) Append(ctx context.Context, wf troupe.Workflow, res troupe.WorkflowResult) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_log (workflow_id, tenant, status, result, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		res.WorkflowID, wf.Tenant, string(res.Status), doc, time.Now())
	if err != nil {
		return fmt.Errorf("append workflow: %w", err)
	}
	return nil
}

// List returns records for a tenant, newest first, up to limit.
func (s *Store) List(ctx context.Context, tenant string, limit int) ([]troupe.WorkflowRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT workflow_id, status, result, recorded_at
		FROM workflow_log WHERE tenant = $1
		ORDER BY seq DESC LIMIT $2`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []troupe.WorkflowRecord
	for rows.Next() {
		var rec troupe.WorkflowRecord
		var doc []byte
		if err := rows.Scan(&rec.WorkflowID, &rec.Status, &doc, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan workflow record: %w", err)
		}
		if err := json.Unmarshal(doc, &rec.Result); err != nil {
			return nil, fmt.Errorf("decode workflow result: %w", err)
		}
		rec.Tenant = tenant
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
