// Package sqlite persists memory snapshots and workflow records using
// pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/troupe-ai/troupe"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation including timing and row
// counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists memory snapshots and an append-only workflow log in a
// local SQLite file. Snapshot documents are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ troupe.SnapshotStore = (*Store)(nil)
var _ troupe.WorkflowLog = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS memory_snapshots (
			tenant TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			document TEXT NOT NULL,
			taken_at INTEGER NOT NULL,
			PRIMARY KEY (tenant, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			tenant TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_log_tenant
			ON workflow_log (tenant, seq DESC)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init done", "took", time.Since(start))
	return nil
}

// SaveSnapshot stores the snapshot for an agent, replacing any previous
// one.
func (s *Store) SaveSnapshot(ctx context.Context, tenant, agentID string, snap troupe.MemorySnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_snapshots (tenant, agent_id, version, document, taken_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant, agent_id) DO UPDATE SET
			version = excluded.version,
			document = excluded.document,
			taken_at = excluded.taken_at`,
		tenant, agentID, snap.Version, string(doc), snap.TakenAt.Unix())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("sqlite: snapshot saved", "tenant", tenant, "agent", agentID, "items", len(snap.Items))
	return nil
}

// LoadSnapshot returns the latest snapshot for an agent. A missing
// snapshot returns ok=false with a nil error; an unknown schema version
// is refused.
func (s *Store) LoadSnapshot(ctx context.Context, tenant, agentID string) (troupe.MemorySnapshot, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT document FROM memory_snapshots WHERE tenant = ? AND agent_id = ?`,
		tenant, agentID).Scan(&doc)
	if err == sql.ErrNoRows {
		return troupe.MemorySnapshot{}, false, nil
	}
	if err != nil {
		return troupe.MemorySnapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var snap troupe.MemorySnapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_log (workflow_id, tenant, status, result, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		res.WorkflowID, wf.Tenant, string(res.Status), string(doc), time.Now().Unix())
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, status, result, recorded_at
		FROM workflow_log WHERE tenant = ?
		ORDER BY seq DESC LIMIT ?`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []troupe.WorkflowRecord
	for rows.Next() {
		var rec troupe.WorkflowRecord
		var doc string
		var recordedAt int64
		if err := rows.Scan(&rec.WorkflowID, &rec.Status, &doc, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan workflow record: %w", err)
		}
		if err := json.Unmarshal([]byte(doc), &rec.Result); err != nil {
			return nil, fmt.Errorf("decode workflow result: %w", err)
		}
		rec.Tenant = tenant
		rec.RecordedAt = time.Unix(recordedAt, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DB exposes the underlying connection for callers that need to share
// it.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }
