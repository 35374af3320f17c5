package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/troupe-ai/troupe"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "troupe.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := troupe.MemorySnapshot{
		Version: 1,
		TakenAt: time.Unix(1000, 0).UTC(),
		Items: []troupe.MemoryItem{
			{ID: "m1", Class: troupe.MemoryShort, Content: "alpha", Importance: 0.4},
			{ID: "m2", Class: troupe.MemoryEpisodic, Content: "beta", Importance: 0.8,
				Metadata: map[string]string{"task_id": "t-1"}},
		},
	}
	if err := s.SaveSnapshot(ctx, "t1", "a1", snap); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.LoadSnapshot(ctx, "t1", "a1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Version != 1 || len(got.Items) != 2 {
		t.Fatalf("got version=%d items=%d", got.Version, len(got.Items))
	}
	if got.Items[1].Metadata["task_id"] != "t-1" {
		t.Fatalf("metadata lost: %+v", got.Items[1])
	}
}

func TestSnapshotMissing(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.LoadSnapshot(context.Background(), "t1", "nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("want ok=false for missing snapshot")
	}
}

func TestSnapshotReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := troupe.MemorySnapshot{Version: 1, Items: []troupe.MemoryItem{{ID: "old", Class: troupe.MemoryShort}}}
	second := troupe.MemorySnapshot{Version: 1, Items: []troupe.MemoryItem{{ID: "new", Class: troupe.MemoryShort}}}
	if err := s.SaveSnapshot(ctx, "t1", "a1", first); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(ctx, "t1", "a1", second); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.LoadSnapshot(ctx, "t1", "a1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if len(got.Items) != 1 || got.Items[0].ID != "new" {
		t.Fatalf("got %+v, want the replacement", got.Items)
	}
}

func TestSnapshotTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	snap := troupe.MemorySnapshot{Version: 1}
	if err := s.SaveSnapshot(ctx, "t1", "a1", snap); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.LoadSnapshot(ctx, "t2", "a1"); ok {
		t.Fatal("snapshot leaked across tenants")
	}
}

func TestWorkflowLogNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []troupe.WorkflowStatus{troupe.WorkflowCompleted, troupe.WorkflowFailed} {
		wf := troupe.Workflow{ID: "wf", Tenant: "t1"}
		res := troupe.WorkflowResult{
			WorkflowID: []string{"run-1", "run-2"}[i],
			Status:     status,
			StepResults: map[string]troupe.StepResult{
				"s1": {StepID: "s1", Status: troupe.StepSuccess, Attempts: 1},
			},
		}
		if err := s.Append(ctx, wf, res); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.List(ctx, "t1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].WorkflowID != "run-2" || recs[1].WorkflowID != "run-1" {
		t.Fatalf("order %s, %s, want newest first", recs[0].WorkflowID, recs[1].WorkflowID)
	}
	if recs[0].Status != troupe.WorkflowFailed {
		t.Fatalf("status %q", recs[0].Status)
	}
	if recs[0].Result.StepResults["s1"].Status != troupe.StepSuccess {
		t.Fatalf("result document lost step detail: %+v", recs[0].Result)
	}
}

func TestWorkflowLogLimitAndTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res := troupe.WorkflowResult{WorkflowID: "run", Status: troupe.WorkflowCompleted}
		if err := s.Append(ctx, troupe.Workflow{Tenant: "t1"}, res); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Append(ctx, troupe.Workflow{Tenant: "t2"},
		troupe.WorkflowResult{WorkflowID: "other", Status: troupe.WorkflowCompleted}); err != nil {
		t.Fatal(err)
	}

	recs, err := s.List(ctx, "t1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want limit 3", len(recs))
	}
	for _, r := range recs {
		if r.Tenant != "t1" {
			t.Fatalf("record leaked from tenant %q", r.Tenant)
		}
	}
}
