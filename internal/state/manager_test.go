package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"crewline/internal/cache"
	"crewline/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, *DB) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := cache.New(128, time.Minute)
	return NewManager(db, c), db
}

func TestCreateAndUpdateSequence(t *testing.T) {
	m, _ := newTestManager(t)

	snap, err := m.Create("wf-1", models.WorkflowStatusCreated, map[string]any{"name": "test"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.SequenceNumber != 1 {
		t.Errorf("expected seq 1, got %d", snap.SequenceNumber)
	}
	if !snap.Persisted {
		t.Error("expected create to persist")
	}

	states := []models.WorkflowStatus{
		models.WorkflowStatusQueued,
		models.WorkflowStatusRunning,
		models.WorkflowStatusCompleted,
	}
	for i, s := range states {
		snap, err = m.Update("wf-1", s, nil, true)
		if err != nil {
			t.Fatalf("update %s: %v", s, err)
		}
		if want := int64(i + 2); snap.SequenceNumber != want {
			t.Errorf("update %s: expected seq %d, got %d", s, want, snap.SequenceNumber)
		}
	}

	latest, err := m.Latest("wf-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.State != models.WorkflowStatusCompleted || latest.SequenceNumber != 4 {
		t.Errorf("unexpected latest: %s seq %d", latest.State, latest.SequenceNumber)
	}
}

func TestSequenceResumesFromDurableLog(t *testing.T) {
	m, db := newTestManager(t)

	if _, err := m.Create("wf-1", models.WorkflowStatusRunning, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Update("wf-1", models.WorkflowStatusRunning, nil, true); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A fresh manager over the same store simulates a restart.
	c := cache.New(128, time.Minute)
	m2 := NewManager(db, c)
	snap, err := m2.Update("wf-1", models.WorkflowStatusRunning, nil, true)
	if err != nil {
		t.Fatalf("update after restart: %v", err)
	}
	if snap.SequenceNumber != 3 {
		t.Errorf("expected seq to resume at 3, got %d", snap.SequenceNumber)
	}
}

func TestDeferredPersistIsDirtyUntilCheckpoint(t *testing.T) {
	m, db := newTestManager(t)

	if _, err := m.Create("wf-1", models.WorkflowStatusRunning, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	snap, err := m.Update("wf-1", models.WorkflowStatusRunning, map[string]any{"progress": 0.5}, false)
	if err != nil {
		t.Fatalf("deferred update: %v", err)
	}
	if snap.Persisted {
		t.Error("deferred write should not be persisted yet")
	}

	durable, err := db.LatestSnapshot("wf-1")
	if err != nil {
		t.Fatalf("latest durable: %v", err)
	}
	if durable.SequenceNumber != 1 {
		t.Errorf("expected durable seq 1 before checkpoint, got %d", durable.SequenceNumber)
	}

	m.checkpointPass(time.Minute)

	durable, err = db.LatestSnapshot("wf-1")
	if err != nil {
		t.Fatalf("latest durable after checkpoint: %v", err)
	}
	if durable.SequenceNumber != 2 {
		t.Errorf("expected durable seq 2 after checkpoint, got %d", durable.SequenceNumber)
	}
	if !snap.Persisted {
		t.Error("expected checkpoint to mark snapshot persisted")
	}
}

func TestLatestFallsBackToDurableStore(t *testing.T) {
	m, db := newTestManager(t)

	if _, err := m.Create("wf-1", models.WorkflowStatusRunning, map[string]any{"k": "v"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Fresh manager and empty cache: only the durable store has the state.
	c := cache.New(128, time.Minute)
	m2 := NewManager(db, c)
	snap, err := m2.Latest("wf-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if snap.StateData["k"] != "v" {
		t.Errorf("unexpected state data: %v", snap.StateData)
	}

	if _, err := m2.Latest("absent"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
	_ = m
}

func TestRecoverMarksInterruptedWorkflows(t *testing.T) {
	m, db := newTestManager(t)

	if _, err := m.Create("wf-run", models.WorkflowStatusRunning, map[string]any{"step": "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create("wf-done", models.WorkflowStatusCompleted, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Restarted process: fresh manager, same store.
	c := cache.New(128, time.Minute)
	m2 := NewManager(db, c)
	report, err := m2.Recover(24 * time.Hour)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	if len(report.Recovered) != 1 || report.Recovered[0] != "wf-run" {
		t.Fatalf("expected only wf-run recovered, got %v", report.Recovered)
	}
	if len(report.Failed) != 0 {
		t.Errorf("expected no failures, got %v", report.Failed)
	}

	snap, err := m2.Latest("wf-run")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if snap.State != models.WorkflowStatusRecovering {
		t.Errorf("expected recovering, got %s", snap.State)
	}
	if snap.RecoveryMetadata["original_state"] != "running" {
		t.Errorf("expected original_state running, got %v", snap.RecoveryMetadata)
	}
	if snap.RecoveryMetadata["reason"] != "process restart" {
		t.Errorf("expected reason recorded, got %v", snap.RecoveryMetadata)
	}
	if snap.StateData["step"] != "a" {
		t.Errorf("expected state data preserved, got %v", snap.StateData)
	}
	if snap.SequenceNumber != 2 {
		t.Errorf("expected recovery snapshot at seq 2, got %d", snap.SequenceNumber)
	}

	// Completed workflows are untouched.
	done, err := m2.Latest("wf-done")
	if err != nil {
		t.Fatalf("latest wf-done: %v", err)
	}
	if done.State != models.WorkflowStatusCompleted {
		t.Errorf("expected completed untouched, got %s", done.State)
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	m, db := newTestManager(t)

	if _, err := m.Create("wf-run", models.WorkflowStatusRunning, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	c := cache.New(128, time.Minute)
	m2 := NewManager(db, c)

	first, err := m2.Recover(24 * time.Hour)
	if err != nil {
		t.Fatalf("first recover: %v", err)
	}
	if len(first.Recovered) != 1 {
		t.Fatalf("expected 1 recovered, got %d", len(first.Recovered))
	}

	second, err := m2.Recover(24 * time.Hour)
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if len(second.Recovered) != 0 || len(second.Failed) != 0 {
		t.Errorf("second pass should be a no-op, got recovered=%v failed=%v",
			second.Recovered, second.Failed)
	}
}

func TestRecoverSkipsStaleWorkflows(t *testing.T) {
	_, db := newTestManager(t)

	err := db.InsertSnapshot(&Snapshot{
		WorkflowID: "wf-stale", State: models.WorkflowStatusRunning,
		CheckpointID: "cp", SequenceNumber: 1,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	c := cache.New(128, time.Minute)
	m := NewManager(db, c)
	report, err := m.Recover(24 * time.Hour)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(report.Recovered) != 0 {
		t.Errorf("expected stale workflow skipped, got %v", report.Recovered)
	}
}

func TestCleanupRemovesTerminalState(t *testing.T) {
	m, db := newTestManager(t)

	err := db.InsertSnapshot(&Snapshot{
		WorkflowID: "wf-old", State: models.WorkflowStatusCompleted,
		CheckpointID: "cp", SequenceNumber: 1,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := m.Create("wf-live", models.WorkflowStatusRunning, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := m.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}

	if _, err := m.Latest("wf-live"); err != nil {
		t.Errorf("expected wf-live to survive cleanup: %v", err)
	}
}

func TestStatusView(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Create("wf-1", models.WorkflowStatusQueued, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	view, err := m.Status("wf-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.State != models.WorkflowStatusQueued || view.SequenceNumber != 1 || !view.Persisted {
		t.Errorf("unexpected view: %+v", view)
	}
	if view.CheckpointID == "" {
		t.Error("expected a checkpoint id")
	}

	if _, err := m.Status("absent"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestFlushAllPersistsDirtySnapshots(t *testing.T) {
	m, db := newTestManager(t)

	if _, err := m.Create("wf-1", models.WorkflowStatusRunning, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Update("wf-1", models.WorkflowStatusPaused, nil, false); err != nil {
		t.Fatalf("deferred update: %v", err)
	}

	if err := m.FlushAll(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	durable, err := db.LatestSnapshot("wf-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if durable.State != models.WorkflowStatusPaused || durable.SequenceNumber != 2 {
		t.Errorf("expected paused seq 2 durable, got %s seq %d", durable.State, durable.SequenceNumber)
	}
}
