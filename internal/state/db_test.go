package state

import (
	"path/filepath"
	"testing"
	"time"

	"crewline/pkg/models"
)

// openTestDB opens a migrated database in a temp directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSnapshotInsertAndLatest(t *testing.T) {
	db := openTestDB(t)

	for seq := int64(1); seq <= 3; seq++ {
		snap := &Snapshot{
			WorkflowID:     "wf-1",
			State:          models.WorkflowStatusRunning,
			StateData:      map[string]any{"step": float64(seq)},
			CheckpointID:   "cp",
			SequenceNumber: seq,
			CreatedAt:      time.Now(),
		}
		if err := db.InsertSnapshot(snap); err != nil {
			t.Fatalf("insert seq %d: %v", seq, err)
		}
	}

	latest, err := db.LatestSnapshot("wf-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a snapshot")
	}
	if latest.SequenceNumber != 3 {
		t.Errorf("expected seq 3, got %d", latest.SequenceNumber)
	}
	if latest.StateData["step"] != float64(3) {
		t.Errorf("expected step 3, got %v", latest.StateData["step"])
	}

	missing, err := db.LatestSnapshot("absent")
	if err != nil {
		t.Fatalf("latest absent: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for absent workflow")
	}
}

func TestLatestSnapshotsInStates(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	// wf-a ends running, wf-b ends completed, wf-c is running but stale.
	insert := func(wf string, seq int64, s models.WorkflowStatus, at time.Time) {
		t.Helper()
		err := db.InsertSnapshot(&Snapshot{
			WorkflowID: wf, State: s, CheckpointID: "cp",
			SequenceNumber: seq, CreatedAt: at,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	insert("wf-a", 1, models.WorkflowStatusCreated, now)
	insert("wf-a", 2, models.WorkflowStatusRunning, now)
	insert("wf-b", 1, models.WorkflowStatusRunning, now)
	insert("wf-b", 2, models.WorkflowStatusCompleted, now)
	insert("wf-c", 1, models.WorkflowStatusRunning, now.Add(-48*time.Hour))

	got, err := db.LatestSnapshotsInStates(recoverableStates, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 recoverable workflow, got %d", len(got))
	}
	if got[0].WorkflowID != "wf-a" || got[0].SequenceNumber != 2 {
		t.Errorf("expected wf-a seq 2, got %s seq %d", got[0].WorkflowID, got[0].SequenceNumber)
	}
}

func TestPurgeSnapshots(t *testing.T) {
	db := openTestDB(t)
	old := time.Now().Add(-48 * time.Hour)

	err := db.InsertSnapshot(&Snapshot{
		WorkflowID: "wf-done", State: models.WorkflowStatusCompleted,
		CheckpointID: "cp", SequenceNumber: 1, CreatedAt: old,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	err = db.InsertSnapshot(&Snapshot{
		WorkflowID: "wf-live", State: models.WorkflowStatusRunning,
		CheckpointID: "cp", SequenceNumber: 1, CreatedAt: old,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := db.PurgeSnapshots(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged workflow, got %d", n)
	}

	// The running workflow survives even though it is old.
	live, err := db.LatestSnapshot("wf-live")
	if err != nil || live == nil {
		t.Fatalf("expected wf-live to survive: %v", err)
	}
	gone, err := db.LatestSnapshot("wf-done")
	if err != nil {
		t.Fatalf("latest wf-done: %v", err)
	}
	if gone != nil {
		t.Error("expected wf-done to be purged")
	}
}

func TestAgentUpsertRoundTrip(t *testing.T) {
	db := openTestDB(t)

	a := &models.AgentInfo{
		Name:            "code_analyzer",
		Category:        "analysis",
		Capabilities:    []string{"code_analysis", "quality_review"},
		Status:          models.AgentStatusAvailable,
		CurrentWorkload: 1,
		MaxConcurrent:   3,
		Performance: models.PerformanceMetrics{
			SuccessRate:    0.92,
			AvgLatency:     45 * time.Second,
			TasksCompleted: 17,
		},
		LastSeen:     time.Now(),
		RegisteredAt: time.Now(),
	}

	if err := db.UpsertAgent(a); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := db.GetAgent("code_analyzer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent row")
	}
	if got.Category != "analysis" || len(got.Capabilities) != 2 {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.Performance.AvgLatency != 45*time.Second {
		t.Errorf("expected 45s latency, got %v", got.Performance.AvgLatency)
	}

	// Second upsert updates in place.
	a.Status = models.AgentStatusBusy
	if err := db.UpsertAgent(a); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = db.GetAgent("code_analyzer")
	if got.Status != models.AgentStatusBusy {
		t.Errorf("expected busy after upsert, got %s", got.Status)
	}
}

func TestAgentSoftDelete(t *testing.T) {
	db := openTestDB(t)

	a := &models.AgentInfo{
		Name: "temp", Category: "misc", Capabilities: []string{"x"},
		Status: models.AgentStatusAvailable, MaxConcurrent: 1,
		LastSeen: time.Now(), RegisteredAt: time.Now(),
	}
	if err := db.UpsertAgent(a); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.SoftDeleteAgent("temp"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	got, err := db.GetAgent("temp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Error("expected soft-deleted agent to be hidden")
	}

	// Re-registration revives the row.
	if err := db.UpsertAgent(a); err != nil {
		t.Fatalf("revive: %v", err)
	}
	got, _ = db.GetAgent("temp")
	if got == nil {
		t.Error("expected revived agent to be visible")
	}
}

func TestRequestUpsertRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	r := &models.DynamicAgentRequest{
		ID:              "req-1",
		RequestingAgent: "code_analyzer",
		WorkflowID:      "wf-1",
		Type:            models.RequestTypeSecurityAudit,
		Urgency:         models.RequestUrgencyCritical,
		Status:          models.RequestStatusPending,
		CreatedAt:       now,
		TimeoutAt:       now.Add(10 * time.Minute),
	}
	if err := db.UpsertRequest(r); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	r.Status = models.RequestStatusExecuting
	r.AssignedAgent = "security_auditor"
	if err := db.UpsertRequest(r); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := db.GetRequest("req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected request row")
	}
	if got.Status != models.RequestStatusExecuting || got.AssignedAgent != "security_auditor" {
		t.Errorf("unexpected request: %+v", got)
	}

	byWorkflow, err := db.ListRequestsByWorkflow("wf-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byWorkflow) != 1 {
		t.Errorf("expected 1 request, got %d", len(byWorkflow))
	}
}
