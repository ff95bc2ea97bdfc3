package state

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewline/internal/cache"
	"crewline/pkg/models"
)

// ErrPersistence indicates a write reached memory and cache but not the
// durable store. Callers should retry or treat the workflow as at-risk.
var ErrPersistence = errors.New("state: durable write failed")

// ErrWorkflowNotFound indicates no state exists for the workflow id.
var ErrWorkflowNotFound = errors.New("state: workflow not found")

// recoverableStates are the states scanned during startup recovery.
var recoverableStates = []models.WorkflowStatus{
	models.WorkflowStatusRunning,
	models.WorkflowStatusQueued,
	models.WorkflowStatusPaused,
}

// cacheKey returns the fast-cache key for a workflow's state.
func cacheKey(workflowID string) string {
	return "workflow_state:" + workflowID
}

// StatusView is a read-only summary of a workflow's persisted state.
type StatusView struct {
	WorkflowID     string                `json:"workflow_id"`
	State          models.WorkflowStatus `json:"state"`
	SequenceNumber int64                 `json:"sequence_number"`
	CheckpointID   string                `json:"checkpoint_id"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Persisted      bool                  `json:"persisted"`
}

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	// Recovered lists workflow ids restored to memory.
	Recovered []string
	// Failed maps workflow ids to the error that blocked their recovery.
	Failed map[string]error
	// Elapsed is how long the pass took.
	Elapsed time.Duration
}

// Manager is the durable state machine for workflow executions. Every
// update increments the workflow's sequence number and writes through to
// the fast cache and the SQLite log; reads prefer the cache and fall back
// to the durable store.
type Manager struct {
	db    *DB
	cache *cache.Cache

	// mu guards the maps below.
	mu sync.Mutex
	// locks holds the per-workflow mutation locks.
	locks map[string]*sync.Mutex
	// latest holds the most recent snapshot per workflow id.
	latest map[string]*Snapshot
	// dirty tracks workflows whose latest snapshot has not reached the
	// durable store, for the checkpoint loop to retry.
	dirty map[string]bool
	// touched records the last mutation time per workflow id.
	touched map[string]time.Time
}

// NewManager creates a Manager backed by the given store and cache.
func NewManager(db *DB, c *cache.Cache) *Manager {
	return &Manager{
		db:      db,
		cache:   c,
		locks:   make(map[string]*sync.Mutex),
		latest:  make(map[string]*Snapshot),
		dirty:   make(map[string]bool),
		touched: make(map[string]time.Time),
	}
}

// workflowLock returns the exclusive mutation lock for a workflow id.
func (m *Manager) workflowLock(workflowID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[workflowID] = l
	}
	return l
}

// Create writes the first snapshot for a workflow.
// Returns ErrPersistence (with the snapshot still usable) if the durable
// write failed; the state is then held in memory and cache only.
func (m *Manager) Create(workflowID string, initialState models.WorkflowStatus, data map[string]any) (*Snapshot, error) {
	l := m.workflowLock(workflowID)
	l.Lock()
	defer l.Unlock()

	return m.writeLocked(workflowID, initialState, data, nil, true)
}

// Update writes a new snapshot for a workflow. When persist is false the
// durable write is deferred to the checkpoint loop; memory and cache are
// always updated.
func (m *Manager) Update(workflowID string, newState models.WorkflowStatus, data map[string]any, persist bool) (*Snapshot, error) {
	l := m.workflowLock(workflowID)
	l.Lock()
	defer l.Unlock()

	return m.writeLocked(workflowID, newState, data, nil, persist)
}

// writeLocked builds and stores the next snapshot. Caller holds the
// workflow lock.
func (m *Manager) writeLocked(workflowID string, state models.WorkflowStatus, data map[string]any, recoveryMeta map[string]any, persist bool) (*Snapshot, error) {
	m.mu.Lock()
	prev := m.latest[workflowID]
	m.mu.Unlock()

	var seq int64 = 1
	if prev != nil {
		seq = prev.SequenceNumber + 1
	} else {
		// A restart may have lost the in-memory sequence; resume from the
		// durable log so sequence numbers stay strictly increasing.
		if durable, err := m.db.LatestSnapshot(workflowID); err == nil && durable != nil {
			seq = durable.SequenceNumber + 1
		}
	}

	snap := &Snapshot{
		WorkflowID:       workflowID,
		State:            state,
		StateData:        data,
		CheckpointID:     uuid.New().String()[:8],
		SequenceNumber:   seq,
		RecoveryMetadata: recoveryMeta,
		CreatedAt:        time.Now(),
		Persisted:        false,
	}

	var persistErr error
	if persist {
		if err := m.db.InsertSnapshot(snap); err != nil {
			persistErr = fmt.Errorf("%w: %v", ErrPersistence, err)
		} else {
			snap.Persisted = true
		}
	}

	m.mu.Lock()
	m.latest[workflowID] = snap
	m.dirty[workflowID] = !snap.Persisted
	m.touched[workflowID] = snap.CreatedAt
	m.mu.Unlock()

	if err := m.cache.SetJSON(cacheKey(workflowID), snap, 0); err != nil {
		debugLog("[state] cache write for %s failed: %v", workflowID, err)
	}

	return snap, persistErr
}

// Latest returns the most recent snapshot for a workflow: memory first,
// then cache, then the durable store.
func (m *Manager) Latest(workflowID string) (*Snapshot, error) {
	m.mu.Lock()
	snap := m.latest[workflowID]
	m.mu.Unlock()
	if snap != nil {
		return snap, nil
	}

	var cached Snapshot
	if err := m.cache.GetJSON(cacheKey(workflowID), &cached); err == nil {
		return &cached, nil
	}

	durable, err := m.db.LatestSnapshot(workflowID)
	if err != nil {
		return nil, err
	}
	if durable == nil {
		return nil, ErrWorkflowNotFound
	}
	return durable, nil
}

// Status returns a read-only status view for a workflow, or
// ErrWorkflowNotFound if no state exists anywhere.
func (m *Manager) Status(workflowID string) (*StatusView, error) {
	snap, err := m.Latest(workflowID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		WorkflowID:     snap.WorkflowID,
		State:          snap.State,
		SequenceNumber: snap.SequenceNumber,
		CheckpointID:   snap.CheckpointID,
		UpdatedAt:      snap.CreatedAt,
		Persisted:      snap.Persisted,
	}, nil
}

// Recover scans the durable store for workflows left in a non-terminal
// state (running, queued, paused) newer than maxAge, re-marks each as
// recovering with recovery metadata, and republishes it into memory and
// cache. A failure for one workflow does not abort recovery of the others.
// Running Recover twice in a row is a no-op the second time: recovered
// workflows are in the recovering state, which the scan does not match.
func (m *Manager) Recover(maxAge time.Duration) (*RecoveryReport, error) {
	start := time.Now()
	report := &RecoveryReport{Failed: make(map[string]error)}

	cutoff := start.Add(-maxAge)
	snapshots, err := m.db.LatestSnapshotsInStates(recoverableStates, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan recoverable workflows: %w", err)
	}

	for _, snap := range snapshots {
		if err := m.recoverOne(snap); err != nil {
			report.Failed[snap.WorkflowID] = err
			log.Printf("[state] recovery of workflow %s failed: %v", snap.WorkflowID, err)
			continue
		}
		report.Recovered = append(report.Recovered, snap.WorkflowID)
	}

	report.Elapsed = time.Since(start)
	log.Printf("[state] recovery pass: %d recovered, %d failed in %v",
		len(report.Recovered), len(report.Failed), report.Elapsed)
	return report, nil
}

// recoverOne republishes a single workflow's state as recovering.
func (m *Manager) recoverOne(snap *Snapshot) error {
	l := m.workflowLock(snap.WorkflowID)
	l.Lock()
	defer l.Unlock()

	// Seed memory with the authoritative durable snapshot so the new
	// sequence number continues from it.
	m.mu.Lock()
	if existing := m.latest[snap.WorkflowID]; existing == nil || existing.SequenceNumber < snap.SequenceNumber {
		m.latest[snap.WorkflowID] = snap
	}
	m.mu.Unlock()

	meta := map[string]any{
		"original_state":      string(snap.State),
		"recovery_started_at": time.Now().UTC().Format(time.RFC3339),
		"reason":              "process restart",
	}

	_, err := m.writeLocked(snap.WorkflowID, models.WorkflowStatusRecovering, snap.StateData, meta, true)
	return err
}

// Cleanup deletes state for terminal workflows older than retention.
// Returns the number of workflows purged.
func (m *Manager) Cleanup(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	n, err := m.db.PurgeSnapshots(cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	m.mu.Lock()
	for id, snap := range m.latest {
		if snap.State.IsTerminal() && snap.CreatedAt.Before(cutoff) {
			delete(m.latest, id)
			delete(m.locks, id)
			delete(m.dirty, id)
			delete(m.touched, id)
			m.cache.Delete(cacheKey(id))
		}
	}
	m.mu.Unlock()

	return n, nil
}

// RunCheckpointLoop re-persists any workflow whose latest snapshot has not
// reached the durable store, or that has not been touched for longer than
// interval. It blocks until ctx is cancelled. Process death therefore
// loses at most one interval of progress.
func (m *Manager) RunCheckpointLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkpointPass(interval)
		}
	}
}

// checkpointPass writes through every dirty or stale workflow.
func (m *Manager) checkpointPass(interval time.Duration) {
	now := time.Now()

	m.mu.Lock()
	var pending []string
	for id, snap := range m.latest {
		if snap.State.IsTerminal() && !m.dirty[id] {
			continue
		}
		if m.dirty[id] || now.Sub(m.touched[id]) >= interval {
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()

	for _, id := range pending {
		l := m.workflowLock(id)
		l.Lock()

		m.mu.Lock()
		snap := m.latest[id]
		dirty := m.dirty[id]
		m.mu.Unlock()

		if snap == nil {
			l.Unlock()
			continue
		}

		if dirty {
			// The snapshot itself never reached the store; retry it as-is.
			if err := m.db.InsertSnapshot(snap); err != nil {
				debugLog("[state] checkpoint retry for %s failed: %v", id, err)
				l.Unlock()
				continue
			}
			snap.Persisted = true
			m.mu.Lock()
			m.dirty[id] = false
			m.mu.Unlock()
			l.Unlock()
			continue
		}

		// Periodic checkpoint of an untouched workflow: append a fresh
		// snapshot so the durable log stays current.
		if _, err := m.writeLocked(id, snap.State, snap.StateData, snap.RecoveryMetadata, true); err != nil {
			debugLog("[state] periodic checkpoint for %s failed: %v", id, err)
		}
		l.Unlock()
	}
}

// FlushAll force-persists every in-memory workflow state. Used during
// graceful shutdown after loops have drained.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.latest))
	for id := range m.latest {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		l := m.workflowLock(id)
		l.Lock()

		m.mu.Lock()
		snap := m.latest[id]
		dirty := m.dirty[id]
		m.mu.Unlock()

		if snap != nil && dirty {
			if err := m.db.InsertSnapshot(snap); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("flush %s: %w", id, err)
				}
			} else {
				snap.Persisted = true
				m.mu.Lock()
				m.dirty[id] = false
				m.mu.Unlock()
			}
		}
		l.Unlock()
	}
	return firstErr
}
