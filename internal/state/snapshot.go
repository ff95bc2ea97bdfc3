package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"crewline/pkg/models"
)

// Snapshot is one durably persisted workflow state record.
// Sequence numbers for a workflow are strictly increasing; the row with the
// highest sequence number is authoritative.
type Snapshot struct {
	// WorkflowID identifies the workflow this snapshot belongs to.
	WorkflowID string `json:"workflow_id"`
	// State is the workflow status at snapshot time.
	State models.WorkflowStatus `json:"state"`
	// StateData is the opaque state payload.
	StateData map[string]any `json:"state_data,omitempty"`
	// CheckpointID uniquely identifies this snapshot.
	CheckpointID string `json:"checkpoint_id"`
	// SequenceNumber orders snapshots within a workflow.
	SequenceNumber int64 `json:"sequence_number"`
	// RecoveryMetadata is set on snapshots written during recovery.
	RecoveryMetadata map[string]any `json:"recovery_metadata,omitempty"`
	// CreatedAt is when the snapshot was written.
	CreatedAt time.Time `json:"created_at"`
	// Persisted reports whether the snapshot reached the durable store.
	// False means the write succeeded only in memory and cache.
	Persisted bool `json:"persisted"`
}

// InsertSnapshot appends a snapshot row to the workflow state log.
func (db *DB) InsertSnapshot(s *Snapshot) error {
	stateData, err := json.Marshal(s.StateData)
	if err != nil {
		return fmt.Errorf("marshal state data: %w", err)
	}
	var recoveryMeta []byte
	if s.RecoveryMetadata != nil {
		recoveryMeta, err = json.Marshal(s.RecoveryMetadata)
		if err != nil {
			return fmt.Errorf("marshal recovery metadata: %w", err)
		}
	}

	_, err = db.Exec(`
		INSERT INTO workflow_states (workflow_id, state, state_data, checkpoint_id, sequence_number, recovery_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.WorkflowID, string(s.State), string(stateData), s.CheckpointID,
		s.SequenceNumber, nullableString(recoveryMeta), formatTime(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the highest-sequence snapshot for a workflow,
// or nil if none exists.
func (db *DB) LatestSnapshot(workflowID string) (*Snapshot, error) {
	row := db.QueryRow(`
		SELECT workflow_id, state, state_data, checkpoint_id, sequence_number, recovery_metadata, created_at
		FROM workflow_states
		WHERE workflow_id = ?
		ORDER BY sequence_number DESC
		LIMIT 1
	`, workflowID)

	s, err := scanSnapshot(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return s, nil
}

// LatestSnapshotsInStates returns, for every workflow whose authoritative
// snapshot is in one of the given states and newer than cutoff, that
// highest-sequence snapshot.
func (db *DB) LatestSnapshotsInStates(states []models.WorkflowStatus, cutoff time.Time) ([]*Snapshot, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]any, 0, len(states)+1)
	for i, s := range states {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(s))
	}
	args = append(args, formatTime(cutoff))

	// The self-join picks the max-sequence row per workflow_id, then the
	// state and age filters apply to that authoritative row only.
	rows, err := db.Query(`
		SELECT ws.workflow_id, ws.state, ws.state_data, ws.checkpoint_id, ws.sequence_number, ws.recovery_metadata, ws.created_at
		FROM workflow_states ws
		JOIN (
			SELECT workflow_id, MAX(sequence_number) AS max_seq
			FROM workflow_states
			GROUP BY workflow_id
		) latest ON ws.workflow_id = latest.workflow_id AND ws.sequence_number = latest.max_seq
		WHERE ws.state IN (`+placeholders+`) AND ws.created_at > ?
		ORDER BY ws.workflow_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// PurgeSnapshots deletes snapshot rows for workflows whose authoritative
// snapshot is terminal and older than cutoff. Returns the number of
// workflows purged.
func (db *DB) PurgeSnapshots(cutoff time.Time) (int, error) {
	rows, err := db.Query(`
		SELECT ws.workflow_id
		FROM workflow_states ws
		JOIN (
			SELECT workflow_id, MAX(sequence_number) AS max_seq
			FROM workflow_states
			GROUP BY workflow_id
		) latest ON ws.workflow_id = latest.workflow_id AND ws.sequence_number = latest.max_seq
		WHERE ws.state IN ('completed', 'failed', 'cancelled') AND ws.created_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("query purgeable workflows: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := db.Exec(`DELETE FROM workflow_states WHERE workflow_id = ?`, id); err != nil {
			return 0, fmt.Errorf("purge workflow %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// scanSnapshot scans one snapshot row using the given scan function.
func scanSnapshot(scan func(dest ...any) error) (*Snapshot, error) {
	var s Snapshot
	var stateStr, stateData, createdAt string
	var recoveryMeta sql.NullString

	if err := scan(&s.WorkflowID, &stateStr, &stateData, &s.CheckpointID,
		&s.SequenceNumber, &recoveryMeta, &createdAt); err != nil {
		return nil, err
	}

	s.State = models.WorkflowStatus(stateStr)
	s.Persisted = true
	if stateData != "" {
		if err := json.Unmarshal([]byte(stateData), &s.StateData); err != nil {
			return nil, fmt.Errorf("unmarshal state data: %w", err)
		}
	}
	if recoveryMeta.Valid && recoveryMeta.String != "" {
		if err := json.Unmarshal([]byte(recoveryMeta.String), &s.RecoveryMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal recovery metadata: %w", err)
		}
	}
	s.CreatedAt, _ = parseTime(createdAt)
	return &s, nil
}

// nullableString converts a possibly empty byte slice to a nullable column value.
func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
