package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"crewline/pkg/models"
)

// UpsertRequest writes a dynamic request row keyed by id. The full request
// is serialized into the payload column; the indexed columns mirror the
// fields queried by status views.
func (db *DB) UpsertRequest(r *models.DynamicAgentRequest) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO dynamic_requests (id, requesting_agent, workflow_id, request_type, urgency, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, r.ID, r.RequestingAgent, r.WorkflowID, string(r.Type), string(r.Urgency),
		string(r.Status), string(payload), formatTime(r.CreatedAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert request %s: %w", r.ID, err)
	}
	return nil
}

// GetRequest returns a dynamic request row by id, or nil if absent.
func (db *DB) GetRequest(id string) (*models.DynamicAgentRequest, error) {
	row := db.QueryRow(`SELECT payload FROM dynamic_requests WHERE id = ?`, id)

	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}

	var r models.DynamicAgentRequest
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("unmarshal request %s: %w", id, err)
	}
	return &r, nil
}

// ListRequestsByWorkflow returns the dynamic requests issued from a workflow.
func (db *DB) ListRequestsByWorkflow(workflowID string) ([]*models.DynamicAgentRequest, error) {
	rows, err := db.Query(`
		SELECT payload FROM dynamic_requests WHERE workflow_id = ? ORDER BY created_at
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.DynamicAgentRequest
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		var r models.DynamicAgentRequest
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("unmarshal request: %w", err)
		}
		requests = append(requests, &r)
	}
	return requests, rows.Err()
}
