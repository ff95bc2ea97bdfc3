package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"crewline/pkg/models"
)

// UpsertAgent writes an agent row keyed by name, clearing any soft delete.
func (db *DB) UpsertAgent(a *models.AgentInfo) error {
	capabilities, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO agent_registry (name, category, capabilities, status, current_workload, max_concurrent,
			success_rate, avg_latency_ms, tasks_completed, last_seen, registered_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(name) DO UPDATE SET
			category = excluded.category,
			capabilities = excluded.capabilities,
			status = excluded.status,
			current_workload = excluded.current_workload,
			max_concurrent = excluded.max_concurrent,
			success_rate = excluded.success_rate,
			avg_latency_ms = excluded.avg_latency_ms,
			tasks_completed = excluded.tasks_completed,
			last_seen = excluded.last_seen,
			deleted = 0
	`, a.Name, a.Category, string(capabilities), string(a.Status),
		a.CurrentWorkload, a.MaxConcurrent,
		a.Performance.SuccessRate, a.Performance.AvgLatency.Milliseconds(),
		a.Performance.TasksCompleted, formatTime(a.LastSeen), formatTime(a.RegisteredAt))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.Name, err)
	}
	return nil
}

// SoftDeleteAgent marks an agent row deleted without removing history.
func (db *DB) SoftDeleteAgent(name string) error {
	_, err := db.Exec(`UPDATE agent_registry SET deleted = 1 WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("soft delete agent %s: %w", name, err)
	}
	return nil
}

// ListAgents returns all non-deleted agent rows.
func (db *DB) ListAgents() ([]*models.AgentInfo, error) {
	rows, err := db.Query(`
		SELECT name, category, capabilities, status, current_workload, max_concurrent,
			success_rate, avg_latency_ms, tasks_completed, last_seen, registered_at
		FROM agent_registry
		WHERE deleted = 0
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.AgentInfo
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// GetAgent returns a non-deleted agent row by name, or nil if absent.
func (db *DB) GetAgent(name string) (*models.AgentInfo, error) {
	row := db.QueryRow(`
		SELECT name, category, capabilities, status, current_workload, max_concurrent,
			success_rate, avg_latency_ms, tasks_completed, last_seen, registered_at
		FROM agent_registry
		WHERE name = ? AND deleted = 0
	`, name)

	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", name, err)
	}
	return a, nil
}

func scanAgent(scan func(dest ...any) error) (*models.AgentInfo, error) {
	var a models.AgentInfo
	var capabilities, status, lastSeen, registeredAt string
	var avgLatencyMs int64

	if err := scan(&a.Name, &a.Category, &capabilities, &status,
		&a.CurrentWorkload, &a.MaxConcurrent,
		&a.Performance.SuccessRate, &avgLatencyMs, &a.Performance.TasksCompleted,
		&lastSeen, &registeredAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(capabilities), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	a.Status = models.AgentStatus(status)
	a.Performance.AvgLatency = time.Duration(avgLatencyMs) * time.Millisecond
	a.LastSeen, _ = parseTime(lastSeen)
	a.RegisteredAt, _ = parseTime(registeredAt)
	return &a, nil
}
