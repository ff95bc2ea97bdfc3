package models

import "time"

// AssignmentStatus represents the current state of an agent assignment.
type AssignmentStatus string

const (
	// AssignmentStatusAssigned indicates the assignment is waiting on dependencies or a slot.
	AssignmentStatusAssigned AssignmentStatus = "assigned"
	// AssignmentStatusRunning indicates the agent is executing the task.
	AssignmentStatusRunning AssignmentStatus = "running"
	// AssignmentStatusCompleted indicates the task completed successfully.
	AssignmentStatusCompleted AssignmentStatus = "completed"
	// AssignmentStatusFailed indicates the task failed.
	AssignmentStatusFailed AssignmentStatus = "failed"
	// AssignmentStatusTimeout indicates the task exceeded its deadline.
	AssignmentStatusTimeout AssignmentStatus = "timeout"
)

// Valid returns true if the status is a known value.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentStatusAssigned, AssignmentStatusRunning,
		AssignmentStatusCompleted, AssignmentStatusFailed, AssignmentStatusTimeout:
		return true
	default:
		return false
	}
}

// AgentAssignment binds one agent to one task within one workflow.
// It is owned by its parent WorkflowExecution.
type AgentAssignment struct {
	// AgentName is the name of the assigned agent.
	AgentName string `json:"agent_name"`
	// TaskID is the unique identifier for the task.
	TaskID string `json:"task_id"`
	// WorkflowID is the identifier of the owning workflow.
	WorkflowID string `json:"workflow_id"`
	// Status is the current state of the assignment.
	Status AssignmentStatus `json:"status"`
	// ContextPackageID references the generated context package, if any.
	ContextPackageID string `json:"context_package_id,omitempty"`
	// StartedAt is when the assignment transitioned to running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the assignment reached a final state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// RetryCount is the number of times this assignment has been retried.
	RetryCount int `json:"retry_count,omitempty"`
	// MaxRetries is the retry budget for this assignment.
	MaxRetries int `json:"max_retries,omitempty"`
	// Dependencies lists task IDs that must complete successfully first.
	Dependencies []string `json:"dependencies,omitempty"`
	// Result holds the agent's output payload for completed assignments.
	Result map[string]any `json:"result,omitempty"`
	// Error contains the failure reason if the assignment failed.
	Error string `json:"error,omitempty"`
}

// IsComplete returns true if the assignment reached a final state.
// Derived, never stored.
func (a *AgentAssignment) IsComplete() bool {
	switch a.Status {
	case AssignmentStatusCompleted, AssignmentStatusFailed, AssignmentStatusTimeout:
		return true
	default:
		return false
	}
}

// IsSuccessful returns true if the assignment completed successfully.
// Derived, never stored.
func (a *AgentAssignment) IsSuccessful() bool {
	return a.Status == AssignmentStatusCompleted
}

// CanRetry returns true if the assignment has retry budget remaining.
func (a *AgentAssignment) CanRetry() bool {
	return a.RetryCount < a.MaxRetries
}
