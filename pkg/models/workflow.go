package models

import "time"

// WorkflowStatus represents the current state of a workflow execution.
type WorkflowStatus string

const (
	// WorkflowStatusCreated indicates the workflow has been created but not started.
	WorkflowStatusCreated WorkflowStatus = "created"
	// WorkflowStatusQueued indicates the workflow is waiting for a free execution slot.
	WorkflowStatusQueued WorkflowStatus = "queued"
	// WorkflowStatusRunning indicates the workflow is executing.
	WorkflowStatusRunning WorkflowStatus = "running"
	// WorkflowStatusPaused indicates the workflow has been paused by a caller.
	WorkflowStatusPaused WorkflowStatus = "paused"
	// WorkflowStatusCompleted indicates every assignment finished successfully.
	WorkflowStatusCompleted WorkflowStatus = "completed"
	// WorkflowStatusFailed indicates at least one assignment failed or the deadline passed.
	WorkflowStatusFailed WorkflowStatus = "failed"
	// WorkflowStatusCancelled indicates the workflow was cancelled by a caller.
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
	// WorkflowStatusRecovering indicates the workflow was restored from the
	// durable store after a process restart and has not resumed yet.
	WorkflowStatusRecovering WorkflowStatus = "recovering"
)

// Valid returns true if the status is a known value.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusCreated, WorkflowStatusQueued, WorkflowStatusRunning,
		WorkflowStatusPaused, WorkflowStatusCompleted, WorkflowStatusFailed,
		WorkflowStatusCancelled, WorkflowStatusRecovering:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is a final state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionStage describes one stage of an execution plan.
type ExecutionStage struct {
	// Name identifies the stage.
	Name string `json:"name"`
	// Agents lists the agents that run during this stage.
	Agents []string `json:"agents"`
	// Parallel indicates whether the stage's agents may run concurrently.
	Parallel bool `json:"parallel"`
}

// ExecutionPlan describes how a workflow's assignments are expected to run.
// It is advisory: the dispatch loop enforces only the dependency lists on
// the assignments themselves.
type ExecutionPlan struct {
	// EstimatedDuration is the expected wall-clock duration of the workflow.
	EstimatedDuration time.Duration `json:"estimated_duration"`
	// Stages are the ordered stage hints derived from the workflow template.
	Stages []ExecutionStage `json:"stages"`
	// Dependencies aggregates the resource dependencies declared by the
	// required agents in the static capability table.
	Dependencies []string `json:"dependencies,omitempty"`
}

// WorkflowExecution represents one workflow run owned by the orchestrator.
// It is mutated only through orchestrator methods and evicted from memory
// once it reaches a terminal status and has been persisted.
type WorkflowExecution struct {
	// ID is the unique identifier for this workflow.
	ID string `json:"id"`
	// Type is the workflow type used to look up the execution template.
	Type string `json:"type"`
	// Name is the human-readable workflow name.
	Name string `json:"name"`
	// Status is the current state of the workflow.
	Status WorkflowStatus `json:"status"`
	// Context carries workflow-level context shared by all assignments.
	Context map[string]any `json:"context,omitempty"`
	// Parameters carries caller-supplied parameters.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Assignments maps task IDs to agent assignments, in creation order.
	Assignments map[string]*AgentAssignment `json:"assignments"`
	// TaskOrder preserves the creation order of assignment task IDs.
	TaskOrder []string `json:"task_order"`
	// Plan is the execution plan built at creation time.
	Plan *ExecutionPlan `json:"plan,omitempty"`
	// Priority orders workflows in the admission queue (higher first).
	Priority int `json:"priority"`
	// ParentWorkflowID links a dynamically spawned child to its parent.
	ParentWorkflowID string `json:"parent_workflow_id,omitempty"`
	// RequestID links a dynamically spawned child to the originating request.
	RequestID string `json:"request_id,omitempty"`
	// CreatedAt is when the workflow was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the workflow transitioned to running, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the workflow reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// TimeoutAt is the absolute deadline for the workflow.
	TimeoutAt time.Time `json:"timeout_at"`
	// Error holds the failure reason for failed workflows.
	Error string `json:"error,omitempty"`
}

// CompletionPercentage returns the share of assignments in a terminal state,
// in [0,100]. It is recomputed on every call, never cached.
func (w *WorkflowExecution) CompletionPercentage() float64 {
	if len(w.Assignments) == 0 {
		return 0
	}
	terminal := 0
	for _, a := range w.Assignments {
		if a.IsComplete() {
			terminal++
		}
	}
	return float64(terminal) / float64(len(w.Assignments)) * 100
}

// AllAssignmentsTerminal returns true if every assignment reached a final state.
func (w *WorkflowExecution) AllAssignmentsTerminal() bool {
	for _, a := range w.Assignments {
		if !a.IsComplete() {
			return false
		}
	}
	return true
}

// AllAssignmentsSuccessful returns true if every assignment completed successfully.
func (w *WorkflowExecution) AllAssignmentsSuccessful() bool {
	for _, a := range w.Assignments {
		if !a.IsSuccessful() {
			return false
		}
	}
	return true
}

// Overdue returns true if the workflow deadline has passed at the given time.
func (w *WorkflowExecution) Overdue(now time.Time) bool {
	return !w.TimeoutAt.IsZero() && now.After(w.TimeoutAt)
}
