package orchestrator

import (
	"sort"
	"time"

	"crewline/pkg/models"
)

// metricsCacheKey is where the latest aggregate metrics snapshot lives.
const metricsCacheKey = "orchestrator:metrics"

// Analytics is the aggregate view over all in-memory workflows.
type Analytics struct {
	TotalWorkflows    int            `json:"total_workflows"`
	ByStatus          map[string]int `json:"by_status"`
	QueueLength       int            `json:"queue_length"`
	RunningWorkflows  int            `json:"running_workflows"`
	TotalAssignments  int            `json:"total_assignments"`
	ActiveAssignments int            `json:"active_assignments"`
	// AvgCompletion is the mean completion percentage across workflows.
	AvgCompletion float64   `json:"avg_completion"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// WorkflowStatusDetail summarizes one workflow for a status listing.
type WorkflowStatusDetail struct {
	WorkflowID string                `json:"workflow_id"`
	Name       string                `json:"name"`
	Type       string                `json:"type"`
	Status     models.WorkflowStatus `json:"status"`
	Completion float64               `json:"completion_percentage"`
	Assignments []AssignmentDetail   `json:"assignments"`
	CreatedAt  time.Time             `json:"created_at"`
	TimeoutAt  time.Time             `json:"timeout_at"`
	Error      string                `json:"error,omitempty"`
}

// AssignmentDetail summarizes one assignment for a status listing.
type AssignmentDetail struct {
	TaskID           string                  `json:"task_id"`
	AgentName        string                  `json:"agent_name"`
	Status           models.AssignmentStatus `json:"status"`
	Dependencies     []string                `json:"dependencies,omitempty"`
	ContextPackageID string                  `json:"context_package_id,omitempty"`
	Error            string                  `json:"error,omitempty"`
}

// GetWorkflowAnalytics recomputes the aggregate metrics across all
// in-memory workflows.
func (o *Orchestrator) GetWorkflowAnalytics() *Analytics {
	a := &Analytics{
		ByStatus:    make(map[string]int),
		GeneratedAt: time.Now(),
	}

	o.mu.Lock()
	a.TotalWorkflows = len(o.workflows)
	a.QueueLength = len(o.queue)
	var completionSum float64
	for _, w := range o.workflows {
		a.ByStatus[string(w.Status)]++
		if w.Status == models.WorkflowStatusRunning {
			a.RunningWorkflows++
		}
		a.TotalAssignments += len(w.Assignments)
		for _, assignment := range w.Assignments {
			if assignment.Status == models.AssignmentStatusRunning {
				a.ActiveAssignments++
			}
		}
		completionSum += w.CompletionPercentage()
	}
	if a.TotalWorkflows > 0 {
		a.AvgCompletion = completionSum / float64(a.TotalWorkflows)
	}
	o.mu.Unlock()

	return a
}

// GetDetailedStatus returns per-workflow summaries sorted by creation
// time, oldest first.
func (o *Orchestrator) GetDetailedStatus() []WorkflowStatusDetail {
	o.mu.Lock()
	out := make([]WorkflowStatusDetail, 0, len(o.workflows))
	for _, w := range o.workflows {
		detail := WorkflowStatusDetail{
			WorkflowID: w.ID,
			Name:       w.Name,
			Type:       w.Type,
			Status:     w.Status,
			Completion: w.CompletionPercentage(),
			CreatedAt:  w.CreatedAt,
			TimeoutAt:  w.TimeoutAt,
			Error:      w.Error,
		}
		for _, taskID := range w.TaskOrder {
			a := w.Assignments[taskID]
			detail.Assignments = append(detail.Assignments, AssignmentDetail{
				TaskID:           a.TaskID,
				AgentName:        a.AgentName,
				Status:           a.Status,
				Dependencies:     a.Dependencies,
				ContextPackageID: a.ContextPackageID,
				Error:            a.Error,
			})
		}
		out = append(out, detail)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// publishMetrics caches the latest analytics snapshot for observers.
func (o *Orchestrator) publishMetrics() {
	if err := o.cache.SetJSON(metricsCacheKey, o.GetWorkflowAnalytics(), 0); err != nil {
		debugLog("[orchestrator] metrics publish failed: %v", err)
	}
}
