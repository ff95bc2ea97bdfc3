package orchestrator

import (
	"context"
	"time"

	"crewline/pkg/models"
)

// RunDispatchLoop drives the orchestrator: admission, dependency-gated
// dispatch, completion detection, timeout enforcement, and metrics. It
// blocks until ctx is cancelled. A panic in one pass is logged and the
// loop continues on the next tick.
func (o *Orchestrator) RunDispatchLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.safeDispatchPass(time.Now())
		}
	}
}

func (o *Orchestrator) safeDispatchPass(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			debugLog("[orchestrator] dispatch pass panicked: %v", r)
		}
	}()
	o.dispatchPass(now)
}

// dispatchPass runs one iteration of the coordination loop.
func (o *Orchestrator) dispatchPass(now time.Time) {
	o.promoteQueued()
	o.dispatchEligible(now)
	finished := o.reapWorkflows(now)
	for _, w := range finished {
		o.retire(w)
	}
	o.publishMetrics()
}

// promoteQueued admits queued workflows FIFO up to the concurrency cap.
func (o *Orchestrator) promoteQueued() {
	var promoted []string

	o.mu.Lock()
	running := 0
	for _, w := range o.workflows {
		if w.Status == models.WorkflowStatusRunning {
			running++
		}
	}
	for len(o.queue) > 0 && running < o.cfg.MaxConcurrentWorkflows {
		id := o.queue[0]
		o.queue = o.queue[1:]
		w, ok := o.workflows[id]
		if !ok || w.Status != models.WorkflowStatusQueued {
			// Paused or cancelled while waiting; drop the queue entry.
			continue
		}
		now := time.Now()
		w.Status = models.WorkflowStatusRunning
		w.StartedAt = &now
		running++
		promoted = append(promoted, id)
	}
	o.mu.Unlock()

	for _, id := range promoted {
		o.mu.Lock()
		w := o.workflows[id]
		o.mu.Unlock()
		if w != nil {
			o.persist(w)
			o.emit(Event{Type: EventWorkflowStarted, WorkflowID: id})
		}
	}
}

// dispatchEligible transitions every assignment whose dependencies are
// all successfully terminal from assigned to running. A dependent task
// never starts before its dependencies succeed.
func (o *Orchestrator) dispatchEligible(now time.Time) {
	type dispatched struct {
		workflowID string
		taskID     string
		agent      string
		pkg        string
	}
	var started []dispatched

	o.mu.Lock()
	for _, w := range o.workflows {
		if w.Status != models.WorkflowStatusRunning {
			continue
		}
		for _, taskID := range w.TaskOrder {
			a := w.Assignments[taskID]
			if a.Status != models.AssignmentStatusAssigned {
				continue
			}
			if !dependenciesSatisfied(w, a) {
				continue
			}
			startAt := now
			a.Status = models.AssignmentStatusRunning
			a.StartedAt = &startAt
			started = append(started, dispatched{w.ID, taskID, a.AgentName, a.ContextPackageID})
		}
	}
	o.mu.Unlock()

	for _, d := range started {
		if err := o.agents.AdjustWorkload(d.agent, +1); err != nil {
			debugLog("[orchestrator] workload bump for %s failed: %v", d.agent, err)
		}
		o.emit(Event{Type: EventAssignmentDispatched, WorkflowID: d.workflowID, TaskID: d.taskID, AgentName: d.agent, Data: map[string]any{
			"context_package_id": d.pkg,
		}})
	}
}

// dependenciesSatisfied reports whether every dependency task of an
// assignment is in a successful terminal state.
func dependenciesSatisfied(w *models.WorkflowExecution, a *models.AgentAssignment) bool {
	for _, depID := range a.Dependencies {
		dep, ok := w.Assignments[depID]
		if !ok || !dep.IsSuccessful() {
			return false
		}
	}
	return true
}

// reapWorkflows detects completion and enforces deadlines, returning the
// workflows that reached a terminal state this pass.
func (o *Orchestrator) reapWorkflows(now time.Time) []*models.WorkflowExecution {
	var finished []*models.WorkflowExecution

	o.mu.Lock()
	for _, w := range o.workflows {
		if w.Status.IsTerminal() {
			continue
		}

		// Deadline enforcement takes precedence, even with assignments
		// still running.
		if w.Status != models.WorkflowStatusPaused && w.Overdue(now) {
			o.finishLocked(w, models.WorkflowStatusFailed, "workflow timeout exceeded")
			finished = append(finished, w)
			continue
		}

		if w.Status != models.WorkflowStatusRunning || len(w.Assignments) == 0 {
			continue
		}
		if !w.AllAssignmentsTerminal() {
			continue
		}
		if w.AllAssignmentsSuccessful() {
			o.finishLocked(w, models.WorkflowStatusCompleted, "")
		} else {
			o.finishLocked(w, models.WorkflowStatusFailed, firstFailure(w))
		}
		finished = append(finished, w)
	}
	o.mu.Unlock()

	return finished
}

// firstFailure returns the error of the first failed assignment in task
// order, for the workflow-level error message.
func firstFailure(w *models.WorkflowExecution) string {
	for _, taskID := range w.TaskOrder {
		a := w.Assignments[taskID]
		if a.IsComplete() && !a.IsSuccessful() {
			if a.Error != "" {
				return "assignment " + taskID + ": " + a.Error
			}
			return "assignment " + taskID + " failed"
		}
	}
	return "assignment failure"
}
