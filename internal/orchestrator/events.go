package orchestrator

import (
	"encoding/json"
	"time"
)

// EventType classifies an orchestrator event.
type EventType string

const (
	EventWorkflowCreated          EventType = "workflow_created"
	EventWorkflowStarted          EventType = "workflow_started"
	EventWorkflowPaused           EventType = "workflow_paused"
	EventWorkflowResumed          EventType = "workflow_resumed"
	EventWorkflowFinished         EventType = "workflow_finished"
	EventAssignmentDispatched     EventType = "assignment_dispatched"
	EventAssignmentCompleted      EventType = "assignment_completed"
	EventAssignmentFailed         EventType = "assignment_failed"
	EventAssignmentPauseRequested EventType = "assignment_pause_requested"
)

// eventBuffer sizes the event channel. Emission never blocks; when the
// consumer falls this far behind, events are dropped.
const eventBuffer = 256

// eventChannel is the cache pub/sub channel events are mirrored to.
const eventChannel = "orchestrator:events"

// Event is one observable orchestrator transition.
type Event struct {
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	AgentName  string         `json:"agent_name,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Events exposes the orchestrator event stream. The channel is buffered
// and never closed; slow consumers lose events rather than stall loops.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// emit publishes an event without blocking, mirroring it onto the cache
// pub/sub channel for out-of-process observers.
func (o *Orchestrator) emit(e Event) {
	e.Timestamp = time.Now()

	select {
	case o.events <- e:
	default:
		debugLog("[orchestrator] event buffer full, dropped %s", e.Type)
	}

	if payload, err := json.Marshal(e); err == nil {
		o.cache.Publish(eventChannel, payload)
	}
}
