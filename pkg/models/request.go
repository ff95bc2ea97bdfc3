package models

import "time"

// GapType classifies an information gap detected during agent execution.
type GapType string

const (
	// GapTypeMissingDependency indicates a required component or service is absent.
	GapTypeMissingDependency GapType = "missing_dependency"
	// GapTypeInsufficientExpertise indicates the agent lacks required expertise.
	GapTypeInsufficientExpertise GapType = "insufficient_expertise"
	// GapTypeSecurityConcern indicates a potential security issue was detected.
	GapTypeSecurityConcern GapType = "security_concern"
	// GapTypePerformanceImpact indicates a potential performance problem.
	GapTypePerformanceImpact GapType = "performance_impact"
	// GapTypeIncompleteContext indicates a required context category is missing.
	GapTypeIncompleteContext GapType = "incomplete_context"
	// GapTypeDataLossRisk indicates a risk of data loss.
	GapTypeDataLossRisk GapType = "data_loss_risk"
	// GapTypeSystemFailure indicates a risk of system failure.
	GapTypeSystemFailure GapType = "system_failure"
)

// GapSeverity ranks how serious an information gap is.
type GapSeverity string

const (
	GapSeverityLow      GapSeverity = "low"
	GapSeverityMedium   GapSeverity = "medium"
	GapSeverityHigh     GapSeverity = "high"
	GapSeverityCritical GapSeverity = "critical"
)

// severityWeights maps gap severities to base priority weights.
var severityWeights = map[GapSeverity]float64{
	GapSeverityLow:      1,
	GapSeverityMedium:   2,
	GapSeverityHigh:     4,
	GapSeverityCritical: 8,
}

// criticalGapTypes are gap types whose priority score is doubled regardless
// of severity.
var criticalGapTypes = map[GapType]bool{
	GapTypeSecurityConcern: true,
	GapTypeDataLossRisk:    true,
	GapTypeSystemFailure:   true,
}

// InformationGap is a detected deficiency in an agent's available context.
type InformationGap struct {
	// ID is the unique identifier for this gap.
	ID string `json:"id"`
	// Type classifies the gap.
	Type GapType `json:"type"`
	// Description is a free-text explanation of what is missing.
	Description string `json:"description"`
	// Severity ranks how serious the gap is.
	Severity GapSeverity `json:"severity"`
	// DetectedBy identifies the detector that found the gap.
	DetectedBy string `json:"detected_by"`
	// SuggestedExpertise lists expertise tags likely to fill the gap.
	SuggestedExpertise []string `json:"suggested_expertise,omitempty"`
	// DetectedAt is when the gap was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// PriorityScore ranks the gap. Severity drives the base weight; a fixed set
// of critical gap types (security, data loss, system failure) doubles it.
func (g *InformationGap) PriorityScore() float64 {
	score := severityWeights[g.Severity]
	if criticalGapTypes[g.Type] {
		score *= 2
	}
	return score
}

// RequestType classifies a dynamic agent request.
type RequestType string

const (
	RequestTypeExpertise     RequestType = "expertise"
	RequestTypeDependency    RequestType = "dependency_resolution"
	RequestTypeSecurityAudit RequestType = "security_audit"
	RequestTypePerformance   RequestType = "performance_review"
	RequestTypeContext       RequestType = "context_supplement"
)

// Valid returns true if the request type is a known value.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeExpertise, RequestTypeDependency, RequestTypeSecurityAudit,
		RequestTypePerformance, RequestTypeContext:
		return true
	default:
		return false
	}
}

// RequestUrgency ranks how urgently a dynamic request should be handled.
type RequestUrgency string

const (
	RequestUrgencyLow      RequestUrgency = "low"
	RequestUrgencyMedium   RequestUrgency = "medium"
	RequestUrgencyHigh     RequestUrgency = "high"
	RequestUrgencyCritical RequestUrgency = "critical"
)

// urgencyWeights maps request urgencies to base priority weights.
var urgencyWeights = map[RequestUrgency]float64{
	RequestUrgencyLow:      1,
	RequestUrgencyMedium:   3,
	RequestUrgencyHigh:     6,
	RequestUrgencyCritical: 10,
}

// RequestStatus tracks a dynamic request through its processing pipeline.
type RequestStatus string

const (
	RequestStatusPending          RequestStatus = "pending"
	RequestStatusAnalyzing        RequestStatus = "analyzing"
	RequestStatusAgentSelected    RequestStatus = "agent_selected"
	RequestStatusContextGenerated RequestStatus = "context_generated"
	RequestStatusExecuting        RequestStatus = "executing"
	RequestStatusCompleted        RequestStatus = "completed"
	RequestStatusFailed           RequestStatus = "failed"
	RequestStatusRejected         RequestStatus = "rejected"
)

// IsTerminal returns true if the status is a final state.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusRejected:
		return true
	default:
		return false
	}
}

// escalationThreshold is the fraction of the timeout window after which a
// pending request's priority is boosted.
const escalationThreshold = 0.8

// escalationBoost multiplies the priority score of requests close to timeout.
const escalationBoost = 1.5

// DynamicAgentRequest is a runtime-issued ask for a supplemental agent to
// fill one or more information gaps, executed as a child workflow.
type DynamicAgentRequest struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`
	// RequestingAgent is the agent that surfaced the gaps.
	RequestingAgent string `json:"requesting_agent"`
	// WorkflowID is the parent workflow the requesting agent runs in.
	WorkflowID string `json:"workflow_id"`
	// Type classifies the request.
	Type RequestType `json:"type"`
	// Description explains what is being asked for.
	Description string `json:"description"`
	// Urgency ranks how urgently the request should be handled.
	Urgency RequestUrgency `json:"urgency"`
	// Status tracks the request through the processing pipeline.
	Status RequestStatus `json:"status"`
	// Gaps are the information gaps this request should fill.
	Gaps []InformationGap `json:"gaps,omitempty"`
	// RequiredExpertise lists expertise tags the responder should have.
	RequiredExpertise []string `json:"required_expertise,omitempty"`
	// ContextRequirements tunes context generation for the responder.
	ContextRequirements map[string]any `json:"context_requirements,omitempty"`
	// AssignedAgent is the responder selected by the registry.
	AssignedAgent string `json:"assigned_agent,omitempty"`
	// ChildWorkflowID is the workflow spawned to execute the request.
	ChildWorkflowID string `json:"child_workflow_id,omitempty"`
	// Response holds the responder's findings once complete.
	Response map[string]any `json:"response,omitempty"`
	// Confidence scores the responder's findings, in [0,1].
	Confidence float64 `json:"confidence,omitempty"`
	// Error contains the failure reason for failed or rejected requests.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the request was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the request reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// TimeoutAt is the request's independent absolute deadline.
	TimeoutAt time.Time `json:"timeout_at"`
}

// PriorityScore ranks the request for processing at the given time.
// Urgency weight plus aggregated gap scores, boosted once 80% of the
// timeout window has elapsed.
func (r *DynamicAgentRequest) PriorityScore(now time.Time) float64 {
	score := urgencyWeights[r.Urgency]
	for i := range r.Gaps {
		score += r.Gaps[i].PriorityScore()
	}
	window := r.TimeoutAt.Sub(r.CreatedAt)
	if window > 0 {
		elapsed := now.Sub(r.CreatedAt)
		if float64(elapsed) >= escalationThreshold*float64(window) {
			score *= escalationBoost
		}
	}
	return score
}

// Overdue returns true if the request deadline has passed at the given time.
func (r *DynamicAgentRequest) Overdue(now time.Time) bool {
	return !r.TimeoutAt.IsZero() && now.After(r.TimeoutAt)
}
