package dynamic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewline/internal/config"
	"crewline/internal/contextpkg"
	"crewline/internal/integration"
	"crewline/internal/orchestrator"
	"crewline/internal/state"
	"crewline/pkg/models"
)

// ErrRequestNotFound indicates an unknown request id.
var ErrRequestNotFound = errors.New("dynamic: request not found")

// ErrInvalidRequest indicates a malformed create call.
var ErrInvalidRequest = errors.New("dynamic: invalid request")

// childWorkflowType is the workflow type used for spawned responders.
const childWorkflowType = "dynamic_request"

// Handler owns the dynamic request pipeline: gap-driven request
// creation, responder selection, child workflow execution, and context
// reintegration.
type Handler struct {
	cfg          config.RequestsConfig
	selector     *Selector
	generator    *contextpkg.Generator
	orchestrator *orchestrator.Orchestrator
	states       *state.Manager
	db           *state.DB

	mu       sync.Mutex
	requests map[string]*models.DynamicAgentRequest
}

// NewHandler wires a Handler from its collaborators.
func NewHandler(cfg config.RequestsConfig, selector *Selector, generator *contextpkg.Generator, orch *orchestrator.Orchestrator, states *state.Manager, db *state.DB) *Handler {
	return &Handler{
		cfg:          cfg,
		selector:     selector,
		generator:    generator,
		orchestrator: orch,
		states:       states,
		db:           db,
		requests:     make(map[string]*models.DynamicAgentRequest),
	}
}

// CreateAgentRequest registers a new dynamic request and returns its id.
// The request is processed asynchronously by the processing loop.
func (h *Handler) CreateAgentRequest(requestingAgent, workflowID string, reqType models.RequestType, description string, urgency models.RequestUrgency, expertise []string, contextReqs map[string]any) (string, error) {
	if requestingAgent == "" || workflowID == "" {
		return "", fmt.Errorf("%w: requesting agent and workflow required", ErrInvalidRequest)
	}
	if !reqType.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, reqType)
	}
	if urgency == "" {
		urgency = models.RequestUrgencyMedium
	}

	now := time.Now()
	req := &models.DynamicAgentRequest{
		ID:                  uuid.New().String()[:8],
		RequestingAgent:     requestingAgent,
		WorkflowID:          workflowID,
		Type:                reqType,
		Description:         description,
		Urgency:             urgency,
		Status:              models.RequestStatusPending,
		RequiredExpertise:   expertise,
		ContextRequirements: contextReqs,
		CreatedAt:           now,
		TimeoutAt:           now.Add(h.cfg.DefaultTimeout),
	}

	h.mu.Lock()
	h.requests[req.ID] = req
	h.mu.Unlock()

	h.persist(req)
	debugLog("[dynamic] request %s created (%s, %s) by %s", req.ID, reqType, urgency, requestingAgent)
	return req.ID, nil
}

// AutoCreateRequestsForGaps converts detected gaps into one request per
// gap, typed and prioritized from the gap's classification.
func (h *Handler) AutoCreateRequestsForGaps(requestingAgent, workflowID string, gaps []models.InformationGap) ([]string, error) {
	ids := make([]string, 0, len(gaps))
	for _, gap := range gaps {
		id, err := h.CreateAgentRequest(
			requestingAgent,
			workflowID,
			requestTypeForGap(gap.Type),
			gap.Description,
			urgencyForSeverity(gap.Severity),
			gap.SuggestedExpertise,
			nil,
		)
		if err != nil {
			return ids, err
		}

		h.mu.Lock()
		h.requests[id].Gaps = append(h.requests[id].Gaps, gap)
		h.mu.Unlock()

		ids = append(ids, id)
	}
	return ids, nil
}

// Status returns the pipeline status of a request.
func (h *Handler) Status(requestID string) (models.RequestStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.requests[requestID]
	if !ok {
		return "", ErrRequestNotFound
	}
	return req.Status, nil
}

// Result returns a copy of a request, including its response payload
// once completed.
func (h *Handler) Result(requestID string) (*models.DynamicAgentRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

// RunProcessLoop drives the request pipeline until ctx is cancelled.
// Each tick enforces timeouts, polls executing child workflows, and
// advances pending requests in priority order.
func (h *Handler) RunProcessLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.processPass(time.Now())
		}
	}
}

// processPass runs one pipeline iteration.
func (h *Handler) processPass(now time.Time) {
	h.enforceTimeouts(now)
	h.pollExecuting()

	for _, id := range h.pendingByPriority(now) {
		h.advance(id)
	}
}

// pendingByPriority returns pending request ids ordered by priority
// score at the given time, highest first.
func (h *Handler) pendingByPriority(now time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var pending []*models.DynamicAgentRequest
	for _, req := range h.requests {
		if req.Status == models.RequestStatusPending {
			pending = append(pending, req)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].PriorityScore(now) > pending[j].PriorityScore(now)
	})

	ids := make([]string, len(pending))
	for i, req := range pending {
		ids[i] = req.ID
	}
	return ids
}

// advance walks one request from pending through agent selection,
// context generation, and child workflow spawn. Every stage transition
// is persisted.
func (h *Handler) advance(requestID string) {
	h.setStatus(requestID, models.RequestStatusAnalyzing)

	h.mu.Lock()
	req, ok := h.requests[requestID]
	if !ok {
		h.mu.Unlock()
		return
	}
	snapshot := *req
	h.mu.Unlock()

	responder := h.selector.Select(&snapshot)
	if responder == nil {
		h.reject(requestID, "no agent available for "+string(snapshot.Type))
		return
	}

	h.mu.Lock()
	req.AssignedAgent = responder.Name
	h.mu.Unlock()
	h.setStatus(requestID, models.RequestStatusAgentSelected)

	pkg := h.generateRequestContext(&snapshot, responder.Name)
	h.setStatus(requestID, models.RequestStatusContextGenerated)

	childCtx := map[string]any{
		"request_id":       snapshot.ID,
		"requesting_agent": snapshot.RequestingAgent,
		"description":      snapshot.Description,
	}
	if pkg != nil {
		childCtx["context_package_id"] = pkg.ID
	}

	res, err := h.orchestrator.CreateWorkflow(orchestrator.WorkflowConfig{
		Type:             childWorkflowType,
		Name:             fmt.Sprintf("request %s (%s)", snapshot.ID, snapshot.Type),
		RequiredAgents:   []string{responder.Name},
		Context:          childCtx,
		ParentWorkflowID: snapshot.WorkflowID,
		RequestID:        snapshot.ID,
		Timeout:          time.Until(snapshot.TimeoutAt),
	})
	if err != nil {
		h.fail(requestID, "spawn child workflow: "+err.Error())
		return
	}

	h.mu.Lock()
	req.ChildWorkflowID = res.WorkflowID
	req.Status = models.RequestStatusExecuting
	snapshot = *req
	h.mu.Unlock()
	h.persist(&snapshot)

	debugLog("[dynamic] request %s executing via workflow %s on %s", requestID, res.WorkflowID, responder.Name)
}

// generateRequestContext builds a specialized context package bundling
// the gap list and the parent workflow's context. Best-effort: the
// responder can run without one.
func (h *Handler) generateRequestContext(req *models.DynamicAgentRequest, responder string) *contextpkg.Package {
	taskContext := map[string]any{
		"description": req.Description,
	}
	if len(req.Gaps) > 0 {
		gaps := make([]any, 0, len(req.Gaps))
		for _, g := range req.Gaps {
			gaps = append(gaps, map[string]any{
				"type":        string(g.Type),
				"description": g.Description,
				"severity":    string(g.Severity),
			})
		}
		taskContext["context"] = map[string]any{"information_gaps": gaps}
	}
	if parentCtx, err := h.orchestrator.WorkflowContext(req.WorkflowID); err == nil {
		for key, value := range parentCtx {
			if _, taken := taskContext[key]; !taken {
				taskContext[key] = value
			}
		}
	}

	var reqs *contextpkg.Requirements
	if len(req.ContextRequirements) > 0 {
		reqs = &contextpkg.Requirements{}
		if v, ok := req.ContextRequirements["max_tokens"].(int); ok {
			reqs.MaxTokens = v
		}
		if v, ok := req.ContextRequirements["compression_level"].(string); ok {
			reqs.Compression = contextpkg.CompressionLevel(v)
		}
	}

	pkg, err := h.generator.Generate(responder, req.WorkflowID, taskContext, reqs)
	if err != nil {
		debugLog("[dynamic] context generation for request %s failed: %v", req.ID, err)
		return nil
	}
	return pkg
}

// pollExecuting checks every executing request's child workflow and
// completes or fails the request accordingly.
func (h *Handler) pollExecuting() {
	h.mu.Lock()
	var executing []*models.DynamicAgentRequest
	for _, req := range h.requests {
		if req.Status == models.RequestStatusExecuting && req.ChildWorkflowID != "" {
			cp := *req
			executing = append(executing, &cp)
		}
	}
	h.mu.Unlock()

	for _, req := range executing {
		snap, err := h.states.Latest(req.ChildWorkflowID)
		if err != nil {
			debugLog("[dynamic] child %s of request %s unreadable: %v", req.ChildWorkflowID, req.ID, err)
			continue
		}
		switch snap.State {
		case models.WorkflowStatusCompleted:
			h.completeFromChild(req, snap)
		case models.WorkflowStatusFailed, models.WorkflowStatusCancelled:
			h.fail(req.ID, "child workflow "+string(snap.State))
		}
	}
}

// completeFromChild extracts the child workflow's findings, integrates
// them into the requester's context, and finishes the request.
func (h *Handler) completeFromChild(req *models.DynamicAgentRequest, snap *state.Snapshot) {
	findings := extractFindings(snap.StateData)

	original, err := h.orchestrator.WorkflowContext(req.WorkflowID)
	if err != nil {
		original = map[string]any{}
	}

	merged, analysis, confidence := integration.IntegrateSync(original, findings, integration.StrategyMerge)

	// Make the reintegrated findings visible to the parent's remaining
	// assignments, not just to the requester polling this request.
	if err := h.orchestrator.EnrichContext(req.WorkflowID, merged); err != nil {
		debugLog("[dynamic] parent %s context not enriched: %v", req.WorkflowID, err)
	}

	now := time.Now()
	h.mu.Lock()
	live, ok := h.requests[req.ID]
	if !ok || live.Status.IsTerminal() {
		h.mu.Unlock()
		return
	}
	live.Status = models.RequestStatusCompleted
	live.Response = merged
	live.Confidence = confidence
	live.CompletedAt = &now
	snapshot := *live
	h.mu.Unlock()

	h.persist(&snapshot)
	debugLog("[dynamic] request %s completed: %d gaps filled, confidence %.2f",
		req.ID, analysis.GapsFilled, confidence)
}

// enforceTimeouts fails overdue non-terminal requests and cancels their
// child workflows best-effort.
func (h *Handler) enforceTimeouts(now time.Time) {
	h.mu.Lock()
	var overdue []*models.DynamicAgentRequest
	for _, req := range h.requests {
		if !req.Status.IsTerminal() && req.Overdue(now) {
			cp := *req
			overdue = append(overdue, &cp)
		}
	}
	h.mu.Unlock()

	for _, req := range overdue {
		if req.ChildWorkflowID != "" {
			if err := h.orchestrator.CancelWorkflow(req.ChildWorkflowID, "request timeout"); err != nil {
				debugLog("[dynamic] cancel child %s failed: %v", req.ChildWorkflowID, err)
			}
		}
		h.fail(req.ID, "request timeout exceeded")
	}
}

// setStatus transitions a request and persists the new stage.
func (h *Handler) setStatus(requestID string, status models.RequestStatus) {
	h.mu.Lock()
	req, ok := h.requests[requestID]
	if !ok {
		h.mu.Unlock()
		return
	}
	req.Status = status
	snapshot := *req
	h.mu.Unlock()
	h.persist(&snapshot)
}

func (h *Handler) reject(requestID, reason string) {
	h.finish(requestID, models.RequestStatusRejected, reason)
}

func (h *Handler) fail(requestID, reason string) {
	h.finish(requestID, models.RequestStatusFailed, reason)
}

func (h *Handler) finish(requestID string, status models.RequestStatus, reason string) {
	now := time.Now()
	h.mu.Lock()
	req, ok := h.requests[requestID]
	if !ok || req.Status.IsTerminal() {
		h.mu.Unlock()
		return
	}
	req.Status = status
	req.Error = reason
	req.CompletedAt = &now
	snapshot := *req
	h.mu.Unlock()

	h.persist(&snapshot)
	debugLog("[dynamic] request %s %s: %s", requestID, status, reason)
}

// persist upserts the request into the audit table, best-effort.
func (h *Handler) persist(req *models.DynamicAgentRequest) {
	if err := h.db.UpsertRequest(req); err != nil {
		debugLog("[dynamic] audit write for %s failed: %v", req.ID, err)
	}
}

// extractFindings flattens the assignment results out of a child
// workflow's final state snapshot.
func extractFindings(stateData map[string]any) map[string]any {
	out := map[string]any{}
	assignments, ok := stateData["assignments"].(map[string]any)
	if !ok {
		return out
	}
	for _, value := range assignments {
		assignment, ok := value.(map[string]any)
		if !ok {
			continue
		}
		result, ok := assignment["result"].(map[string]any)
		if !ok {
			continue
		}
		for key, v := range result {
			out[key] = v
		}
	}
	return out
}
