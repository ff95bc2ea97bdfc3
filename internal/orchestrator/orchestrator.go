// Package orchestrator is the coordination bus of the engine: it creates
// workflows, builds execution plans, assigns agents, runs the dispatch
// loop, and detects completion and timeouts.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewline/internal/cache"
	"crewline/internal/config"
	"crewline/internal/contextpkg"
	"crewline/internal/graph"
	"crewline/internal/registry"
	"crewline/internal/state"
	"crewline/pkg/models"
)

// ErrValidation indicates a malformed workflow config. The workflow is
// rejected before any state is created.
var ErrValidation = errors.New("orchestrator: invalid workflow config")

// ErrUnknownAgent indicates a required agent is not registered.
var ErrUnknownAgent = errors.New("orchestrator: unknown agent")

// ErrWorkflowNotFound indicates the workflow id is not held in memory.
var ErrWorkflowNotFound = errors.New("orchestrator: workflow not found")

// ErrAssignmentNotFound indicates the task id does not exist in the workflow.
var ErrAssignmentNotFound = errors.New("orchestrator: assignment not found")

// ErrInvalidTransition indicates the workflow is not in a state that
// allows the requested operation.
var ErrInvalidTransition = errors.New("orchestrator: invalid state transition")

// WorkflowConfig is the caller-supplied description of a workflow.
type WorkflowConfig struct {
	// Type selects the workflow template.
	Type string `json:"workflow_type"`
	// Name is the human-readable workflow name.
	Name string `json:"name"`
	// RequiredAgents lists the agents that must each receive one assignment.
	RequiredAgents []string `json:"required_agents"`
	// AgentDependencies maps an agent to the agents whose tasks must
	// complete before its own task may start.
	AgentDependencies map[string][]string `json:"agent_dependencies,omitempty"`
	// Context carries workflow-level context shared by every assignment.
	Context map[string]any `json:"context,omitempty"`
	// Parameters carries free-form caller parameters.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Priority orders workflows for reporting; admission stays FIFO.
	Priority int `json:"priority,omitempty"`
	// Timeout overrides the default workflow timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	// ParentWorkflowID marks a dynamically spawned child workflow.
	ParentWorkflowID string `json:"parent_workflow_id,omitempty"`
	// RequestID links a child workflow to the originating dynamic request.
	RequestID string `json:"request_id,omitempty"`
}

// TaskSpec describes one extra assignment for AssignAgents.
type TaskSpec struct {
	AgentName    string   `json:"agent_name"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// CreateResult is returned from CreateWorkflow.
type CreateResult struct {
	WorkflowID  string                             `json:"workflow_id"`
	Assignments map[string]*models.AgentAssignment `json:"assignments"`
	Plan        *models.ExecutionPlan              `json:"plan"`
}

// Orchestrator owns every in-flight WorkflowExecution. All mutation goes
// through its methods; completed workflows are persisted and evicted.
type Orchestrator struct {
	cfg       config.EngineConfig
	states    *state.Manager
	agents    *registry.Registry
	generator *contextpkg.Generator
	tables    *config.Tables
	cache     *cache.Cache

	mu        sync.Mutex
	workflows map[string]*models.WorkflowExecution
	queue     []string // FIFO admission queue of workflow ids

	events chan Event
}

// New wires an Orchestrator from its collaborators.
func New(cfg config.EngineConfig, states *state.Manager, agents *registry.Registry, generator *contextpkg.Generator, tables *config.Tables, c *cache.Cache) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		states:    states,
		agents:    agents,
		generator: generator,
		tables:    tables,
		cache:     c,
		workflows: make(map[string]*models.WorkflowExecution),
		events:    make(chan Event, eventBuffer),
	}
}

// CreateWorkflow validates the config, builds an execution plan and one
// assignment per required agent, persists the new workflow, and enqueues
// it for admission. Validation failure is a hard rejection: no partial
// state is created.
func (o *Orchestrator) CreateWorkflow(cfg WorkflowConfig) (*CreateResult, error) {
	if err := o.validate(cfg); err != nil {
		return nil, err
	}

	now := time.Now()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultWorkflowTimeout
	}

	w := &models.WorkflowExecution{
		ID:               uuid.New().String()[:8],
		Type:             cfg.Type,
		Name:             cfg.Name,
		Status:           models.WorkflowStatusCreated,
		Context:          cfg.Context,
		Parameters:       cfg.Parameters,
		Assignments:      make(map[string]*models.AgentAssignment),
		Plan:             o.buildPlan(cfg),
		Priority:         cfg.Priority,
		ParentWorkflowID: cfg.ParentWorkflowID,
		RequestID:        cfg.RequestID,
		CreatedAt:        now,
		TimeoutAt:        now.Add(timeout),
	}

	taskByAgent := make(map[string]string, len(cfg.RequiredAgents))
	for _, agent := range cfg.RequiredAgents {
		taskID := uuid.New().String()[:8]
		taskByAgent[agent] = taskID
		w.Assignments[taskID] = &models.AgentAssignment{
			AgentName:  agent,
			TaskID:     taskID,
			WorkflowID: w.ID,
			Status:     models.AssignmentStatusAssigned,
			MaxRetries: o.cfg.MaxRetries,
		}
		w.TaskOrder = append(w.TaskOrder, taskID)
	}
	for agent, deps := range cfg.AgentDependencies {
		taskID, ok := taskByAgent[agent]
		if !ok {
			continue
		}
		for _, depAgent := range deps {
			if depTask, ok := taskByAgent[depAgent]; ok {
				w.Assignments[taskID].Dependencies = append(w.Assignments[taskID].Dependencies, depTask)
			}
		}
	}

	if _, err := o.states.Create(w.ID, models.WorkflowStatusCreated, workflowStateData(w)); err != nil {
		debugLog("[orchestrator] initial persist for %s degraded: %v", w.ID, err)
	}

	w.Status = models.WorkflowStatusQueued
	o.persist(w)

	o.mu.Lock()
	o.workflows[w.ID] = w
	o.queue = append(o.queue, w.ID)
	o.mu.Unlock()

	o.emit(Event{Type: EventWorkflowCreated, WorkflowID: w.ID, Data: map[string]any{
		"name": w.Name, "type": w.Type, "assignments": len(w.Assignments),
	}})

	for taskID, a := range w.Assignments {
		go o.generateContext(w, taskID, a.AgentName, nil)
	}

	return &CreateResult{
		WorkflowID:  w.ID,
		Assignments: copyAssignments(w.Assignments),
		Plan:        w.Plan,
	}, nil
}

// copyAssignments snapshots assignments for callers, so the dispatch
// loop's later mutations stay behind the orchestrator's lock.
func copyAssignments(in map[string]*models.AgentAssignment) map[string]*models.AgentAssignment {
	out := make(map[string]*models.AgentAssignment, len(in))
	for id, a := range in {
		cp := *a
		cp.Dependencies = append([]string(nil), a.Dependencies...)
		out[id] = &cp
	}
	return out
}

// validate checks required fields and agent existence before any state
// is created.
func (o *Orchestrator) validate(cfg WorkflowConfig) error {
	if cfg.Type == "" {
		return fmt.Errorf("%w: workflow_type required", ErrValidation)
	}
	if cfg.Name == "" {
		return fmt.Errorf("%w: name required", ErrValidation)
	}
	if len(cfg.RequiredAgents) == 0 {
		return fmt.Errorf("%w: required_agents must not be empty", ErrValidation)
	}
	for _, agent := range cfg.RequiredAgents {
		if !o.agents.Exists(agent) {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
		}
	}
	if _, err := graph.Build(cfg.RequiredAgents, cfg.AgentDependencies); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// buildPlan derives an execution plan from the workflow template and the
// static capability metadata of the required agents.
func (o *Orchestrator) buildPlan(cfg WorkflowConfig) *models.ExecutionPlan {
	plan := &models.ExecutionPlan{}

	if tpl, ok := o.tables.Template(cfg.Type); ok {
		plan.EstimatedDuration = tpl.EstimatedDuration
		for _, stage := range tpl.Stages {
			plan.Stages = append(plan.Stages, models.ExecutionStage{
				Name:     stage.Name,
				Agents:   stage.Agents,
				Parallel: stage.Parallel,
			})
		}
	}
	if len(plan.Stages) == 0 {
		// No template: derive stages from the dependency DAG, one stage
		// per depth level. validate already rejected bad graphs.
		if g, err := graph.Build(cfg.RequiredAgents, cfg.AgentDependencies); err == nil {
			for i, level := range g.Levels() {
				plan.Stages = append(plan.Stages, models.ExecutionStage{
					Name:     fmt.Sprintf("stage-%d", i+1),
					Agents:   level,
					Parallel: len(level) > 1,
				})
			}
		}
	}

	seen := map[string]struct{}{}
	var fallbackDuration time.Duration
	for _, agent := range cfg.RequiredAgents {
		capability, ok := o.tables.Agent(agent)
		if !ok {
			continue
		}
		fallbackDuration += capability.TypicalDuration
		for _, dep := range capability.Dependencies {
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			plan.Dependencies = append(plan.Dependencies, dep)
		}
	}
	if plan.EstimatedDuration == 0 {
		plan.EstimatedDuration = fallbackDuration
	}
	return plan
}

// generateContext builds a context package for one assignment and records
// its id. Failures are logged, not fatal: the assignment runs without a
// package.
func (o *Orchestrator) generateContext(w *models.WorkflowExecution, taskID, agent string, req *contextpkg.Requirements) {
	taskContext := map[string]any{
		"description": fmt.Sprintf("%s task for workflow %s", agent, w.Name),
	}
	for key, value := range w.Context {
		taskContext[key] = value
	}

	pkg, err := o.generator.Generate(agent, w.ID, taskContext, req)
	if err != nil {
		debugLog("[orchestrator] context generation for %s/%s failed: %v", w.ID, taskID, err)
		return
	}

	o.mu.Lock()
	if current, ok := o.workflows[w.ID]; ok {
		if a, ok := current.Assignments[taskID]; ok {
			a.ContextPackageID = pkg.ID
		}
	}
	o.mu.Unlock()
}

// AssignAgents adds assignments to an existing non-terminal workflow.
// Each task names an agent and optional dependency task ids.
func (o *Orchestrator) AssignAgents(workflowID string, tasks []TaskSpec, contextReq *contextpkg.Requirements) ([]string, error) {
	for _, task := range tasks {
		if !o.agents.Exists(task.AgentName) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, task.AgentName)
		}
	}

	o.mu.Lock()
	w, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return nil, ErrWorkflowNotFound
	}
	if w.Status.IsTerminal() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: workflow %s is %s", ErrInvalidTransition, workflowID, w.Status)
	}

	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		taskID := uuid.New().String()[:8]
		w.Assignments[taskID] = &models.AgentAssignment{
			AgentName:    task.AgentName,
			TaskID:       taskID,
			WorkflowID:   w.ID,
			Status:       models.AssignmentStatusAssigned,
			MaxRetries:   o.cfg.MaxRetries,
			Dependencies: task.Dependencies,
		}
		w.TaskOrder = append(w.TaskOrder, taskID)
		ids = append(ids, taskID)
	}
	o.mu.Unlock()

	o.persist(w)
	for i, task := range tasks {
		go o.generateContext(w, ids[i], task.AgentName, contextReq)
	}
	return ids, nil
}

// CompleteAssignment records a successful task result reported by an
// agent and updates the agent's performance history.
func (o *Orchestrator) CompleteAssignment(workflowID, taskID string, result map[string]any) error {
	return o.finishAssignment(workflowID, taskID, models.AssignmentStatusCompleted, result, "")
}

// FailAssignment records a task failure. Sibling assignments already
// dispatched keep running; dependents simply never become eligible.
func (o *Orchestrator) FailAssignment(workflowID, taskID, reason string) error {
	return o.finishAssignment(workflowID, taskID, models.AssignmentStatusFailed, nil, reason)
}

func (o *Orchestrator) finishAssignment(workflowID, taskID string, status models.AssignmentStatus, result map[string]any, reason string) error {
	o.mu.Lock()
	w, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return ErrWorkflowNotFound
	}
	a, ok := w.Assignments[taskID]
	if !ok {
		o.mu.Unlock()
		return ErrAssignmentNotFound
	}
	if a.IsComplete() {
		o.mu.Unlock()
		return fmt.Errorf("%w: assignment %s already %s", ErrInvalidTransition, taskID, a.Status)
	}

	now := time.Now()
	wasRunning := a.Status == models.AssignmentStatusRunning
	a.Status = status
	a.CompletedAt = &now
	a.Result = result
	a.Error = reason
	agent := a.AgentName
	var latency time.Duration
	if a.StartedAt != nil {
		latency = now.Sub(*a.StartedAt)
	}
	o.mu.Unlock()

	if wasRunning {
		if err := o.agents.RecordCompletion(agent, status == models.AssignmentStatusCompleted, latency); err != nil {
			debugLog("[orchestrator] record completion for %s failed: %v", agent, err)
		}
	}

	eventType := EventAssignmentCompleted
	if status != models.AssignmentStatusCompleted {
		eventType = EventAssignmentFailed
	}
	o.emit(Event{Type: eventType, WorkflowID: workflowID, TaskID: taskID, AgentName: agent, Data: map[string]any{
		"status": string(status), "error": reason,
	}})
	return nil
}

// PauseWorkflow stops dispatching for a running workflow. Running
// assignments are signalled best-effort through the event stream; they
// keep their status and report results on resume.
func (o *Orchestrator) PauseWorkflow(workflowID string, preserveState bool, reason string) error {
	o.mu.Lock()
	w, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return ErrWorkflowNotFound
	}
	if w.Status != models.WorkflowStatusRunning && w.Status != models.WorkflowStatusQueued {
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot pause %s workflow", ErrInvalidTransition, w.Status)
	}
	w.Status = models.WorkflowStatusPaused
	var running []string
	for taskID, a := range w.Assignments {
		if a.Status == models.AssignmentStatusRunning {
			running = append(running, taskID)
		}
	}
	o.mu.Unlock()

	for _, taskID := range running {
		o.emit(Event{Type: EventAssignmentPauseRequested, WorkflowID: workflowID, TaskID: taskID})
	}
	o.emit(Event{Type: EventWorkflowPaused, WorkflowID: workflowID, Data: map[string]any{"reason": reason}})

	if preserveState {
		o.persist(w)
	}
	return nil
}

// ResumeWorkflow re-admits a paused workflow. With regenerateContext the
// context packages are rebuilt, since paused time may have staled them.
func (o *Orchestrator) ResumeWorkflow(workflowID string, regenerateContext bool) error {
	o.mu.Lock()
	w, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return ErrWorkflowNotFound
	}
	if w.Status != models.WorkflowStatusPaused {
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot resume %s workflow", ErrInvalidTransition, w.Status)
	}
	w.Status = models.WorkflowStatusQueued
	o.queue = append(o.queue, w.ID)
	var pending []*models.AgentAssignment
	if regenerateContext {
		for _, a := range w.Assignments {
			if a.Status == models.AssignmentStatusAssigned {
				pending = append(pending, a)
			}
		}
	}
	o.mu.Unlock()

	o.persist(w)
	for _, a := range pending {
		go o.generateContext(w, a.TaskID, a.AgentName, &contextpkg.Requirements{PrioritizeRecent: true})
	}
	o.emit(Event{Type: EventWorkflowResumed, WorkflowID: workflowID})
	return nil
}

// CancelWorkflow terminates a non-terminal workflow.
func (o *Orchestrator) CancelWorkflow(workflowID, reason string) error {
	o.mu.Lock()
	w, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return ErrWorkflowNotFound
	}
	if w.Status.IsTerminal() {
		o.mu.Unlock()
		return fmt.Errorf("%w: workflow already %s", ErrInvalidTransition, w.Status)
	}
	o.finishLocked(w, models.WorkflowStatusCancelled, reason)
	o.mu.Unlock()

	o.retire(w)
	return nil
}

// Workflow returns the in-memory execution for an id.
func (o *Orchestrator) Workflow(workflowID string) (*models.WorkflowExecution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return w, nil
}

// WorkflowContext returns a copy of a workflow's shared context, safe
// to read without holding the orchestrator's lock.
func (o *Orchestrator) WorkflowContext(workflowID string) (map[string]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	out := make(map[string]any, len(w.Context))
	for k, v := range w.Context {
		out[k] = v
	}
	return out, nil
}

// EnrichContext folds integrated findings into a workflow's shared
// context, so context packages generated afterwards for its assignments
// include them. The enriched workflow is re-persisted.
func (o *Orchestrator) EnrichContext(workflowID string, updates map[string]any) error {
	o.mu.Lock()
	w, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return ErrWorkflowNotFound
	}
	if w.Context == nil {
		w.Context = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		w.Context[k] = v
	}
	o.mu.Unlock()

	o.persist(w)
	return nil
}

// finishLocked marks a workflow terminal and releases still-running
// agents. Caller holds o.mu.
func (o *Orchestrator) finishLocked(w *models.WorkflowExecution, status models.WorkflowStatus, reason string) {
	now := time.Now()
	w.Status = status
	w.CompletedAt = &now
	w.Error = reason
	for _, a := range w.Assignments {
		if a.Status == models.AssignmentStatusRunning {
			a.Status = models.AssignmentStatusTimeout
			a.CompletedAt = &now
			a.Error = "workflow terminated"
			go func(agent string) {
				if err := o.agents.RecordCompletion(agent, false, 0); err != nil {
					debugLog("[orchestrator] release agent %s failed: %v", agent, err)
				}
			}(a.AgentName)
		}
	}
}

// retire persists a terminal workflow and evicts it from memory.
func (o *Orchestrator) retire(w *models.WorkflowExecution) {
	o.persist(w)

	o.mu.Lock()
	delete(o.workflows, w.ID)
	o.mu.Unlock()

	o.emit(Event{Type: EventWorkflowFinished, WorkflowID: w.ID, Data: map[string]any{
		"status": string(w.Status), "error": w.Error,
	}})
}

// persist checkpoints a workflow's current state, best-effort.
func (o *Orchestrator) persist(w *models.WorkflowExecution) {
	if _, err := o.states.Update(w.ID, w.Status, workflowStateData(w), true); err != nil {
		debugLog("[orchestrator] persist for %s degraded: %v", w.ID, err)
	}
}

// workflowStateData serializes a workflow into a snapshot state-data map.
func workflowStateData(w *models.WorkflowExecution) map[string]any {
	raw, err := json.Marshal(w)
	if err != nil {
		return map[string]any{"id": w.ID, "status": string(w.Status)}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"id": w.ID, "status": string(w.Status)}
	}
	return out
}
