package dynamic

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crewline/internal/cache"
	"crewline/internal/config"
	"crewline/internal/contextpkg"
	"crewline/internal/orchestrator"
	"crewline/internal/registry"
	"crewline/internal/state"
	"crewline/pkg/models"
)

// fullContext carries every required context category.
func fullContext() map[string]any {
	return map[string]any{
		"architecture":          "monolith",
		"dependencies":          []any{"libfoo"},
		"security_requirements": "none",
		"performance_targets":   "p99 < 100ms",
	}
}

func TestDetectInformationGapsPatterns(t *testing.T) {
	log := []string{
		"step 1 ok",
		"found a SQL injection vulnerability in the login handler",
		"build failed: module not found github.com/acme/libbar",
	}
	gaps := DetectInformationGaps("coder", fullContext(), log, nil)

	if len(gaps) != 2 {
		t.Fatalf("expected 2 gaps, got %d: %+v", len(gaps), gaps)
	}
	// Security gaps are critical and doubled, so they sort first.
	if gaps[0].Type != models.GapTypeSecurityConcern {
		t.Errorf("expected security gap first, got %s", gaps[0].Type)
	}
	if gaps[0].Severity != models.GapSeverityCritical {
		t.Errorf("expected critical severity, got %s", gaps[0].Severity)
	}
	if gaps[1].Type != models.GapTypeMissingDependency {
		t.Errorf("expected dependency gap second, got %s", gaps[1].Type)
	}
	if gaps[1].Severity != models.GapSeverityHigh {
		t.Errorf("expected high severity, got %s", gaps[1].Severity)
	}
	for _, g := range gaps {
		if g.DetectedBy != "coder" {
			t.Errorf("gap %s not attributed to coder", g.ID)
		}
		if len(g.SuggestedExpertise) == 0 {
			t.Errorf("gap %s has no suggested expertise", g.ID)
		}
	}
}

func TestDetectInformationGapsScansFindings(t *testing.T) {
	findings := map[string]any{
		"summary": "import path resolves, but the query is insecure",
		"count":   3,
	}
	gaps := DetectInformationGaps("coder", fullContext(), nil, findings)
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d", len(gaps))
	}
	if gaps[0].Type != models.GapTypeSecurityConcern {
		t.Errorf("expected security gap, got %s", gaps[0].Type)
	}
}

func TestDetectInformationGapsMissingCategories(t *testing.T) {
	ctx := fullContext()
	delete(ctx, "security_requirements")
	delete(ctx, "performance_targets")

	gaps := DetectInformationGaps("coder", ctx, nil, nil)
	if len(gaps) != 2 {
		t.Fatalf("expected 2 incomplete-context gaps, got %d", len(gaps))
	}
	for _, g := range gaps {
		if g.Type != models.GapTypeIncompleteContext {
			t.Errorf("expected incomplete_context, got %s", g.Type)
		}
		if !strings.Contains(g.Description, "missing required category") {
			t.Errorf("unexpected description %q", g.Description)
		}
	}
}

func TestDetectInformationGapsDedupes(t *testing.T) {
	line := "memory leak in the render loop"
	gaps := DetectInformationGaps("coder", fullContext(), []string{line, line, line}, nil)
	if len(gaps) != 1 {
		t.Fatalf("expected duplicates collapsed to 1 gap, got %d", len(gaps))
	}
}

func TestGapToRequestMappings(t *testing.T) {
	typeTests := []struct {
		gap  models.GapType
		want models.RequestType
	}{
		{models.GapTypeSecurityConcern, models.RequestTypeSecurityAudit},
		{models.GapTypeMissingDependency, models.RequestTypeDependency},
		{models.GapTypePerformanceImpact, models.RequestTypePerformance},
		{models.GapTypeInsufficientExpertise, models.RequestTypeExpertise},
		{models.GapTypeIncompleteContext, models.RequestTypeContext},
	}
	for _, tt := range typeTests {
		if got := requestTypeForGap(tt.gap); got != tt.want {
			t.Errorf("requestTypeForGap(%s) = %s, want %s", tt.gap, got, tt.want)
		}
	}

	urgencyTests := []struct {
		severity models.GapSeverity
		want     models.RequestUrgency
	}{
		{models.GapSeverityCritical, models.RequestUrgencyCritical},
		{models.GapSeverityHigh, models.RequestUrgencyHigh},
		{models.GapSeverityMedium, models.RequestUrgencyMedium},
		{models.GapSeverityLow, models.RequestUrgencyLow},
	}
	for _, tt := range urgencyTests {
		if got := urgencyForSeverity(tt.severity); got != tt.want {
			t.Errorf("urgencyForSeverity(%s) = %s, want %s", tt.severity, got, tt.want)
		}
	}
}

// harness bundles the wired engine components a handler test needs.
type harness struct {
	handler      *Handler
	orchestrator *orchestrator.Orchestrator
	states       *state.Manager
	agents       *registry.Registry
	db           *state.DB
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "dyn.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	c := cache.New(256, time.Minute)
	states := state.NewManager(db, c)
	agents := registry.New(db, c, 2*time.Minute)
	tables, err := config.LoadTables("")
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	generator := contextpkg.NewGenerator(c, 4000)
	orch := orchestrator.New(config.EngineConfig{
		MaxConcurrentWorkflows: 10,
		DispatchInterval:       time.Second,
		DefaultWorkflowTimeout: 30 * time.Minute,
	}, states, agents, generator, tables, c)

	h := NewHandler(config.RequestsConfig{
		ProcessInterval: time.Second,
		DefaultTimeout:  timeout,
	}, NewSelector(agents), generator, orch, states, db)

	return &harness{handler: h, orchestrator: orch, states: states, agents: agents, db: db}
}

func (hs *harness) register(t *testing.T, name string, capabilities ...string) {
	t.Helper()
	err := hs.agents.Register(&models.AgentInfo{
		Name:          name,
		Category:      "test",
		Capabilities:  capabilities,
		Status:        models.AgentStatusAvailable,
		MaxConcurrent: 3,
		Performance:   models.PerformanceMetrics{SuccessRate: 0.9, AvgLatency: 10 * time.Second},
	}, false)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestCreateAgentRequestValidation(t *testing.T) {
	hs := newHarness(t, 30*time.Minute)

	if _, err := hs.handler.CreateAgentRequest("", "wf", models.RequestTypeExpertise, "d", "", nil, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for empty agent, got %v", err)
	}
	if _, err := hs.handler.CreateAgentRequest("a1", "wf", "nonsense", "d", "", nil, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for bad type, got %v", err)
	}

	id, err := hs.handler.CreateAgentRequest("a1", "wf", models.RequestTypeExpertise, "d", "", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := hs.handler.Result(id)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if got.Urgency != models.RequestUrgencyMedium {
		t.Errorf("expected default medium urgency, got %s", got.Urgency)
	}
	if got.Status != models.RequestStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.TimeoutAt.Before(got.CreatedAt) {
		t.Error("timeout precedes creation")
	}

	// Creation is durably recorded.
	persisted, err := hs.db.GetRequest(id)
	if err != nil {
		t.Fatalf("get persisted request: %v", err)
	}
	if persisted.Status != models.RequestStatusPending {
		t.Errorf("persisted status = %s, want pending", persisted.Status)
	}
}

func TestStatusUnknownRequest(t *testing.T) {
	hs := newHarness(t, time.Minute)
	if _, err := hs.handler.Status("nope"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}
	if _, err := hs.handler.Result("nope"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestAutoCreateRequestsForGaps(t *testing.T) {
	hs := newHarness(t, 30*time.Minute)

	gaps := []models.InformationGap{
		{
			ID:                 "g1",
			Type:               models.GapTypeSecurityConcern,
			Description:        "token is logged in plaintext",
			Severity:           models.GapSeverityCritical,
			SuggestedExpertise: []string{"security_analysis"},
		},
		{
			ID:          "g2",
			Type:        models.GapTypeMissingDependency,
			Description: "libtls is not installed",
			Severity:    models.GapSeverityHigh,
		},
	}
	ids, err := hs.handler.AutoCreateRequestsForGaps("coder", "wf-1", gaps)
	if err != nil {
		t.Fatalf("auto create: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ids))
	}

	first, err := hs.handler.Result(ids[0])
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if first.Type != models.RequestTypeSecurityAudit {
		t.Errorf("expected security_audit, got %s", first.Type)
	}
	if first.Urgency != models.RequestUrgencyCritical {
		t.Errorf("expected critical urgency, got %s", first.Urgency)
	}
	if len(first.Gaps) != 1 || first.Gaps[0].ID != "g1" {
		t.Errorf("gap not attached to request: %+v", first.Gaps)
	}

	second, err := hs.handler.Result(ids[1])
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if second.Type != models.RequestTypeDependency || second.Urgency != models.RequestUrgencyHigh {
		t.Errorf("unexpected second request %s/%s", second.Type, second.Urgency)
	}
}

func TestProcessPassRejectsWithoutResponder(t *testing.T) {
	hs := newHarness(t, 30*time.Minute)
	// Only the requester is registered; nobody holds "consultation".
	hs.register(t, "coder", "coding")

	id, err := hs.handler.CreateAgentRequest("coder", "wf-1", models.RequestTypeExpertise, "how do I shard this", "", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	hs.handler.processPass(time.Now())

	got, _ := hs.handler.Result(id)
	if got.Status != models.RequestStatusRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "no agent available") {
		t.Errorf("unexpected reason %q", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("terminal request missing completion time")
	}
}

func TestProcessPassSpawnsChildWorkflow(t *testing.T) {
	hs := newHarness(t, 30*time.Minute)
	hs.register(t, "coder", "coding")
	hs.register(t, "auditor", "security_analysis")

	parent, err := hs.orchestrator.CreateWorkflow(orchestrator.WorkflowConfig{
		Type:           "feature",
		Name:           "login flow",
		RequiredAgents: []string{"coder"},
		Context:        map[string]any{"notes": "existing context"},
	})
	if err != nil {
		t.Fatalf("parent workflow: %v", err)
	}

	id, err := hs.handler.CreateAgentRequest("coder", parent.WorkflowID,
		models.RequestTypeSecurityAudit, "review token storage",
		models.RequestUrgencyHigh, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	hs.handler.processPass(time.Now())

	got, _ := hs.handler.Result(id)
	if got.Status != models.RequestStatusExecuting {
		t.Fatalf("expected executing, got %s", got.Status)
	}
	if got.AssignedAgent != "auditor" {
		t.Errorf("expected auditor assigned, got %q", got.AssignedAgent)
	}
	if got.ChildWorkflowID == "" {
		t.Fatal("no child workflow recorded")
	}

	child, err := hs.orchestrator.Workflow(got.ChildWorkflowID)
	if err != nil {
		t.Fatalf("child workflow: %v", err)
	}
	if child.ParentWorkflowID != parent.WorkflowID {
		t.Errorf("child parent = %q, want %q", child.ParentWorkflowID, parent.WorkflowID)
	}
	if child.RequestID != id {
		t.Errorf("child request id = %q, want %q", child.RequestID, id)
	}

	// Each stage transition was written to the audit table.
	persisted, err := hs.db.GetRequest(id)
	if err != nil {
		t.Fatalf("get persisted: %v", err)
	}
	if persisted.Status != models.RequestStatusExecuting {
		t.Errorf("persisted status = %s, want executing", persisted.Status)
	}
}

func TestProcessPassIntegratesChildFindings(t *testing.T) {
	hs := newHarness(t, 30*time.Minute)
	hs.register(t, "coder", "coding")
	hs.register(t, "auditor", "security_analysis")

	parent, err := hs.orchestrator.CreateWorkflow(orchestrator.WorkflowConfig{
		Type:           "feature",
		Name:           "login flow",
		RequiredAgents: []string{"coder"},
		Context:        map[string]any{"notes": "existing context"},
	})
	if err != nil {
		t.Fatalf("parent workflow: %v", err)
	}

	id, err := hs.handler.CreateAgentRequest("coder", parent.WorkflowID,
		models.RequestTypeSecurityAudit, "review token storage",
		models.RequestUrgencyHigh, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hs.handler.processPass(time.Now())

	got, _ := hs.handler.Result(id)
	if got.Status != models.RequestStatusExecuting {
		t.Fatalf("expected executing, got %s", got.Status)
	}

	// Simulate the child workflow finishing with findings.
	childState := map[string]any{
		"assignments": map[string]any{
			"task-1": map[string]any{
				"agent_name": "auditor",
				"status":     "completed",
				"result": map[string]any{
					"audit_result": "tokens should move to the keychain",
				},
			},
		},
	}
	if _, err := hs.states.Update(got.ChildWorkflowID, models.WorkflowStatusCompleted, childState, true); err != nil {
		t.Fatalf("complete child: %v", err)
	}

	hs.handler.processPass(time.Now())

	done, _ := hs.handler.Result(id)
	if done.Status != models.RequestStatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.CompletedAt == nil {
		t.Error("completed request missing completion time")
	}
	if done.Confidence <= 0 || done.Confidence > 1 {
		t.Errorf("confidence %v out of range", done.Confidence)
	}
	if done.Response["audit_result"] != "tokens should move to the keychain" {
		t.Errorf("findings missing from response: %+v", done.Response)
	}
	if done.Response["notes"] != "existing context" {
		t.Errorf("original context missing from response: %+v", done.Response)
	}

	// The parent workflow's context is enriched too, so packages built
	// for its remaining assignments see the findings.
	parentCtx, err := hs.orchestrator.WorkflowContext(parent.WorkflowID)
	if err != nil {
		t.Fatalf("parent context: %v", err)
	}
	if parentCtx["audit_result"] != "tokens should move to the keychain" {
		t.Errorf("parent context not enriched: %+v", parentCtx)
	}
	if parentCtx["notes"] != "existing context" {
		t.Errorf("parent context lost original keys: %+v", parentCtx)
	}
}

func TestProcessPassFailsOnChildFailure(t *testing.T) {
	hs := newHarness(t, 30*time.Minute)
	hs.register(t, "coder", "coding")
	hs.register(t, "resolver", "dependency_management")

	parent, err := hs.orchestrator.CreateWorkflow(orchestrator.WorkflowConfig{
		Type:           "feature",
		Name:           "deps",
		RequiredAgents: []string{"coder"},
	})
	if err != nil {
		t.Fatalf("parent workflow: %v", err)
	}

	id, err := hs.handler.CreateAgentRequest("coder", parent.WorkflowID,
		models.RequestTypeDependency, "resolve libfoo", "", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hs.handler.processPass(time.Now())

	got, _ := hs.handler.Result(id)
	if _, err := hs.states.Update(got.ChildWorkflowID, models.WorkflowStatusFailed, nil, true); err != nil {
		t.Fatalf("fail child: %v", err)
	}

	hs.handler.processPass(time.Now())

	done, _ := hs.handler.Result(id)
	if done.Status != models.RequestStatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if !strings.Contains(done.Error, "child workflow failed") {
		t.Errorf("unexpected reason %q", done.Error)
	}
}

func TestProcessPassEnforcesTimeout(t *testing.T) {
	hs := newHarness(t, 30*time.Minute)
	hs.register(t, "coder", "coding")

	id, err := hs.handler.CreateAgentRequest("coder", "wf-1",
		models.RequestTypeContext, "need architecture docs", "", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	hs.handler.processPass(time.Now().Add(time.Hour))

	got, _ := hs.handler.Result(id)
	if got.Status != models.RequestStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "timeout") {
		t.Errorf("unexpected reason %q", got.Error)
	}
}

func TestPendingProcessedInPriorityOrder(t *testing.T) {
	hs := newHarness(t, 30*time.Minute)
	hs.register(t, "coder", "coding")

	now := time.Now()
	lowID, err := hs.handler.CreateAgentRequest("coder", "wf-1",
		models.RequestTypeExpertise, "minor question", models.RequestUrgencyLow, nil, nil)
	if err != nil {
		t.Fatalf("create low: %v", err)
	}
	criticalID, err := hs.handler.CreateAgentRequest("coder", "wf-1",
		models.RequestTypeExpertise, "prod is down", models.RequestUrgencyCritical, nil, nil)
	if err != nil {
		t.Fatalf("create critical: %v", err)
	}

	order := hs.handler.pendingByPriority(now)
	if len(order) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(order))
	}
	if order[0] != criticalID || order[1] != lowID {
		t.Errorf("expected critical before low, got %v", order)
	}
}

func TestSelectorPicksCapableAvailableAgent(t *testing.T) {
	hs := newHarness(t, time.Minute)
	hs.register(t, "auditor-slow", "security_analysis")
	hs.register(t, "auditor-fast", "security_analysis")
	hs.register(t, "coder", "coding")

	// Make the slow auditor busy so the fast one wins on availability.
	if err := hs.agents.AdjustWorkload("auditor-slow", 3); err != nil {
		t.Fatalf("adjust workload: %v", err)
	}

	sel := NewSelector(hs.agents)
	got := sel.Select(&models.DynamicAgentRequest{
		Type:    models.RequestTypeSecurityAudit,
		Urgency: models.RequestUrgencyHigh,
	})
	if got == nil {
		t.Fatal("expected a responder")
	}
	if got.Name != "auditor-fast" {
		t.Errorf("expected auditor-fast, got %s", got.Name)
	}

	if sel.Select(&models.DynamicAgentRequest{Type: models.RequestTypePerformance}) != nil {
		t.Error("expected nil when no agent holds the capability")
	}
}

func TestSelectorHonorsRequiredExpertise(t *testing.T) {
	hs := newHarness(t, time.Minute)
	hs.register(t, "generalist", "consultation")
	hs.register(t, "db-expert", "consultation", "database_tuning")

	sel := NewSelector(hs.agents)
	got := sel.Select(&models.DynamicAgentRequest{
		Type:              models.RequestTypeExpertise,
		RequiredExpertise: []string{"database_tuning"},
	})
	if got == nil || got.Name != "db-expert" {
		t.Fatalf("expected db-expert, got %+v", got)
	}

	if sel.Select(&models.DynamicAgentRequest{
		Type:              models.RequestTypeExpertise,
		RequiredExpertise: []string{"kernel_debugging"},
	}) != nil {
		t.Error("expected nil when expertise cannot be met")
	}
}
