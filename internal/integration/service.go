// Package integration folds supplemental findings produced by a
// dynamically spawned agent back into the requesting agent's context,
// choosing a merge strategy from a key-by-key compatibility analysis.
package integration

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrIntegrationNotFound indicates an unknown integration id.
var ErrIntegrationNotFound = errors.New("integration: not found")

// ErrNotReady indicates the integration has not reached a terminal state.
var ErrNotReady = errors.New("integration: not ready")

// Status tracks an integration through its pipeline.
type Status string

const (
	StatusPending     Status = "pending"
	StatusAnalyzing   Status = "analyzing"
	StatusIntegrating Status = "integrating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Integration is one merge of new findings into an original context.
type Integration struct {
	ID              string         `json:"id"`
	RequestingAgent string         `json:"requesting_agent"`
	WorkflowID      string         `json:"workflow_id"`
	RequestID       string         `json:"request_id"`
	Status          Status         `json:"status"`
	Original        map[string]any `json:"original"`
	NewFindings     map[string]any `json:"new_findings"`
	Merged          map[string]any `json:"merged,omitempty"`
	Strategy        Strategy       `json:"strategy"`
	Analysis        *Analysis      `json:"analysis,omitempty"`
	// ConfidenceImprovement estimates how much the merged context improves
	// on the original, in [0,1].
	ConfidenceImprovement float64   `json:"confidence_improvement"`
	ErrorMessage          string    `json:"error_message,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	CompletedAt           time.Time `json:"completed_at,omitempty"`
}

// Service runs integrations asynchronously: Create returns an id, the
// caller polls Status and Result.
type Service struct {
	mu           sync.RWMutex
	integrations map[string]*Integration
}

// NewService creates an empty integration service.
func NewService() *Service {
	return &Service{integrations: make(map[string]*Integration)}
}

// Create registers an integration and starts processing it. The given
// strategy is a default; when it is StrategyMerge the analysis may swap
// in its own recommendation.
func (s *Service) Create(requestingAgent, workflowID, requestID string, original, newFindings map[string]any, strategy Strategy) (string, error) {
	if strategy == "" {
		strategy = StrategyMerge
	}
	if !strategy.Valid() {
		return "", fmt.Errorf("integration: unknown strategy %q", strategy)
	}

	in := &Integration{
		ID:              uuid.New().String()[:8],
		RequestingAgent: requestingAgent,
		WorkflowID:      workflowID,
		RequestID:       requestID,
		Status:          StatusPending,
		Original:        original,
		NewFindings:     newFindings,
		Strategy:        strategy,
		CreatedAt:       time.Now(),
	}

	s.mu.Lock()
	s.integrations[in.ID] = in
	s.mu.Unlock()

	go s.process(in.ID)
	return in.ID, nil
}

// Status returns the current pipeline status for an integration.
func (s *Service) Status(id string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.integrations[id]
	if !ok {
		return "", ErrIntegrationNotFound
	}
	return in.Status, nil
}

// Result returns a completed integration. ErrNotReady is returned while
// the pipeline is still running.
func (s *Service) Result(id string) (*Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.integrations[id]
	if !ok {
		return nil, ErrIntegrationNotFound
	}
	if in.Status != StatusCompleted && in.Status != StatusFailed {
		return nil, ErrNotReady
	}
	cp := *in
	return &cp, nil
}

// process advances one integration through analysis and merging.
func (s *Service) process(id string) {
	s.setStatus(id, StatusAnalyzing)

	s.mu.RLock()
	in := s.integrations[id]
	original, findings, strategy := in.Original, in.NewFindings, in.Strategy
	s.mu.RUnlock()

	a := analyze(original, findings)

	// The caller's default merge defers to the analysis.
	if strategy == StrategyMerge && a.Recommended != StrategyMerge {
		strategy = a.Recommended
	}

	s.setStatus(id, StatusIntegrating)
	merged := applyStrategy(strategy, original, findings, a)
	confidence := confidenceImprovement(a)

	s.mu.Lock()
	in = s.integrations[id]
	in.Analysis = a
	in.Strategy = strategy
	in.Merged = merged
	in.ConfidenceImprovement = confidence
	in.Status = StatusCompleted
	in.CompletedAt = time.Now()
	s.mu.Unlock()

	debugLog("[integration] %s completed with strategy %s (compatibility %.2f)",
		id, strategy, a.CompatibilityScore)
}

func (s *Service) setStatus(id string, st Status) {
	s.mu.Lock()
	if in, ok := s.integrations[id]; ok {
		in.Status = st
	}
	s.mu.Unlock()
}

// IntegrateSync runs analysis and merging inline. Used where the caller
// already runs on its own worker and polling would only add latency.
func IntegrateSync(original, newFindings map[string]any, strategy Strategy) (map[string]any, *Analysis, float64) {
	a := analyze(original, newFindings)
	if strategy == "" || (strategy == StrategyMerge && a.Recommended != StrategyMerge) {
		strategy = a.Recommended
	}
	merged := applyStrategy(strategy, original, newFindings, a)
	return merged, a, confidenceImprovement(a)
}

// confidenceImprovement estimates the value of the merge:
//
//	0.3*compatibility + min(0.1*gaps,0.4) + min(0.05*supplements,0.2) - min(0.05*conflicts,0.3)
//
// clamped to [0,1].
func confidenceImprovement(a *Analysis) float64 {
	gaps := 0.1 * float64(a.GapsFilled)
	if gaps > 0.4 {
		gaps = 0.4
	}
	supp := 0.05 * float64(len(a.Supplements))
	if supp > 0.2 {
		supp = 0.2
	}
	conf := 0.05 * float64(len(a.Conflicts))
	if conf > 0.3 {
		conf = 0.3
	}
	v := 0.3*a.CompatibilityScore + gaps + supp - conf
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// applyStrategy produces the merged context. The original map is never
// mutated.
func applyStrategy(strategy Strategy, original, findings map[string]any, a *Analysis) map[string]any {
	switch strategy {
	case StrategyAppend:
		out := copyMap(original)
		out["supplemental_findings"] = findings
		return out

	case StrategyReplace:
		out := copyMap(findings)
		out["replaced_context"] = original
		return out

	case StrategySelective:
		out := copyMap(original)
		conflicts := toSet(a.Conflicts)
		review := map[string]any{}
		for key, newValue := range findings {
			if _, bad := conflicts[key]; bad {
				review[key] = newValue
				continue
			}
			out[key] = mergeValues(original[key], newValue)
		}
		if len(review) > 0 {
			out["_conflict_review"] = review
		}
		return out

	case StrategyPrioritizeNew:
		out := copyMap(original)
		for key, newValue := range findings {
			if origValue, exists := original[key]; exists && !equalValues(origValue, newValue) {
				out[key+"_original"] = origValue
			}
			out[key] = newValue
		}
		return out

	case StrategyPrioritizeOriginal:
		out := copyMap(original)
		held := map[string]any{}
		for key, newValue := range findings {
			if _, exists := original[key]; exists {
				held[key] = newValue
				continue
			}
			out[key] = newValue
		}
		if len(held) > 0 {
			out["_supplemental_findings"] = held
		}
		return out

	default: // StrategyMerge
		out := copyMap(original)
		conflicts := toSet(a.Conflicts)
		for key, newValue := range findings {
			if _, bad := conflicts[key]; bad {
				out[key+"_conflict"] = newValue
				continue
			}
			origValue, exists := original[key]
			if !exists {
				out[key] = newValue
				continue
			}
			out[key] = mergeValues(origValue, newValue)
		}
		return out
	}
}

// mergeValues deep-merges maps, concatenates lists, and otherwise keeps
// the original value when the two differ without a flagged conflict.
func mergeValues(origValue, newValue any) any {
	switch ov := origValue.(type) {
	case map[string]any:
		if nv, ok := newValue.(map[string]any); ok {
			out := copyMap(ov)
			for key, value := range nv {
				if inner, exists := out[key]; exists {
					out[key] = mergeValues(inner, value)
				} else {
					out[key] = value
				}
			}
			return out
		}
	case []any:
		if nv, ok := newValue.([]any); ok {
			out := append([]any(nil), ov...)
			for _, item := range nv {
				if !containsValue(out, item) {
					out = append(out, item)
				}
			}
			return out
		}
	case nil:
		return newValue
	}
	if equalValues(origValue, newValue) {
		return origValue
	}
	return origValue
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		out[key] = value
	}
	return out
}

func toSet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

func equalValues(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if equalValues(item, v) {
			return true
		}
	}
	return false
}
