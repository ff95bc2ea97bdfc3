package dynamic

import (
	"time"

	"crewline/internal/registry"
	"crewline/pkg/models"
)

// requestCapabilities maps a request type to the capabilities a
// responder must hold.
var requestCapabilities = map[models.RequestType][]string{
	models.RequestTypeExpertise:     {"consultation"},
	models.RequestTypeDependency:    {"dependency_management"},
	models.RequestTypeSecurityAudit: {"security_analysis"},
	models.RequestTypePerformance:   {"performance_analysis"},
	models.RequestTypeContext:       {"context_analysis"},
}

// fastResponseCeiling is the average latency under which a responder
// earns the fast-response bonus for urgent requests.
const fastResponseCeiling = 5 * time.Minute

// Selector picks a responder agent for a dynamic request.
type Selector struct {
	agents *registry.Registry
}

// NewSelector creates a Selector over the given registry.
func NewSelector(agents *registry.Registry) *Selector {
	return &Selector{agents: agents}
}

// Select narrows registry candidates to the request type's capability
// set, applies the expertise and availability filters, and returns the
// highest-scoring survivor, or nil when no agent qualifies.
func (s *Selector) Select(req *models.DynamicAgentRequest) *models.AgentInfo {
	capabilities := requestCapabilities[req.Type]
	candidates := s.agents.FindByCapability(capabilities, registry.FindOptions{})

	if len(req.RequiredExpertise) > 0 {
		var matched []*models.AgentInfo
		for _, a := range candidates {
			if hasAnyCapability(a, req.RequiredExpertise) {
				matched = append(matched, a)
			}
		}
		candidates = matched
	}

	var best *models.AgentInfo
	var bestScore float64
	for _, a := range candidates {
		score := s.score(a, req.Urgency)
		if best == nil || score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// score ranks a candidate by availability, headroom, track record, and
// responsiveness for urgent requests.
func (s *Selector) score(a *models.AgentInfo, urgency models.RequestUrgency) float64 {
	score := 0.0
	if a.Status == models.AgentStatusAvailable {
		score += 1.0
	}
	score += 1.0 - a.Utilization()
	score += a.Performance.SuccessRate

	if urgency == models.RequestUrgencyHigh || urgency == models.RequestUrgencyCritical {
		if a.Performance.AvgLatency > 0 && a.Performance.AvgLatency < fastResponseCeiling {
			score += 0.5
		}
	}
	return score
}

func hasAnyCapability(a *models.AgentInfo, wanted []string) bool {
	for _, c := range wanted {
		if a.HasCapability(c) {
			return true
		}
	}
	return false
}
