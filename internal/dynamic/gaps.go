// Package dynamic detects information gaps during agent execution and
// turns them into dynamic agent requests: a responder is selected from
// the registry, a child workflow executes it, and the findings are
// integrated back into the requester's context.
package dynamic

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"crewline/pkg/models"
)

// gapPatterns are the substring families scanned for in execution logs
// and findings text.
var gapPatterns = map[models.GapType][]string{
	models.GapTypeMissingDependency: {
		"missing dependency", "not installed", "cannot import",
		"module not found", "dependency unavailable",
	},
	models.GapTypeInsufficientExpertise: {
		"not sure how", "unfamiliar with", "outside my expertise",
		"unclear how", "need guidance",
	},
	models.GapTypeSecurityConcern: {
		"security risk", "vulnerability", "insecure",
		"credentials exposed", "injection",
	},
	models.GapTypePerformanceImpact: {
		"too slow", "bottleneck", "performance degraded",
		"high latency", "memory leak",
	},
}

// patternSeverity fixes the severity assigned to pattern-detected gaps.
var patternSeverity = map[models.GapType]models.GapSeverity{
	models.GapTypeMissingDependency:     models.GapSeverityHigh,
	models.GapTypeInsufficientExpertise: models.GapSeverityMedium,
	models.GapTypeSecurityConcern:       models.GapSeverityCritical,
	models.GapTypePerformanceImpact:     models.GapSeverityMedium,
}

// gapExpertise suggests responder expertise tags per gap type.
var gapExpertise = map[models.GapType][]string{
	models.GapTypeMissingDependency:     {"dependency_management"},
	models.GapTypeInsufficientExpertise: {"consultation"},
	models.GapTypeSecurityConcern:       {"security_analysis"},
	models.GapTypePerformanceImpact:     {"performance_analysis"},
	models.GapTypeIncompleteContext:     {"context_analysis"},
}

// requiredContextCategories are the task-context keys every assignment
// is expected to carry; a missing one is an incomplete-context gap.
var requiredContextCategories = []string{
	"architecture",
	"dependencies",
	"security_requirements",
	"performance_targets",
}

// dedupeDescriptionLen bounds the description prefix used for gap
// deduplication.
const dedupeDescriptionLen = 50

// DetectInformationGaps scans an agent's execution log and findings for
// known trouble patterns and checks the task context for completeness.
// Gaps are deduplicated by (type, truncated description) and returned in
// priority order, highest first.
func DetectInformationGaps(agent string, taskContext map[string]any, executionLog []string, findings map[string]any) []models.InformationGap {
	now := time.Now()
	var gaps []models.InformationGap

	corpus := make([]string, 0, len(executionLog)+len(findings))
	corpus = append(corpus, executionLog...)
	for _, value := range findings {
		if text, ok := value.(string); ok {
			corpus = append(corpus, text)
		}
	}

	for _, line := range corpus {
		lower := strings.ToLower(line)
		for gapType, patterns := range gapPatterns {
			for _, pattern := range patterns {
				if !strings.Contains(lower, pattern) {
					continue
				}
				gaps = append(gaps, models.InformationGap{
					ID:                 uuid.New().String()[:8],
					Type:               gapType,
					Description:        line,
					Severity:           patternSeverity[gapType],
					DetectedBy:         agent,
					SuggestedExpertise: gapExpertise[gapType],
					DetectedAt:         now,
				})
				break
			}
		}
	}

	for _, category := range requiredContextCategories {
		if _, ok := taskContext[category]; ok {
			continue
		}
		gaps = append(gaps, models.InformationGap{
			ID:                 uuid.New().String()[:8],
			Type:               models.GapTypeIncompleteContext,
			Description:        "task context missing required category: " + category,
			Severity:           models.GapSeverityMedium,
			DetectedBy:         agent,
			SuggestedExpertise: gapExpertise[models.GapTypeIncompleteContext],
			DetectedAt:         now,
		})
	}

	gaps = dedupeGaps(gaps)
	sort.SliceStable(gaps, func(i, j int) bool {
		return gaps[i].PriorityScore() > gaps[j].PriorityScore()
	})
	return gaps
}

// dedupeGaps drops gaps sharing (type, truncated description).
func dedupeGaps(gaps []models.InformationGap) []models.InformationGap {
	seen := make(map[string]struct{}, len(gaps))
	out := gaps[:0]
	for _, g := range gaps {
		desc := strings.ToLower(g.Description)
		if len(desc) > dedupeDescriptionLen {
			desc = desc[:dedupeDescriptionLen]
		}
		key := string(g.Type) + "|" + desc
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, g)
	}
	return out
}

// requestTypeForGap maps a gap type to the request type that addresses it.
func requestTypeForGap(t models.GapType) models.RequestType {
	switch t {
	case models.GapTypeMissingDependency:
		return models.RequestTypeDependency
	case models.GapTypeSecurityConcern:
		return models.RequestTypeSecurityAudit
	case models.GapTypePerformanceImpact:
		return models.RequestTypePerformance
	case models.GapTypeInsufficientExpertise:
		return models.RequestTypeExpertise
	default:
		return models.RequestTypeContext
	}
}

// urgencyForSeverity maps a gap severity to a request urgency.
func urgencyForSeverity(s models.GapSeverity) models.RequestUrgency {
	switch s {
	case models.GapSeverityCritical:
		return models.RequestUrgencyCritical
	case models.GapSeverityHigh:
		return models.RequestUrgencyHigh
	case models.GapSeverityMedium:
		return models.RequestUrgencyMedium
	default:
		return models.RequestUrgencyLow
	}
}
