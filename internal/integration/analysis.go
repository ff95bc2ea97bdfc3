package integration

import (
	"strings"
)

// Strategy selects how new findings are folded into an original context.
type Strategy string

const (
	StrategyMerge              Strategy = "merge"
	StrategyAppend             Strategy = "append"
	StrategyReplace            Strategy = "replace"
	StrategySelective          Strategy = "selective"
	StrategyPrioritizeNew      Strategy = "prioritize_new"
	StrategyPrioritizeOriginal Strategy = "prioritize_original"
)

// Valid returns true for a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyMerge, StrategyAppend, StrategyReplace,
		StrategySelective, StrategyPrioritizeNew, StrategyPrioritizeOriginal:
		return true
	default:
		return false
	}
}

// Textual markers used to classify a same-keyed new value against its
// original.
var (
	contradictionMarkers = []string{"contradict", "incorrect", "wrong", "not true", "false", "disagree"}
	supplementMarkers    = []string{"additionally", "furthermore", "in addition", "moreover", "also note"}
	correctionMarkers    = []string{"correction", "should be", "actually", "instead", "rather"}
)

// overlapThreshold is the token-set Jaccard similarity above which two
// strings are considered the same information.
const overlapThreshold = 0.8

// Analysis is the result of comparing new findings against an original
// context, key by key.
type Analysis struct {
	// Conflicts lists keys whose new value contradicts the original.
	Conflicts []string `json:"conflicts"`
	// Supplements lists keys whose new value adds to the original.
	Supplements []string `json:"supplements"`
	// Corrections lists keys whose new value corrects the original.
	Corrections []string `json:"corrections"`
	// Overlaps lists keys whose new value restates the original.
	Overlaps []string `json:"overlaps"`
	// GapsFilled counts keys present only in the new findings.
	GapsFilled int `json:"gaps_filled"`
	// CompatibilityScore is in [0,1]; higher means a safer merge.
	CompatibilityScore float64 `json:"compatibility_score"`
	// Recommended is the strategy the analysis suggests.
	Recommended Strategy `json:"recommended_strategy"`
}

// analyze classifies every key of newFindings against original and
// derives a compatibility score and recommended strategy.
func analyze(original, newFindings map[string]any) *Analysis {
	a := &Analysis{}

	for key, newValue := range newFindings {
		origValue, exists := original[key]
		if !exists {
			a.GapsFilled++
			continue
		}

		switch {
		case isConflict(origValue, newValue):
			a.Conflicts = append(a.Conflicts, key)
		case isCorrection(newValue):
			a.Corrections = append(a.Corrections, key)
		case isSupplement(origValue, newValue):
			a.Supplements = append(a.Supplements, key)
		case isOverlap(origValue, newValue):
			a.Overlaps = append(a.Overlaps, key)
		}
	}

	score := 1.0
	penalty := 0.2 * float64(len(a.Conflicts))
	if penalty > 0.8 {
		penalty = 0.8
	}
	gain := 0.1 * float64(len(a.Supplements)+a.GapsFilled)
	if gain > 0.5 {
		gain = 0.5
	}
	score = score - penalty + gain
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	a.CompatibilityScore = score

	a.Recommended = recommend(a)
	return a
}

// recommend maps an analysis to a merge strategy.
func recommend(a *Analysis) Strategy {
	switch {
	case len(a.Conflicts) > 3 || a.CompatibilityScore < 0.3:
		return StrategySelective
	case len(a.Corrections) > 2:
		return StrategyPrioritizeNew
	case len(a.Supplements) > 2:
		return StrategyMerge
	case a.CompatibilityScore < 0.7:
		return StrategyAppend
	default:
		return StrategyMerge
	}
}

// isConflict reports whether the new value contradicts the original:
// a boolean flip, or contradiction markers in the new text.
func isConflict(origValue, newValue any) bool {
	if ob, ok := origValue.(bool); ok {
		if nb, ok := newValue.(bool); ok {
			return ob != nb
		}
	}
	if text, ok := newValue.(string); ok {
		return containsAny(text, contradictionMarkers)
	}
	return false
}

// isCorrection reports whether the new text carries correction markers.
func isCorrection(newValue any) bool {
	text, ok := newValue.(string)
	return ok && containsAny(text, correctionMarkers)
}

// isSupplement reports whether the new value adds content: a longer
// list, a map with extra keys, or supplement markers in the text.
func isSupplement(origValue, newValue any) bool {
	switch nv := newValue.(type) {
	case []any:
		if ov, ok := origValue.([]any); ok {
			return len(nv) > len(ov)
		}
	case map[string]any:
		if ov, ok := origValue.(map[string]any); ok {
			for key := range nv {
				if _, exists := ov[key]; !exists {
					return true
				}
			}
			return false
		}
	case string:
		return containsAny(nv, supplementMarkers)
	}
	return false
}

// isOverlap reports whether two string values carry the same information,
// measured as token-set Jaccard similarity above the threshold.
func isOverlap(origValue, newValue any) bool {
	os, ok1 := origValue.(string)
	ns, ok2 := newValue.(string)
	if !ok1 || !ok2 {
		return false
	}
	return jaccard(tokenSet(os), tokenSet(ns)) > overlapThreshold
}

func containsAny(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// tokenSet lowercases a string and splits it into a set of word tokens.
func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[tok] = struct{}{}
	}
	return out
}

// jaccard computes |a∩b| / |a∪b|, zero for two empty sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
