// Package contextpkg assembles per-agent context packages under a strict
// token budget. Sections are built independently, weighted by importance,
// and compressed or dropped when the budget is exceeded.
package contextpkg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"crewline/internal/cache"
)

// CompressionLevel selects how aggressively the token budget shrinks.
type CompressionLevel string

const (
	CompressionNone       CompressionLevel = "none"
	CompressionLight      CompressionLevel = "light"
	CompressionModerate   CompressionLevel = "moderate"
	CompressionAggressive CompressionLevel = "aggressive"
)

// ratio returns the budget multiplier for a compression level. Unknown
// levels behave like none.
func (l CompressionLevel) ratio() float64 {
	switch l {
	case CompressionLight:
		return 0.9
	case CompressionModerate:
		return 0.8
	case CompressionAggressive:
		return 0.6
	default:
		return 1.0
	}
}

// Section names, in construction order.
const (
	SectionTaskDescription  = "task_description"
	SectionSuccessCriteria  = "success_criteria"
	SectionDependencies     = "dependencies"
	SectionRelevantContext  = "relevant_context"
	SectionAgentSpecific    = "agent_specific"
	SectionCodeContext      = "code_context"
	SectionRelatedTasks     = "related_tasks"
	SectionHistoricalData   = "historical_data"
	SectionPerformanceHints = "performance_hints"
	SectionWorkflowMetadata = "workflow_metadata"
)

// sectionOrder is the canonical construction and rendering order.
var sectionOrder = []string{
	SectionTaskDescription,
	SectionSuccessCriteria,
	SectionDependencies,
	SectionRelevantContext,
	SectionAgentSpecific,
	SectionCodeContext,
	SectionRelatedTasks,
	SectionHistoricalData,
	SectionPerformanceHints,
	SectionWorkflowMetadata,
}

// sectionWeights fixes relative importance for budget allocation. Higher
// weight sections are kept first when the package must shrink.
var sectionWeights = map[string]int{
	SectionTaskDescription:  100,
	SectionSuccessCriteria:  90,
	SectionDependencies:     80,
	SectionRelevantContext:  70,
	SectionAgentSpecific:    60,
	SectionCodeContext:      50,
	SectionRelatedTasks:     40,
	SectionHistoricalData:   30,
	SectionPerformanceHints: 20,
	SectionWorkflowMetadata: 10,
}

// priorityMapKeys are the map keys kept first (and recursively compressed)
// when a map-valued section must shrink.
var priorityMapKeys = []string{"description", "requirements", "criteria", "context", "data"}

// compressionFloor is the remaining budget, in tokens, below which a
// section is dropped instead of compressed.
const compressionFloor = 100

// Requirements tunes a single Generate call.
type Requirements struct {
	// MaxTokens caps the package size; zero means the generator default.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Compression scales the effective budget.
	Compression CompressionLevel `json:"compression_level,omitempty"`
	// IncludeSections, when non-empty, restricts which sections are built.
	IncludeSections []string `json:"include_sections,omitempty"`
	// ExcludeSections removes sections after IncludeSections is applied.
	ExcludeSections []string `json:"exclude_sections,omitempty"`
	// PrioritizeRecent keeps the tail of truncated lists instead of the head.
	PrioritizeRecent bool `json:"prioritize_recent,omitempty"`
}

// Section is one named chunk of a context package.
type Section struct {
	Name    string `json:"name"`
	Content any    `json:"content"`
}

// Package is an immutable generated context document.
type Package struct {
	ID          string           `json:"id"`
	AgentName   string           `json:"agent_name"`
	WorkflowID  string           `json:"workflow_id"`
	TokenCount  int              `json:"token_count"`
	Sections    []Section        `json:"sections"`
	Compression CompressionLevel `json:"compression_level"`
	CacheKey    string           `json:"cache_key"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Section returns the named section's content, if present.
func (p *Package) Section(name string) (any, bool) {
	for _, s := range p.Sections {
		if s.Name == name {
			return s.Content, true
		}
	}
	return nil, false
}

// ToPromptString renders the package as prompt text, sections in order.
func (p *Package) ToPromptString() string {
	var b strings.Builder
	for _, s := range p.Sections {
		b.WriteString("## ")
		b.WriteString(s.Name)
		b.WriteString("\n")
		b.WriteString(renderContent(s.Content))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderContent flattens section content to text. Strings pass through;
// everything else renders as JSON.
func renderContent(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// estimateTokens approximates the token cost of a value as one token per
// four characters of its serialized form.
func estimateTokens(v any) int {
	return len(renderContent(v)) / 4
}

// Generator builds context packages and caches them by content hash.
type Generator struct {
	cache            *cache.Cache
	defaultMaxTokens int

	mu       sync.RWMutex
	packages map[string]*Package
}

// NewGenerator creates a Generator. defaultMaxTokens applies when a
// Generate call does not set Requirements.MaxTokens.
func NewGenerator(c *cache.Cache, defaultMaxTokens int) *Generator {
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = 4000
	}
	return &Generator{
		cache:            c,
		defaultMaxTokens: defaultMaxTokens,
		packages:         make(map[string]*Package),
	}
}

// Get returns a previously generated package by id.
func (g *Generator) Get(packageID string) (*Package, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.packages[packageID]
	return p, ok
}

// Generate builds a context package for an agent working on a workflow.
// Identical inputs hit the content-hash cache and skip regeneration.
func (g *Generator) Generate(agentName, workflowID string, taskContext map[string]any, req *Requirements) (*Package, error) {
	if agentName == "" || workflowID == "" {
		return nil, fmt.Errorf("contextpkg: agent and workflow required")
	}
	if req == nil {
		req = &Requirements{}
	}

	key, err := contentHash(agentName, workflowID, taskContext, req)
	if err != nil {
		return nil, fmt.Errorf("contextpkg: hash inputs: %w", err)
	}

	var cached Package
	if err := g.cache.GetJSON(key, &cached); err == nil {
		g.remember(&cached)
		return &cached, nil
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.defaultMaxTokens
	}
	level := req.Compression
	if level == "" {
		level = CompressionNone
	}
	budget := int(float64(maxTokens) * level.ratio())

	sections := buildSections(agentName, workflowID, taskContext, req)
	sections = fitBudget(sections, budget, req.PrioritizeRecent)

	total := 0
	for _, s := range sections {
		total += estimateTokens(s.Content)
	}

	pkg := &Package{
		ID:          uuid.New().String()[:8],
		AgentName:   agentName,
		WorkflowID:  workflowID,
		TokenCount:  total,
		Sections:    sections,
		Compression: level,
		CacheKey:    key,
		CreatedAt:   time.Now(),
	}

	g.remember(pkg)
	if err := g.cache.SetJSON(key, pkg, 0); err != nil {
		debugLog("[contextpkg] cache write for %s failed: %v", pkg.ID, err)
	}
	return pkg, nil
}

func (g *Generator) remember(p *Package) {
	g.mu.Lock()
	g.packages[p.ID] = p
	g.mu.Unlock()
}

// contentHash keys a package by its full input tuple.
func contentHash(agent, workflow string, taskContext map[string]any, req *Requirements) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"agent":        agent,
		"workflow":     workflow,
		"task_context": taskContext,
		"requirements": req,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return "context_pkg:" + hex.EncodeToString(sum[:]), nil
}

// buildSections constructs every requested section independently. Empty
// sections are skipped.
func buildSections(agent, workflow string, taskContext map[string]any, req *Requirements) []Section {
	include := map[string]bool{}
	for _, n := range req.IncludeSections {
		include[n] = true
	}
	exclude := map[string]bool{}
	for _, n := range req.ExcludeSections {
		exclude[n] = true
	}
	wanted := func(name string) bool {
		if len(include) > 0 && !include[name] {
			return false
		}
		return !exclude[name]
	}

	builders := map[string]func() any{
		SectionTaskDescription:  func() any { return taskContext["description"] },
		SectionSuccessCriteria:  func() any { return taskContext["success_criteria"] },
		SectionDependencies:     func() any { return taskContext["dependencies"] },
		SectionRelevantContext:  func() any { return taskContext["context"] },
		SectionAgentSpecific:    func() any { return agentHints(agent, taskContext) },
		SectionCodeContext:      func() any { return taskContext["code_context"] },
		SectionRelatedTasks:     func() any { return taskContext["related_tasks"] },
		SectionHistoricalData:   func() any { return taskContext["history"] },
		SectionPerformanceHints: func() any { return taskContext["performance_hints"] },
		SectionWorkflowMetadata: func() any {
			return map[string]any{
				"workflow_id": workflow,
				"agent":       agent,
			}
		},
	}

	var out []Section
	for _, name := range sectionOrder {
		if !wanted(name) {
			continue
		}
		content := builders[name]()
		if isEmpty(content) {
			continue
		}
		out = append(out, Section{Name: name, Content: content})
	}
	return out
}

// agentHints extracts hints addressed to a specific agent from the task
// context's agent_hints map.
func agentHints(agent string, taskContext map[string]any) any {
	hints, ok := taskContext["agent_hints"].(map[string]any)
	if !ok {
		return nil
	}
	return hints[agent]
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// fitBudget keeps whole sections by importance while the budget lasts,
// compresses the first section that no longer fits when enough budget
// remains, and drops the rest. A single over-budget top section is kept
// as-is rather than returning an empty package.
func fitBudget(sections []Section, budget int, prioritizeRecent bool) []Section {
	total := 0
	for _, s := range sections {
		total += estimateTokens(s.Content)
	}
	if total <= budget {
		return sections
	}

	byWeight := append([]Section(nil), sections...)
	sort.SliceStable(byWeight, func(i, j int) bool {
		return sectionWeights[byWeight[i].Name] > sectionWeights[byWeight[j].Name]
	})

	kept := map[string]Section{}
	remaining := budget
	compressed := false
	for _, s := range byWeight {
		cost := estimateTokens(s.Content)
		if cost <= remaining {
			kept[s.Name] = s
			remaining -= cost
			continue
		}
		if !compressed && remaining >= compressionFloor {
			compressed = true
			c := compressContent(s.Content, remaining, prioritizeRecent)
			if c != nil {
				if cc := estimateTokens(c); cc <= remaining {
					kept[s.Name] = Section{Name: s.Name, Content: c}
					remaining -= cc
					continue
				}
			}
		}
		// Does not fit even compressed: drop.
	}

	if len(kept) == 0 && len(byWeight) > 0 {
		// The highest-priority section alone exceeds the budget. Returning
		// it over budget beats returning nothing.
		top := byWeight[0]
		kept[top.Name] = top
	}

	out := make([]Section, 0, len(kept))
	for _, name := range sectionOrder {
		if s, ok := kept[name]; ok {
			out = append(out, s)
		}
	}
	return out
}

// compressContent shrinks a value toward a token budget using a
// type-specific strategy. Returns nil when the value cannot be usefully
// compressed.
func compressContent(v any, budget int, prioritizeRecent bool) any {
	switch t := v.(type) {
	case string:
		return compressString(t, budget)
	case []any:
		return compressList(t, budget, prioritizeRecent)
	case map[string]any:
		return compressMap(t, budget, prioritizeRecent)
	default:
		return nil
	}
}

// compressString truncates at sentence boundaries, keeping whole
// sentences while they fit and appending an ellipsis. Falls back to a
// hard character cut when not even the first sentence fits.
func compressString(s string, budget int) string {
	maxChars := budget * 4
	if len(s) <= maxChars {
		return s
	}
	if maxChars <= 3 {
		return "..."
	}

	sentences := strings.SplitAfter(s, ". ")
	var b strings.Builder
	for _, sentence := range sentences {
		if b.Len()+len(sentence)+3 > maxChars {
			break
		}
		b.WriteString(sentence)
	}
	if b.Len() > 0 {
		return strings.TrimRight(b.String(), " ") + "..."
	}
	// Hard cut when not even one sentence fits. Back up to a rune
	// boundary so the cut never emits invalid UTF-8.
	cut := maxChars - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// compressList keeps elements in order while they fit. With
// prioritizeRecent the tail is kept instead of the head.
func compressList(list []any, budget int, prioritizeRecent bool) []any {
	items := list
	if prioritizeRecent {
		items = make([]any, len(list))
		for i, v := range list {
			items[len(list)-1-i] = v
		}
	}

	remaining := budget
	var out []any
	for _, item := range items {
		cost := estimateTokens(item)
		if cost > remaining {
			break
		}
		out = append(out, item)
		remaining -= cost
	}

	if prioritizeRecent {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// compressMap keeps priority keys first, recursively compressing their
// values, then fills remaining budget with the other keys in sorted order.
func compressMap(m map[string]any, budget int, prioritizeRecent bool) map[string]any {
	out := make(map[string]any)
	remaining := budget

	take := func(key string, value any) {
		cost := estimateTokens(value)
		if cost <= remaining {
			out[key] = value
			remaining -= cost
			return
		}
		if remaining > compressionFloor/2 {
			if c := compressContent(value, remaining, prioritizeRecent); c != nil {
				if cc := estimateTokens(c); cc <= remaining {
					out[key] = c
					remaining -= cc
				}
			}
		}
	}

	for _, key := range priorityMapKeys {
		if value, ok := m[key]; ok {
			take(key, value)
		}
	}

	rest := make([]string, 0, len(m))
	for key := range m {
		if isPriorityKey(key) {
			continue
		}
		rest = append(rest, key)
	}
	sort.Strings(rest)
	for _, key := range rest {
		if remaining <= 0 {
			break
		}
		take(key, m[key])
	}
	return out
}

func isPriorityKey(key string) bool {
	for _, p := range priorityMapKeys {
		if p == key {
			return true
		}
	}
	return false
}
