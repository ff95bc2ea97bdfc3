package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crewline/internal/cache"
	"crewline/internal/config"
	"crewline/internal/state"
	"crewline/pkg/models"
)

// ErrAgentExists indicates a register call for a name already present
// without opting into updates.
var ErrAgentExists = errors.New("registry: agent already registered")

// ErrAgentNotFound indicates the named agent is not registered.
var ErrAgentNotFound = errors.New("registry: agent not found")

// cacheKey returns the fast-cache key for an agent record.
func cacheKey(name string) string {
	return "agent:" + name
}

// FindOptions controls capability and category searches.
type FindOptions struct {
	// RequireAll intersects candidate sets across capabilities instead of
	// taking their union.
	RequireAll bool
	// MaxResults caps the result list; zero means no cap.
	MaxResults int
	// IncludeBusy admits busy agents in addition to available ones.
	IncludeBusy bool
}

// StatusUpdate carries the optional fields of an UpdateStatus call.
type StatusUpdate struct {
	// Workload, if non-nil, replaces the agent's current workload.
	Workload *int
	// Performance, if non-nil, replaces the agent's performance metrics.
	Performance *models.PerformanceMetrics
}

// Registry indexes specialist agents by capability and category and
// tracks their liveness. Memory is authoritative for the running
// process; the cache and durable store are written through best-effort.
type Registry struct {
	db    *state.DB
	cache *cache.Cache

	offlineThreshold time.Duration

	mu           sync.RWMutex
	agents       map[string]*models.AgentInfo
	byCapability map[string]map[string]struct{}
	byCategory   map[string]map[string]struct{}
}

// New creates an empty registry backed by the given store and cache.
// Agents whose last heartbeat is older than offlineThreshold are marked
// offline by the heartbeat loop.
func New(db *state.DB, c *cache.Cache, offlineThreshold time.Duration) *Registry {
	return &Registry{
		db:               db,
		cache:            c,
		offlineThreshold: offlineThreshold,
		agents:           make(map[string]*models.AgentInfo),
		byCapability:     make(map[string]map[string]struct{}),
		byCategory:       make(map[string]map[string]struct{}),
	}
}

// Seed populates the registry from the durable store and the static
// capability table. Static entries win on name conflicts, so a
// deployment's agents.yaml always describes the agents it expects.
func (r *Registry) Seed(tables *config.Tables) error {
	persisted, err := r.db.ListAgents()
	if err != nil {
		return fmt.Errorf("load persisted agents: %w", err)
	}
	for _, a := range persisted {
		r.indexLocked0(a)
	}

	now := time.Now()
	for name, c := range tables.Agents() {
		a := &models.AgentInfo{
			Name:          name,
			Category:      c.Category,
			Capabilities:  append([]string(nil), c.Capabilities...),
			Status:        models.AgentStatusAvailable,
			MaxConcurrent: c.MaxConcurrent,
			LastSeen:      now,
			RegisteredAt:  now,
		}
		if prev := r.lookup(name); prev != nil {
			// The static table owns category, capabilities, and
			// max-concurrency; everything observed at runtime survives a
			// reseed, so in-flight workload accounting stays intact.
			a.Performance = prev.Performance
			a.RegisteredAt = prev.RegisteredAt
			a.CurrentWorkload = prev.CurrentWorkload
			a.Status = prev.Status
			a.LastSeen = prev.LastSeen
			switch prev.Status {
			case models.AgentStatusAvailable, models.AgentStatusBusy, models.AgentStatusOverloaded:
				// A reload may change max_concurrent, so re-derive the
				// workload-based status against the new ceiling.
				deriveWorkloadStatus(a)
			}
		}
		r.indexLocked0(a)
	}

	debugLog("[registry] seeded %d agents (%d persisted)", r.Count(), len(persisted))
	return nil
}

// indexLocked0 takes the write lock and indexes a single agent.
func (r *Registry) indexLocked0(a *models.AgentInfo) {
	r.mu.Lock()
	r.indexLocked(a)
	r.mu.Unlock()
}

// indexLocked inserts or replaces an agent in the maps. Caller holds mu.
func (r *Registry) indexLocked(a *models.AgentInfo) {
	if prev, ok := r.agents[a.Name]; ok {
		r.unindexLocked(prev)
	}
	r.agents[a.Name] = a
	for _, c := range a.Capabilities {
		set, ok := r.byCapability[c]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[c] = set
		}
		set[a.Name] = struct{}{}
	}
	set, ok := r.byCategory[a.Category]
	if !ok {
		set = make(map[string]struct{})
		r.byCategory[a.Category] = set
	}
	set[a.Name] = struct{}{}
}

// unindexLocked removes an agent from the inverted indexes. Caller holds mu.
func (r *Registry) unindexLocked(a *models.AgentInfo) {
	for _, c := range a.Capabilities {
		if set, ok := r.byCapability[c]; ok {
			delete(set, a.Name)
			if len(set) == 0 {
				delete(r.byCapability, c)
			}
		}
	}
	if set, ok := r.byCategory[a.Category]; ok {
		delete(set, a.Name)
		if len(set) == 0 {
			delete(r.byCategory, a.Category)
		}
	}
}

// lookup returns the live record for a name, or nil.
func (r *Registry) lookup(name string) *models.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[name]
}

// clone returns a caller-owned copy of an agent record.
func clone(a *models.AgentInfo) *models.AgentInfo {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp
}

// Register adds an agent to the registry. If the name is taken and
// updateIfExists is false, ErrAgentExists is returned. Memory is updated
// first and is authoritative; cache and durable writes follow, and a
// durable-write failure surfaces as a wrapped state.ErrPersistence with
// the registration still in effect.
func (r *Registry) Register(info *models.AgentInfo, updateIfExists bool) error {
	if info.Name == "" {
		return errors.New("registry: agent name required")
	}
	if !info.Status.Valid() {
		return fmt.Errorf("registry: invalid status %q", info.Status)
	}

	a := clone(info)
	now := time.Now()
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = now
	}
	if a.LastSeen.IsZero() {
		a.LastSeen = now
	}

	r.mu.Lock()
	if prev, ok := r.agents[a.Name]; ok {
		if !updateIfExists {
			r.mu.Unlock()
			return ErrAgentExists
		}
		a.RegisteredAt = prev.RegisteredAt
	}
	r.indexLocked(a)
	r.mu.Unlock()

	r.writeThrough(a)
	return r.persist(a)
}

// writeThrough pushes an agent record into the fast cache, best-effort.
func (r *Registry) writeThrough(a *models.AgentInfo) {
	if err := r.cache.SetJSON(cacheKey(a.Name), a, 0); err != nil {
		debugLog("[registry] cache write for %s failed: %v", a.Name, err)
	}
}

// persist upserts an agent row, reporting failure as ErrPersistence.
func (r *Registry) persist(a *models.AgentInfo) error {
	if err := r.db.UpsertAgent(a); err != nil {
		return fmt.Errorf("%w: agent %s: %v", state.ErrPersistence, a.Name, err)
	}
	return nil
}

// Unregister soft-deletes an agent. The durable row is retained with its
// deleted flag set so performance history survives re-registration.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	a, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	r.unindexLocked(a)
	delete(r.agents, name)
	r.mu.Unlock()

	r.cache.Delete(cacheKey(name))
	if err := r.db.SoftDeleteAgent(name); err != nil {
		return fmt.Errorf("%w: agent %s: %v", state.ErrPersistence, name, err)
	}
	return nil
}

// UpdateStatus changes an agent's status and optionally its workload and
// performance metrics, refreshing its heartbeat timestamp.
func (r *Registry) UpdateStatus(name string, status models.AgentStatus, upd StatusUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("registry: invalid status %q", status)
	}

	r.mu.Lock()
	a, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	a.Status = status
	a.LastSeen = time.Now()
	if upd.Workload != nil {
		a.CurrentWorkload = *upd.Workload
	}
	if upd.Performance != nil {
		a.Performance = *upd.Performance
	}
	snapshot := clone(a)
	r.mu.Unlock()

	r.writeThrough(snapshot)
	return r.persist(snapshot)
}

// Heartbeat refreshes an agent's last-seen timestamp. An offline agent
// that heartbeats comes back as available.
func (r *Registry) Heartbeat(name string) error {
	r.mu.Lock()
	a, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	a.LastSeen = time.Now()
	if a.Status == models.AgentStatusOffline {
		a.Status = models.AgentStatusAvailable
	}
	snapshot := clone(a)
	r.mu.Unlock()

	r.writeThrough(snapshot)
	return nil
}

// AdjustWorkload adds delta to an agent's workload counter, clamping at
// zero, and refreshes the derived busy/overloaded/available status.
func (r *Registry) AdjustWorkload(name string, delta int) error {
	r.mu.Lock()
	a, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	a.CurrentWorkload += delta
	if a.CurrentWorkload < 0 {
		a.CurrentWorkload = 0
	}
	deriveWorkloadStatus(a)
	snapshot := clone(a)
	r.mu.Unlock()

	r.writeThrough(snapshot)
	return nil
}

// deriveWorkloadStatus refreshes the busy/overloaded/available status
// from the workload counter. Statuses not derived from workload
// (offline, maintenance, error) are left alone.
func deriveWorkloadStatus(a *models.AgentInfo) {
	switch {
	case a.MaxConcurrent > 0 && a.CurrentWorkload >= a.MaxConcurrent:
		a.Status = models.AgentStatusOverloaded
	case a.CurrentWorkload > 0:
		a.Status = models.AgentStatusBusy
	default:
		if a.Status == models.AgentStatusBusy || a.Status == models.AgentStatusOverloaded {
			a.Status = models.AgentStatusAvailable
		}
	}
}

// RecordCompletion folds one finished task into an agent's performance
// metrics as a running average and decrements its workload.
func (r *Registry) RecordCompletion(name string, success bool, latency time.Duration) error {
	r.mu.Lock()
	a, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	n := float64(a.Performance.TasksCompleted)
	succ := 0.0
	if success {
		succ = 1.0
	}
	a.Performance.SuccessRate = (a.Performance.SuccessRate*n + succ) / (n + 1)
	a.Performance.AvgLatency = time.Duration((float64(a.Performance.AvgLatency)*n + float64(latency)) / (n + 1))
	a.Performance.TasksCompleted++
	snapshot := clone(a)
	r.mu.Unlock()

	r.writeThrough(snapshot)
	if err := r.persist(snapshot); err != nil {
		debugLog("[registry] persist completion for %s failed: %v", name, err)
	}
	return r.AdjustWorkload(name, -1)
}

// Get returns a copy of the named agent's record.
func (r *Registry) Get(name string) (*models.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return clone(a), nil
}

// Exists reports whether the named agent is registered.
func (r *Registry) Exists(name string) bool {
	return r.lookup(name) != nil
}

// List returns copies of every registered agent.
func (r *Registry) List() []*models.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// FindByCapability returns schedulable agents matching the given
// capabilities, sorted by priority score descending. With RequireAll the
// candidate sets are intersected, short-circuiting to empty as soon as
// one capability has no agents; otherwise they are unioned.
func (r *Registry) FindByCapability(capabilities []string, opts FindOptions) []*models.AgentInfo {
	r.mu.RLock()
	candidates := r.candidatesLocked(capabilities, opts.RequireAll)
	out := r.collectLocked(candidates, opts)
	r.mu.RUnlock()

	sortByPriority(out)
	return capResults(out, opts.MaxResults)
}

// candidatesLocked resolves a capability list to a candidate name set.
// Caller holds mu for reading.
func (r *Registry) candidatesLocked(capabilities []string, requireAll bool) map[string]struct{} {
	candidates := make(map[string]struct{})
	if requireAll {
		for i, c := range capabilities {
			set := r.byCapability[c]
			if len(set) == 0 {
				return nil
			}
			if i == 0 {
				for name := range set {
					candidates[name] = struct{}{}
				}
				continue
			}
			for name := range candidates {
				if _, ok := set[name]; !ok {
					delete(candidates, name)
				}
			}
			if len(candidates) == 0 {
				return nil
			}
		}
		return candidates
	}

	for _, c := range capabilities {
		for name := range r.byCapability[c] {
			candidates[name] = struct{}{}
		}
	}
	return candidates
}

// collectLocked filters a candidate set to schedulable agents and copies
// them out. Caller holds mu for reading.
func (r *Registry) collectLocked(candidates map[string]struct{}, opts FindOptions) []*models.AgentInfo {
	out := make([]*models.AgentInfo, 0, len(candidates))
	for name := range candidates {
		a, ok := r.agents[name]
		if !ok || !a.Status.Schedulable(opts.IncludeBusy) {
			continue
		}
		out = append(out, clone(a))
	}
	return out
}

// FindByCategory returns schedulable agents in a category, sorted by
// priority score descending.
func (r *Registry) FindByCategory(category string, opts FindOptions) []*models.AgentInfo {
	r.mu.RLock()
	out := r.collectLocked(r.byCategory[category], opts)
	r.mu.RUnlock()

	sortByPriority(out)
	return capResults(out, opts.MaxResults)
}

// BestAgentFor picks the highest-priority schedulable agent holding all
// of the given capabilities, skipping excluded names. When any candidate
// belongs to preferredCategory the field narrows to that category.
func (r *Registry) BestAgentFor(capabilities []string, preferredCategory string, exclude []string) *models.AgentInfo {
	candidates := r.FindByCapability(capabilities, FindOptions{RequireAll: true, IncludeBusy: true})

	excluded := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		excluded[name] = struct{}{}
	}
	filtered := candidates[:0]
	for _, a := range candidates {
		if _, skip := excluded[a.Name]; skip {
			continue
		}
		filtered = append(filtered, a)
	}

	if preferredCategory != "" {
		var preferred []*models.AgentInfo
		for _, a := range filtered {
			if a.Category == preferredCategory {
				preferred = append(preferred, a)
			}
		}
		if len(preferred) > 0 {
			filtered = preferred
		}
	}

	if len(filtered) == 0 {
		return nil
	}
	return filtered[0]
}

// sortByPriority orders agents by priority score descending, with name
// as a deterministic tiebreaker.
func sortByPriority(agents []*models.AgentInfo) {
	sort.Slice(agents, func(i, j int) bool {
		si, sj := agents[i].PriorityScore(), agents[j].PriorityScore()
		if si != sj {
			return si > sj
		}
		return agents[i].Name < agents[j].Name
	})
}

func capResults(agents []*models.AgentInfo, max int) []*models.AgentInfo {
	if max > 0 && len(agents) > max {
		return agents[:max]
	}
	return agents
}

// RunHeartbeatLoop marks agents offline when their last heartbeat is
// older than the offline threshold. Agents already offline or parked in
// maintenance are left alone. Blocks until ctx is cancelled.
func (r *Registry) RunHeartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatPass(time.Now())
		}
	}
}

// heartbeatPass applies offline detection once.
func (r *Registry) heartbeatPass(now time.Time) {
	cutoff := now.Add(-r.offlineThreshold)

	r.mu.Lock()
	var stale []*models.AgentInfo
	for _, a := range r.agents {
		if a.Status == models.AgentStatusOffline || a.Status == models.AgentStatusMaintenance {
			continue
		}
		if a.LastSeen.Before(cutoff) {
			a.Status = models.AgentStatusOffline
			stale = append(stale, clone(a))
		}
	}
	r.mu.Unlock()

	for _, a := range stale {
		debugLog("[registry] agent %s missed heartbeat window, marked offline", a.Name)
		r.writeThrough(a)
		if err := r.persist(a); err != nil {
			debugLog("[registry] persist offline for %s failed: %v", a.Name, err)
		}
	}
}

// RunDiscoveryLoop is a hook for future service discovery. It currently
// only waits for cancellation; external registration drives the registry.
func (r *Registry) RunDiscoveryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// No discovery backend wired yet.
		}
	}
}
