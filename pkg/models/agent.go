package models

import "time"

// AgentStatus represents the availability of a registered agent.
type AgentStatus string

const (
	// AgentStatusAvailable indicates the agent can accept new work.
	AgentStatusAvailable AgentStatus = "available"
	// AgentStatusBusy indicates the agent is working but below capacity.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusOverloaded indicates the agent is at or above capacity.
	AgentStatusOverloaded AgentStatus = "overloaded"
	// AgentStatusOffline indicates the agent missed its heartbeat window.
	AgentStatusOffline AgentStatus = "offline"
	// AgentStatusMaintenance indicates the agent was taken out of rotation.
	AgentStatusMaintenance AgentStatus = "maintenance"
	// AgentStatusError indicates the agent reported an unrecoverable error.
	AgentStatusError AgentStatus = "error"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusAvailable, AgentStatusBusy, AgentStatusOverloaded,
		AgentStatusOffline, AgentStatusMaintenance, AgentStatusError:
		return true
	default:
		return false
	}
}

// Schedulable returns true if the agent can be considered for new work.
// Busy agents are schedulable only when the caller opts in.
func (s AgentStatus) Schedulable(includeBusy bool) bool {
	switch s {
	case AgentStatusAvailable:
		return true
	case AgentStatusBusy:
		return includeBusy
	default:
		return false
	}
}

// latencyCeiling is the average latency beyond which the responsiveness
// component of the priority score bottoms out at zero.
const latencyCeiling = 600 * time.Second

// PerformanceMetrics holds observed performance for an agent.
type PerformanceMetrics struct {
	// SuccessRate is the fraction of tasks completed successfully, in [0,1].
	SuccessRate float64 `json:"success_rate"`
	// AvgLatency is the average task completion latency.
	AvgLatency time.Duration `json:"avg_latency"`
	// TasksCompleted is the total number of tasks this agent has finished.
	TasksCompleted int `json:"tasks_completed"`
}

// AgentInfo describes a registered specialist agent.
// It is owned by the registry and mutated only on heartbeat and
// status-update calls.
type AgentInfo struct {
	// Name is the unique agent name.
	Name string `json:"name"`
	// Category groups related agents (e.g. "analysis", "security").
	Category string `json:"category"`
	// Capabilities lists the capabilities this agent advertises.
	Capabilities []string `json:"capabilities"`
	// Status is the agent's current availability.
	Status AgentStatus `json:"status"`
	// CurrentWorkload is the number of tasks currently assigned.
	CurrentWorkload int `json:"current_workload"`
	// MaxConcurrent is the maximum number of concurrent tasks.
	MaxConcurrent int `json:"max_concurrent"`
	// Performance holds observed performance metrics.
	Performance PerformanceMetrics `json:"performance"`
	// LastSeen is the time of the agent's most recent heartbeat.
	LastSeen time.Time `json:"last_seen"`
	// RegisteredAt is when the agent first registered.
	RegisteredAt time.Time `json:"registered_at"`
}

// Utilization returns current workload over max concurrency, clamped to [0,1].
func (a *AgentInfo) Utilization() float64 {
	if a.MaxConcurrent <= 0 {
		return 1
	}
	u := float64(a.CurrentWorkload) / float64(a.MaxConcurrent)
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// PriorityScore ranks the agent for selection. Higher is better.
// The score rewards success rate and responsiveness and penalizes load:
//
//	success_rate + max(0, 1 - avg_latency/600s) - 0.3*utilization
func (a *AgentInfo) PriorityScore() float64 {
	responsiveness := 1 - a.Performance.AvgLatency.Seconds()/latencyCeiling.Seconds()
	if responsiveness < 0 {
		responsiveness = 0
	}
	return a.Performance.SuccessRate + responsiveness - 0.3*a.Utilization()
}

// HasCapability returns true if the agent advertises the given capability.
func (a *AgentInfo) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasAllCapabilities returns true if the agent advertises every given capability.
func (a *AgentInfo) HasAllCapabilities(capabilities []string) bool {
	for _, c := range capabilities {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}
