// Package metrics provides a thin metrics emitter interface so the core can
// be tested without any observability dependency, plus a Prometheus-backed
// implementation for production.
package metrics

import "time"

// Recorder is the emitter interface observed by the core components.
type Recorder interface {
	// MessageRouted records a routed message and its routing latency.
	MessageRouted(priority string, latency time.Duration)
	// RoutingError records a failed routing attempt by error kind.
	RoutingError(kind string)
	// DeadLettered records a message moved to the dead-letter queue.
	DeadLettered(reason string)
	// SetActiveAgents updates the active-agents gauge.
	SetActiveAgents(n int)
	// SetActiveConversations updates the active-conversations gauge.
	SetActiveConversations(n int)
	// SetQueueDepth updates the inbound queue depth gauge.
	SetQueueDepth(n int)
	// SetMemoryInUse updates the global allocated-memory gauge.
	SetMemoryInUse(bytes uint64)
	// SandboxExecution records a sandbox run by outcome with fuel and duration.
	SandboxExecution(outcome string, fuel uint64, duration time.Duration)
	// PoolAcquire records an instance pool acquire as a hit or miss.
	PoolAcquire(hit bool)
	// DeploymentFinished records a deployment by strategy and outcome.
	DeploymentFinished(strategy, outcome string, duration time.Duration)
}

// Nop is a Recorder that discards everything. Used in tests.
type Nop struct{}

func (Nop) MessageRouted(string, time.Duration)              {}
func (Nop) RoutingError(string)                              {}
func (Nop) DeadLettered(string)                              {}
func (Nop) SetActiveAgents(int)                              {}
func (Nop) SetActiveConversations(int)                       {}
func (Nop) SetQueueDepth(int)                                {}
func (Nop) SetMemoryInUse(uint64)                            {}
func (Nop) SandboxExecution(string, uint64, time.Duration)   {}
func (Nop) PoolAcquire(bool)                                 {}
func (Nop) DeploymentFinished(string, string, time.Duration) {}

var _ Recorder = Nop{}
