package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/proto"
	"agentmesh/pkg/sandbox"
)

// Agent is one hosted WebAssembly agent: identity, capability set, bounded
// mailbox, lifecycle machine, and its exclusively-owned sandbox. The
// registry holds a non-owning reference; the agent is destroyed only after
// the machine reaches a terminal state and pending requests drain.
type Agent struct {
	ID            domain.AgentID
	Name          string
	Version       domain.AgentVersion
	VersionNumber domain.VersionNumber
	Capabilities  []string
	Machine       *Machine
	Sandbox       sandbox.Sandbox

	mailbox chan *proto.FipaMessage

	mu            sync.Mutex
	lastHeartbeat time.Time
	healthy       bool
}

// NewAgent assembles an agent around its machine and sandbox.
func NewAgent(id domain.AgentID, name string, version domain.AgentVersion,
	versionNumber domain.VersionNumber, capabilities []string,
	machine *Machine, sb sandbox.Sandbox, queueSize domain.AgentQueueSize) *Agent {
	return &Agent{
		ID:            id,
		Name:          name,
		Version:       version,
		VersionNumber: versionNumber,
		Capabilities:  append([]string(nil), capabilities...),
		Machine:       machine,
		Sandbox:       sb,
		mailbox:       make(chan *proto.FipaMessage, queueSize.Int()),
		lastHeartbeat: time.Now().UTC(),
		healthy:       true,
	}
}

// Enqueue places a message in the agent's mailbox without blocking.
// A full mailbox rejects the producer immediately.
func (a *Agent) Enqueue(msg *proto.FipaMessage) error {
	select {
	case a.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: mailbox of agent %s is full (%d)",
			domain.ErrQueueFull, a.ID, cap(a.mailbox))
	}
}

// Dequeue pops the next mailbox message, if any.
func (a *Agent) Dequeue() (*proto.FipaMessage, bool) {
	select {
	case msg := <-a.mailbox:
		return msg, true
	default:
		return nil, false
	}
}

// QueueDepth returns the number of messages waiting in the mailbox.
func (a *Agent) QueueDepth() int {
	return len(a.mailbox)
}

// QueueCapacity returns the mailbox capacity.
func (a *Agent) QueueCapacity() int {
	return cap(a.mailbox)
}

// Heartbeat records liveness now.
func (a *Agent) Heartbeat() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastHeartbeat = time.Now().UTC()
}

// LastHeartbeat returns the most recent liveness timestamp.
func (a *Agent) LastHeartbeat() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHeartbeat
}

// SetHealth updates liveness bookkeeping.
func (a *Agent) SetHealth(healthy bool, heartbeat time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = healthy
	if !heartbeat.IsZero() {
		a.lastHeartbeat = heartbeat
	}
}

// Healthy reports current liveness.
func (a *Agent) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}

// Summary is the management-surface view of an agent.
type Summary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	VersionNumber uint64    `json:"version_number"`
	State         string    `json:"state"`
	PreviousState string    `json:"previous_state,omitempty"`
	Capabilities  []string  `json:"capabilities"`
	QueueDepth    int       `json:"queue_depth"`
	Healthy       bool      `json:"healthy"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Summarize builds the management-surface view.
func (a *Agent) Summarize() Summary {
	return Summary{
		ID:            a.ID.String(),
		Name:          a.Name,
		Version:       a.Version.String(),
		VersionNumber: uint64(a.VersionNumber),
		State:         a.Machine.CurrentState().String(),
		PreviousState: a.Machine.PreviousState().String(),
		Capabilities:  append([]string(nil), a.Capabilities...),
		QueueDepth:    a.QueueDepth(),
		Healthy:       a.Healthy(),
		LastHeartbeat: a.LastHeartbeat(),
	}
}
