package proto

import (
	"time"

	"agentmesh/pkg/domain"
)

// State is an agent lifecycle state.
type State string

const (
	// StateUnloaded means no module bytes are associated yet.
	StateUnloaded State = "UNLOADED"
	// StateLoaded means the module is compiled but not instantiated.
	StateLoaded State = "LOADED"
	// StateReady means the sandbox is instantiated and idle.
	StateReady State = "READY"
	// StateRunning means the agent accepts and processes messages.
	StateRunning State = "RUNNING"
	// StateDraining means pending requests complete, new ones are rejected.
	StateDraining State = "DRAINING"
	// StateStopped is terminal after a clean shutdown.
	StateStopped State = "STOPPED"
	// StateFailed is terminal after an unrecoverable fault.
	StateFailed State = "FAILED"
)

// String returns the string representation of the state.
func (s State) String() string { return string(s) }

// IsTerminal reports whether no further transitions are permitted.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// StateChangeNotification announces a lifecycle transition to observers.
type StateChangeNotification struct {
	AgentID   domain.AgentID `json:"agent_id"`
	FromState State          `json:"from_state"`
	ToState   State          `json:"to_state"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
