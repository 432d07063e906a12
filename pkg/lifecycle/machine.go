// Package lifecycle implements the deterministic per-agent state machine:
// Unloaded → Loaded → Ready → Running → Draining → {Stopped, Failed}.
// Transitions for one agent are serialized; two agents advance independently.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/proto"
)

const (
	// MaxFailReasonLen bounds the reason string recorded by Fail.
	MaxFailReasonLen = 1000

	// maxTransitionHistory is the audit ring kept per machine.
	maxTransitionHistory = 100
)

var (
	// ErrInvalidTransition indicates an invalid state transition was attempted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTooManyPendingRequests indicates stop was called while requests are in flight.
	ErrTooManyPendingRequests = errors.New("too many pending requests")
)

// ValidTransitions is the only permitted transition table.
var ValidTransitions = map[proto.State][]proto.State{ //nolint:gochecknoglobals // Shared immutable table
	proto.StateUnloaded: {proto.StateLoaded, proto.StateFailed},
	proto.StateLoaded:   {proto.StateReady, proto.StateFailed, proto.StateUnloaded},
	proto.StateReady:    {proto.StateRunning, proto.StateStopped, proto.StateFailed},
	proto.StateRunning:  {proto.StateDraining, proto.StateStopped, proto.StateFailed},
	proto.StateDraining: {proto.StateStopped, proto.StateFailed},
	proto.StateStopped:  {},
	proto.StateFailed:   {},
}

// Transition records one state change for the audit trail.
type Transition struct {
	FromState proto.State `json:"from_state"`
	ToState   proto.State `json:"to_state"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Timeouts bound how long a transition may take.
type Timeouts struct {
	Transition time.Duration // Non-drain transitions (default 30s, 1s..5m)
	Drain      time.Duration // Draining (default 60s, 5s..10m)
}

// DefaultTimeouts returns the default transition deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{Transition: 30 * time.Second, Drain: 60 * time.Second}
}

// Machine is the per-agent lifecycle state machine.
type Machine struct {
	agentID       domain.AgentID
	currentState  proto.State
	previousState proto.State
	failReason    string
	transitions   []Transition
	updatedAt     time.Time
	pendingReqs   int
	timeouts      Timeouts
	mu            sync.Mutex
	logger        *logx.Logger

	// State change notifications.
	stateNotifCh chan<- *proto.StateChangeNotification
}

// NewMachine creates a machine in Unloaded for the given agent.
func NewMachine(agentID domain.AgentID, timeouts Timeouts) *Machine {
	return &Machine{
		agentID:      agentID,
		currentState: proto.StateUnloaded,
		transitions:  make([]Transition, 0),
		updatedAt:    time.Now().UTC(),
		timeouts:     timeouts,
		logger:       logx.NewLogger("lifecycle"),
	}
}

// SetStateNotificationChannel sets the channel for state change notifications.
func (m *Machine) SetStateNotificationChannel(ch chan<- *proto.StateChangeNotification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateNotifCh = ch
}

// CurrentState returns the current state.
func (m *Machine) CurrentState() proto.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentState
}

// PreviousState returns the state before the last transition.
func (m *Machine) PreviousState() proto.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previousState
}

// FailReason returns the reason recorded by Fail, if any.
func (m *Machine) FailReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failReason
}

// UpdatedAt returns the timestamp of the last transition.
func (m *Machine) UpdatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatedAt
}

// Transitions returns a copy of the transition history (last 100).
func (m *Machine) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition{}, m.transitions...)
}

// PendingRequests returns the in-flight request count.
func (m *Machine) PendingRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingReqs
}

// BeginRequest admits a request into the agent. Running accepts
// unconditionally; Draining rejects new work with ErrCircuitOpen.
func (m *Machine) BeginRequest() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.currentState {
	case proto.StateRunning:
		m.pendingReqs++
		return nil
	case proto.StateDraining:
		return fmt.Errorf("%w: agent %s is draining", domain.ErrCircuitOpen, m.agentID)
	default:
		return fmt.Errorf("%w: agent %s is %s, not accepting requests",
			domain.ErrPreconditionFailed, m.agentID, m.currentState)
	}
}

// CompleteRequest marks one in-flight request finished. The counter never
// goes negative; completing with nothing pending logs a warning.
func (m *Machine) CompleteRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingReqs == 0 {
		m.logger.Warn("complete-request with zero pending for agent %s", m.agentID)
		return
	}
	m.pendingReqs--
}

// TransitionTo moves to newState, validating against the transition table
// and honoring the deadline for the transition class.
func (m *Machine) TransitionTo(ctx context.Context, newState proto.State, reason string) error {
	deadline := m.timeouts.Transition
	if newState == proto.StateDraining {
		deadline = m.timeouts.Drain
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: transition to %s: %v", domain.ErrTimeout, newState, ctx.Err())
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(newState, reason)
}

// transitionLocked performs the validated transition. Caller holds m.mu.
func (m *Machine) transitionLocked(newState proto.State, reason string) error {
	oldState := m.currentState

	if !isValidTransition(oldState, newState) {
		return fmt.Errorf("%w: cannot transition from %s to %s",
			ErrInvalidTransition, oldState, newState)
	}

	now := time.Now().UTC()
	m.transitions = append(m.transitions, Transition{
		FromState: oldState,
		ToState:   newState,
		Reason:    reason,
		Timestamp: now,
	})
	if len(m.transitions) > maxTransitionHistory {
		m.transitions = m.transitions[len(m.transitions)-maxTransitionHistory:]
	}

	m.previousState = oldState
	m.currentState = newState
	m.updatedAt = now

	m.logger.Info("🔄 agent %s: %s → %s", m.agentID, oldState, newState)

	// Send state change notification (non-blocking).
	if m.stateNotifCh != nil {
		notification := &proto.StateChangeNotification{
			AgentID:   m.agentID,
			FromState: oldState,
			ToState:   newState,
			Reason:    reason,
			Timestamp: now,
		}
		select {
		case m.stateNotifCh <- notification:
		default:
			m.logger.Warn("state notification channel full, dropping %s: %s->%s",
				m.agentID, oldState, newState)
		}
	}
	return nil
}

// Load associates module bytes: Unloaded → Loaded.
func (m *Machine) Load(ctx context.Context) error {
	return m.TransitionTo(ctx, proto.StateLoaded, "")
}

// Instantiate makes the sandbox live: Loaded → Ready.
func (m *Machine) Instantiate(ctx context.Context) error {
	return m.TransitionTo(ctx, proto.StateReady, "")
}

// Start begins accepting messages. Valid only from Ready.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	current := m.currentState
	m.mu.Unlock()
	if current != proto.StateReady {
		return fmt.Errorf("%w: start requires Ready, agent %s is %s",
			ErrInvalidTransition, m.agentID, current)
	}
	return m.TransitionTo(ctx, proto.StateRunning, "")
}

// Drain stops admitting new requests while pending ones complete.
// Valid only from Running.
func (m *Machine) Drain(ctx context.Context) error {
	m.mu.Lock()
	current := m.currentState
	m.mu.Unlock()
	if current != proto.StateRunning {
		return fmt.Errorf("%w: drain requires Running, agent %s is %s",
			ErrInvalidTransition, m.agentID, current)
	}
	return m.TransitionTo(ctx, proto.StateDraining, "")
}

// Stop finishes the lifecycle. Valid from Ready, Running, or Draining, and
// only when no requests are pending; otherwise the caller must drain first.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	current := m.currentState
	pending := m.pendingReqs
	m.mu.Unlock()

	switch current {
	case proto.StateReady, proto.StateRunning, proto.StateDraining:
	default:
		return fmt.Errorf("%w: stop not valid from %s", ErrInvalidTransition, current)
	}
	if pending > 0 {
		return fmt.Errorf("%w: agent %s has %d pending requests, drain first",
			ErrTooManyPendingRequests, m.agentID, pending)
	}
	return m.TransitionTo(ctx, proto.StateStopped, "")
}

// AwaitDrained blocks until the pending-request counter reaches zero or the
// drain deadline fires.
func (m *Machine) AwaitDrained(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Drain)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.PendingRequests() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: drain of agent %s: %d requests still pending",
				domain.ErrTimeout, m.agentID, m.PendingRequests())
		case <-ticker.C:
		}
	}
}

// Fail records a fault and moves to Failed. Valid from any non-terminal
// state; the reason is bounded to 1..1000 chars.
func (m *Machine) Fail(reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: fail reason must not be empty", domain.ErrValidation)
	}
	if len(reason) > MaxFailReasonLen {
		reason = reason[:MaxFailReasonLen]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentState.IsTerminal() {
		return fmt.Errorf("%w: fail not valid from terminal state %s", ErrInvalidTransition, m.currentState)
	}
	m.failReason = reason
	return m.transitionLocked(proto.StateFailed, reason)
}

func isValidTransition(from, to proto.State) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
