// Package proto defines the FIPA-ACL message protocol for agent communication.
// It provides performatives, delivery options, lifecycle states, and the
// notification structures used throughout the runtime.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
)

// Performative is the FIPA-ACL message-intent tag.
type Performative string

const (
	// PerformativeRequest asks the receiver to perform an action.
	PerformativeRequest Performative = "REQUEST"
	// PerformativeInform communicates a fact to the receiver.
	PerformativeInform Performative = "INFORM"
	// PerformativeQueryIf asks whether a proposition holds.
	PerformativeQueryIf Performative = "QUERY_IF"
	// PerformativeQueryRef asks for the referent of an expression.
	PerformativeQueryRef Performative = "QUERY_REF"
	// PerformativePropose submits a proposal.
	PerformativePropose Performative = "PROPOSE"
	// PerformativeAcceptProposal accepts a previously received proposal.
	PerformativeAcceptProposal Performative = "ACCEPT_PROPOSAL"
	// PerformativeRejectProposal rejects a previously received proposal.
	PerformativeRejectProposal Performative = "REJECT_PROPOSAL"
	// PerformativeAgree agrees to perform a requested action.
	PerformativeAgree Performative = "AGREE"
	// PerformativeRefuse refuses to perform a requested action.
	PerformativeRefuse Performative = "REFUSE"
	// PerformativeFailure reports that an attempted action failed.
	PerformativeFailure Performative = "FAILURE"
	// PerformativeNotUnderstood reports that a message was not understood.
	PerformativeNotUnderstood Performative = "NOT_UNDERSTOOD"
	// PerformativeHeartbeat is an internal liveness signal.
	PerformativeHeartbeat Performative = "HEARTBEAT"
	// PerformativeCapability is an internal capability advertisement.
	PerformativeCapability Performative = "CAPABILITY"
)

// String returns the string representation of the performative.
func (p Performative) String() string { return string(p) }

// IsQuery reports whether the performative is a query variant.
// Query messages must carry a reply-with id.
func (p Performative) IsQuery() bool {
	return p == PerformativeQueryIf || p == PerformativeQueryRef
}

// ParsePerformative parses a string into a Performative with validation.
func ParsePerformative(s string) (Performative, error) {
	switch Performative(strings.ToUpper(s)) {
	case PerformativeRequest, PerformativeInform, PerformativeQueryIf, PerformativeQueryRef,
		PerformativePropose, PerformativeAcceptProposal, PerformativeRejectProposal,
		PerformativeAgree, PerformativeRefuse, PerformativeFailure,
		PerformativeNotUnderstood, PerformativeHeartbeat, PerformativeCapability:
		return Performative(strings.ToUpper(s)), nil
	default:
		return "", fmt.Errorf("%w: unknown performative %q", domain.ErrValidation, s)
	}
}

// Priority orders messages inside a delivery batch.
type Priority int

const (
	// PriorityLow is delivered after everything else in the batch.
	PriorityLow Priority = iota
	// PriorityNormal is the default priority.
	PriorityNormal
	// PriorityHigh is delivered before normal traffic in the batch.
	PriorityHigh
	// PriorityCritical is delivered first within the batch.
	PriorityCritical
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// DeliveryOptions carry per-message delivery behavior.
type DeliveryOptions struct {
	Priority       Priority       `json:"priority"`
	Timeout        *time.Duration `json:"timeout,omitempty"`
	RequireReceipt bool           `json:"require_receipt,omitempty"`
	MaxRetries     int            `json:"max_retries"`
}

// DefaultDeliveryOptions returns normal priority with a budget of three
// retries after the first attempt.
func DefaultDeliveryOptions() DeliveryOptions {
	return DeliveryOptions{
		Priority:   PriorityNormal,
		MaxRetries: 3,
	}
}

// FipaMessage is a message passed between agents in the system.
type FipaMessage struct {
	ID             domain.MessageID       `json:"id"`
	Performative   Performative           `json:"performative"`
	Sender         domain.AgentID         `json:"sender"`
	Receiver       domain.AgentID         `json:"receiver"`
	Content        []byte                 `json:"content"`
	Language       string                 `json:"language,omitempty"`
	Ontology       string                 `json:"ontology,omitempty"`
	Protocol       string                 `json:"protocol,omitempty"`
	ConversationID *domain.ConversationID `json:"conversation_id,omitempty"`
	ReplyWith      *domain.MessageID      `json:"reply_with,omitempty"`
	InReplyTo      *domain.MessageID      `json:"in_reply_to,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	TraceContext   map[string]string      `json:"trace_context,omitempty"`
	Delivery       DeliveryOptions        `json:"delivery"`

	// Seq is assigned by the router on accept and preserves per-sender
	// submission order through the batch sort. Not serialized.
	Seq uint64 `json:"-"`
}

// NewMessage creates a message with a fresh id and default delivery options.
func NewMessage(performative Performative, sender, receiver domain.AgentID, content []byte) *FipaMessage {
	return &FipaMessage{
		ID:           domain.NewMessageID(),
		Performative: performative,
		Sender:       sender,
		Receiver:     receiver,
		Content:      content,
		CreatedAt:    time.Now().UTC(),
		Delivery:     DefaultDeliveryOptions(),
	}
}

// Validate checks the message against the protocol contract.
func (m *FipaMessage) Validate() error {
	if m.ID.IsNil() {
		return fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}
	if m.Sender.IsNil() {
		return fmt.Errorf("%w: sender is required", domain.ErrValidation)
	}
	if m.Receiver.IsNil() {
		return fmt.Errorf("%w: receiver is required", domain.ErrValidation)
	}
	if m.Sender == m.Receiver {
		return fmt.Errorf("%w: sender and receiver must differ", domain.ErrValidation)
	}
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: content must not be empty", domain.ErrValidation)
	}
	if _, err := domain.NewMessageSize(uint64(len(m.Content))); err != nil {
		return err
	}
	if _, err := ParsePerformative(string(m.Performative)); err != nil {
		return err
	}
	if m.Performative.IsQuery() && (m.ReplyWith == nil || m.ReplyWith.IsNil()) {
		return fmt.Errorf("%w: %s requires a reply_with id", domain.ErrValidation, m.Performative)
	}
	if m.Delivery.MaxRetries != 0 {
		if _, err := domain.NewMaxRetries(m.Delivery.MaxRetries); err != nil {
			return err
		}
	}
	return nil
}

// Reply builds a response to this message: sender and receiver swapped,
// conversation preserved, in-reply-to wired to this message's reply-with
// (or its id when reply-with is absent).
func (m *FipaMessage) Reply(performative Performative, content []byte) *FipaMessage {
	reply := NewMessage(performative, m.Receiver, m.Sender, content)
	reply.ConversationID = m.ConversationID
	reply.Protocol = m.Protocol
	if m.ReplyWith != nil {
		inReplyTo := *m.ReplyWith
		reply.InReplyTo = &inReplyTo
	} else {
		inReplyTo := m.ID
		reply.InReplyTo = &inReplyTo
	}
	return reply
}

// Clone creates a deep copy of the message.
func (m *FipaMessage) Clone() *FipaMessage {
	clone := *m
	clone.Content = append([]byte(nil), m.Content...)
	if m.ConversationID != nil {
		cid := *m.ConversationID
		clone.ConversationID = &cid
	}
	if m.ReplyWith != nil {
		rw := *m.ReplyWith
		clone.ReplyWith = &rw
	}
	if m.InReplyTo != nil {
		irt := *m.InReplyTo
		clone.InReplyTo = &irt
	}
	if m.Delivery.Timeout != nil {
		t := *m.Delivery.Timeout
		clone.Delivery.Timeout = &t
	}
	if m.TraceContext != nil {
		clone.TraceContext = make(map[string]string, len(m.TraceContext))
		for k, v := range m.TraceContext {
			clone.TraceContext[k] = v
		}
	}
	return &clone
}

// ToJSON serializes the message to JSON bytes.
func (m *FipaMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, logx.Wrap(err, "failed to marshal FipaMessage to JSON")
	}
	return data, nil
}

// FromJSON creates a new FipaMessage from JSON bytes.
func FromJSON(data []byte) (*FipaMessage, error) {
	var msg FipaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal FipaMessage: %w", err)
	}
	return &msg, nil
}
