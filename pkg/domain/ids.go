// Package domain defines the validated identifier and bounded scalar types
// shared by every component of the runtime. Values are checked once at
// construction; a zero id or an out-of-range scalar never circulates.
package domain

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// AgentID uniquely identifies an agent for its whole lifetime.
type AgentID struct{ uuid.UUID }

// NewAgentID returns a fresh, non-nil agent id.
func NewAgentID() AgentID { return AgentID{uuid.New()} }

// ParseAgentID parses the canonical string form of an agent id.
func ParseAgentID(s string) (AgentID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AgentID{}, fmt.Errorf("%w: malformed agent id %q", ErrValidation, s)
	}
	if u == uuid.Nil {
		return AgentID{}, fmt.Errorf("%w: agent id must not be nil", ErrValidation)
	}
	return AgentID{u}, nil
}

// IsNil reports whether the id is the zero value.
func (id AgentID) IsNil() bool { return id.UUID == uuid.Nil }

// MessageID uniquely identifies a message.
type MessageID struct{ uuid.UUID }

// NewMessageID returns a fresh, non-nil message id.
func NewMessageID() MessageID { return MessageID{uuid.New()} }

// ParseMessageID parses the canonical string form of a message id.
func ParseMessageID(s string) (MessageID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, fmt.Errorf("%w: malformed message id %q", ErrValidation, s)
	}
	if u == uuid.Nil {
		return MessageID{}, fmt.Errorf("%w: message id must not be nil", ErrValidation)
	}
	return MessageID{u}, nil
}

// IsNil reports whether the id is the zero value.
func (id MessageID) IsNil() bool { return id.UUID == uuid.Nil }

// ConversationID identifies a multi-turn conversation.
type ConversationID struct{ uuid.UUID }

// NewConversationID returns a fresh, non-nil conversation id.
func NewConversationID() ConversationID { return ConversationID{uuid.New()} }

// ParseConversationID parses the canonical string form of a conversation id.
func ParseConversationID(s string) (ConversationID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ConversationID{}, fmt.Errorf("%w: malformed conversation id %q", ErrValidation, s)
	}
	if u == uuid.Nil {
		return ConversationID{}, fmt.Errorf("%w: conversation id must not be nil", ErrValidation)
	}
	return ConversationID{u}, nil
}

// IsNil reports whether the id is the zero value.
func (id ConversationID) IsNil() bool { return id.UUID == uuid.Nil }

// DeploymentID identifies a deployment request.
type DeploymentID struct{ uuid.UUID }

// NewDeploymentID returns a fresh, non-nil deployment id.
func NewDeploymentID() DeploymentID { return DeploymentID{uuid.New()} }

// IsNil reports whether the id is the zero value.
func (id DeploymentID) IsNil() bool { return id.UUID == uuid.Nil }

// NodeID identifies a cluster node hosting remote agents.
type NodeID struct{ uuid.UUID }

// NewNodeID returns a fresh, non-nil node id.
func NewNodeID() NodeID { return NodeID{uuid.New()} }

// ParseNodeID parses the canonical string form of a node id.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: malformed node id %q", ErrValidation, s)
	}
	if u == uuid.Nil {
		return NodeID{}, fmt.Errorf("%w: node id must not be nil", ErrValidation)
	}
	return NodeID{u}, nil
}

// IsNil reports whether the id is the zero value.
func (id NodeID) IsNil() bool { return id.UUID == uuid.Nil }

// AgentVersion is the content hash of the WASM module an agent runs.
// Two deployments of identical bytes share a version.
type AgentVersion string

// VersionFromModule derives the version identifier from module bytes.
func VersionFromModule(module []byte) AgentVersion {
	sum := sha3.Sum256(module)
	return AgentVersion(hex.EncodeToString(sum[:8]))
}

func (v AgentVersion) String() string { return string(v) }

// VersionNumber is a monotonically increasing positive integer per agent.
type VersionNumber uint64

// Next returns the successor version number.
func (n VersionNumber) Next() VersionNumber { return n + 1 }
