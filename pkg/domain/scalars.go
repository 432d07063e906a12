package domain

import (
	"fmt"
	"time"
)

// Bounds for the validated scalar types. Out-of-range values are rejected
// at construction and never circulate.
const (
	MaxCpuFuel                  = 100_000_000
	MaxMessageSizeBytes         = 10 << 20 // 10 MiB
	MaxAgentQueueSize           = 100_000
	MaxChannelCapacity          = 1_000_000
	MaxRetriesCeiling           = 10
	MinRetryDelay               = 100 * time.Millisecond
	MaxRetryDelay               = 300 * time.Second
	MinMessageTimeout           = time.Second
	MaxMessageTimeout           = 300 * time.Second
	MinConversationTimeout      = 5 * time.Minute
	MaxConversationTimeout      = 24 * time.Hour
	MaxCircuitBreakerThreshold  = 100
	MinDeploymentMemoryLimit    = 1 << 20 // 1 MiB
	MaxDeploymentMemoryLimit    = 1 << 30 // 1 GiB
	MinDeploymentFuelLimit      = 10_000
	MaxDeploymentFuelLimit      = MaxCpuFuel
	MaxBatchSizeCeiling         = 100
	MaxWasmModuleBytes          = 50 << 20 // 50 MiB
	MaxConversationParticipants = 100
)

// MemoryBytes is a validated byte count for agent memory accounting.
type MemoryBytes uint64

// NewMemoryBytes validates a memory byte count.
func NewMemoryBytes(n uint64) (MemoryBytes, error) {
	return MemoryBytes(n), nil
}

func (m MemoryBytes) Uint64() uint64 { return uint64(m) }

// CpuFuel is the abstract CPU budget consumed by WASM execution.
type CpuFuel uint64

// NewCpuFuel validates a fuel amount against the system ceiling.
func NewCpuFuel(n uint64) (CpuFuel, error) {
	if n > MaxCpuFuel {
		return 0, fmt.Errorf("%w: fuel %d exceeds maximum %d", ErrValidation, n, MaxCpuFuel)
	}
	return CpuFuel(n), nil
}

func (f CpuFuel) Uint64() uint64 { return uint64(f) }

// MessageSize is a validated message content size.
type MessageSize uint64

// NewMessageSize validates a content size against the 10 MiB cap.
func NewMessageSize(n uint64) (MessageSize, error) {
	if n > MaxMessageSizeBytes {
		return 0, fmt.Errorf("%w: message size %d exceeds maximum %d", ErrValidation, n, MaxMessageSizeBytes)
	}
	return MessageSize(n), nil
}

// AgentQueueSize bounds an agent's inbound mailbox.
type AgentQueueSize int

// NewAgentQueueSize validates a mailbox capacity (1..100000).
func NewAgentQueueSize(n int) (AgentQueueSize, error) {
	if n < 1 || n > MaxAgentQueueSize {
		return 0, fmt.Errorf("%w: agent queue size %d outside [1, %d]", ErrValidation, n, MaxAgentQueueSize)
	}
	return AgentQueueSize(n), nil
}

func (s AgentQueueSize) Int() int { return int(s) }

// ChannelCapacity bounds an internal channel.
type ChannelCapacity int

// NewChannelCapacity validates a channel capacity (1..1000000).
func NewChannelCapacity(n int) (ChannelCapacity, error) {
	if n < 1 || n > MaxChannelCapacity {
		return 0, fmt.Errorf("%w: channel capacity %d outside [1, %d]", ErrValidation, n, MaxChannelCapacity)
	}
	return ChannelCapacity(n), nil
}

func (c ChannelCapacity) Int() int { return int(c) }

// MaxRetries bounds per-message delivery attempts.
type MaxRetries int

// NewMaxRetries validates a retry budget (1..10).
func NewMaxRetries(n int) (MaxRetries, error) {
	if n < 1 || n > MaxRetriesCeiling {
		return 0, fmt.Errorf("%w: max retries %d outside [1, %d]", ErrValidation, n, MaxRetriesCeiling)
	}
	return MaxRetries(n), nil
}

func (r MaxRetries) Int() int { return int(r) }

// RetryDelay is the initial delivery retry backoff.
type RetryDelay time.Duration

// NewRetryDelay validates a retry delay (100ms..300s).
func NewRetryDelay(d time.Duration) (RetryDelay, error) {
	if d < MinRetryDelay || d > MaxRetryDelay {
		return 0, fmt.Errorf("%w: retry delay %v outside [%v, %v]", ErrValidation, d, MinRetryDelay, MaxRetryDelay)
	}
	return RetryDelay(d), nil
}

func (r RetryDelay) Duration() time.Duration { return time.Duration(r) }

// MessageTimeout bounds a single delivery attempt.
type MessageTimeout time.Duration

// NewMessageTimeout validates a message timeout (1s..300s).
func NewMessageTimeout(d time.Duration) (MessageTimeout, error) {
	if d < MinMessageTimeout || d > MaxMessageTimeout {
		return 0, fmt.Errorf("%w: message timeout %v outside [%v, %v]", ErrValidation, d, MinMessageTimeout, MaxMessageTimeout)
	}
	return MessageTimeout(d), nil
}

func (t MessageTimeout) Duration() time.Duration { return time.Duration(t) }

// ConversationTimeout is the idle TTL after which a conversation expires.
type ConversationTimeout time.Duration

// NewConversationTimeout validates a conversation TTL (5m..24h).
func NewConversationTimeout(d time.Duration) (ConversationTimeout, error) {
	if d < MinConversationTimeout || d > MaxConversationTimeout {
		return 0, fmt.Errorf("%w: conversation timeout %v outside [%v, %v]", ErrValidation, d, MinConversationTimeout, MaxConversationTimeout)
	}
	return ConversationTimeout(d), nil
}

func (t ConversationTimeout) Duration() time.Duration { return time.Duration(t) }

// CircuitBreakerThreshold is the consecutive-failure count that opens a breaker.
type CircuitBreakerThreshold int

// NewCircuitBreakerThreshold validates a breaker threshold (1..100).
func NewCircuitBreakerThreshold(n int) (CircuitBreakerThreshold, error) {
	if n < 1 || n > MaxCircuitBreakerThreshold {
		return 0, fmt.Errorf("%w: circuit breaker threshold %d outside [1, %d]", ErrValidation, n, MaxCircuitBreakerThreshold)
	}
	return CircuitBreakerThreshold(n), nil
}

func (t CircuitBreakerThreshold) Int() int { return int(t) }

// TraceSamplingRatio is the fraction of messages carrying trace context.
type TraceSamplingRatio float64

// NewTraceSamplingRatio validates a sampling ratio (0.0..1.0).
func NewTraceSamplingRatio(r float64) (TraceSamplingRatio, error) {
	if r < 0.0 || r > 1.0 {
		return 0, fmt.Errorf("%w: trace sampling ratio %f outside [0.0, 1.0]", ErrValidation, r)
	}
	return TraceSamplingRatio(r), nil
}

// DeploymentMemoryLimit bounds a deployed agent's memory.
type DeploymentMemoryLimit uint64

// NewDeploymentMemoryLimit validates a deployment memory limit (1 MiB..1 GiB).
func NewDeploymentMemoryLimit(n uint64) (DeploymentMemoryLimit, error) {
	if n < MinDeploymentMemoryLimit || n > MaxDeploymentMemoryLimit {
		return 0, fmt.Errorf("%w: deployment memory limit %d outside [%d, %d]",
			ErrValidation, n, MinDeploymentMemoryLimit, MaxDeploymentMemoryLimit)
	}
	return DeploymentMemoryLimit(n), nil
}

func (l DeploymentMemoryLimit) Bytes() MemoryBytes { return MemoryBytes(l) }

// DeploymentFuelLimit bounds a deployed agent's CPU fuel.
type DeploymentFuelLimit uint64

// NewDeploymentFuelLimit validates a deployment fuel limit (10000..10^8).
func NewDeploymentFuelLimit(n uint64) (DeploymentFuelLimit, error) {
	if n < MinDeploymentFuelLimit || n > MaxDeploymentFuelLimit {
		return 0, fmt.Errorf("%w: deployment fuel limit %d outside [%d, %d]",
			ErrValidation, n, MinDeploymentFuelLimit, MaxDeploymentFuelLimit)
	}
	return DeploymentFuelLimit(n), nil
}

func (l DeploymentFuelLimit) Fuel() CpuFuel { return CpuFuel(l) }

// BatchSize bounds a delivery or rollout batch.
type BatchSize int

// NewBatchSize validates a batch size (1..100).
func NewBatchSize(n int) (BatchSize, error) {
	if n < 1 || n > MaxBatchSizeCeiling {
		return 0, fmt.Errorf("%w: batch size %d outside [1, %d]", ErrValidation, n, MaxBatchSizeCeiling)
	}
	return BatchSize(n), nil
}

func (b BatchSize) Int() int { return int(b) }

// DeploymentProgress is a percentage of rollout completion.
type DeploymentProgress int

// NewDeploymentProgress validates a progress percentage (0..100).
func NewDeploymentProgress(n int) (DeploymentProgress, error) {
	if n < 0 || n > 100 {
		return 0, fmt.Errorf("%w: deployment progress %d outside [0, 100]", ErrValidation, n)
	}
	return DeploymentProgress(n), nil
}

func (p DeploymentProgress) Int() int { return int(p) }
