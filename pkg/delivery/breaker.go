// Package delivery dispatches FIPA messages to local mailboxes or remote
// transports in priority-ordered batches, with retries, per-receiver
// circuit breaking, and dead-letter hand-off.
package delivery

import (
	"sync"
	"time"

	"agentmesh/pkg/domain"
)

// CircuitState represents the state of a per-receiver circuit breaker.
type CircuitState int

// Circuit breaker states for managing receiver failure patterns.
const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, dead-letter immediately
	CircuitHalfOpen                     // One probe attempt permitted
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker tracks consecutive delivery failures for one receiver. After
// the threshold the breaker opens for the timeout window; the first
// attempt after the window is the probe, and its success closes the
// breaker again.
type Breaker struct {
	threshold int
	timeout   time.Duration

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	probing         bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold domain.CircuitBreakerThreshold, timeout time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold.Int(),
		timeout:   timeout,
		state:     CircuitClosed,
	}
}

// Allow reports whether a delivery attempt may proceed. While open, all
// traffic is rejected until the window elapses; then exactly one probe
// passes through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(b.lastFailureTime) >= b.timeout {
			b.state = CircuitHalfOpen
			b.probing = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if b.probing {
			return false // A probe is already in flight
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = CircuitClosed
	b.failureCount = 0
	b.probing = false
}

// RecordFailure counts a consecutive failure and opens the breaker at the
// threshold. A failed probe re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()
	b.probing = false

	switch b.state {
	case CircuitClosed:
		if b.failureCount >= b.threshold {
			b.state = CircuitOpen
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
	}
}

// State returns the current breaker state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
