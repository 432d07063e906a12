package domain

import "errors"

// Error taxonomy shared across the runtime. Components wrap these sentinels
// with fmt.Errorf("...: %w", ...) so callers classify with errors.Is.
var (
	// ErrValidation indicates input rejected at a contract boundary.
	ErrValidation = errors.New("validation failed")

	// ErrResourceExhausted indicates a memory, fuel, queue, or agent cap was reached.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNotFound indicates an unknown agent, conversation, or deployment id.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed indicates an invalid state transition or duplicate registration.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrTransport indicates a remote delivery failure; retried with backoff.
	ErrTransport = errors.New("transport error")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrSandboxFault indicates a WebAssembly trap, fuel exhaustion, or denied growth.
	ErrSandboxFault = errors.New("sandbox fault")

	// ErrStorage indicates the underlying store was unavailable after retries.
	ErrStorage = errors.New("storage error")

	// ErrCircuitOpen indicates a fast-fail while a receiver is marked bad.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrQueueFull indicates a bounded queue or channel rejected a producer.
	ErrQueueFull = errors.New("queue full")
)
