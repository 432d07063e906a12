package delivery

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/proto"
)

// RemoteTransport carries messages to agents on other nodes. The runtime
// does not prescribe a wire protocol; any implementation satisfying this
// contract can be plugged in.
type RemoteTransport interface {
	// Send delivers the message to the node currently routing the
	// receiver. A returned error is treated as transient and retried.
	Send(ctx context.Context, node domain.NodeID, msg *proto.FipaMessage) error
}

// RetryConfig defines backoff behavior for remote delivery.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay before first retry
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfig provides reasonable defaults for remote delivery.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// sendWithRetry pushes a message through the transport, retrying with
// exponential backoff until the budget is spent.
func sendWithRetry(ctx context.Context, transport RemoteTransport, node domain.NodeID,
	msg *proto.FipaMessage, cfg RetryConfig) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, cfg)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: remote delivery cancelled: %v", domain.ErrTimeout, ctx.Err())
			case <-time.After(delay):
			}
		}

		if lastErr = transport.Send(ctx, node, msg); lastErr == nil {
			return nil
		}

		if attempt >= cfg.MaxRetries {
			break
		}
	}

	return fmt.Errorf("%w: failed after %d retries: %v", domain.ErrTransport, cfg.MaxRetries, lastErr)
}

// backoffDelay computes the delay for the given retry attempt.
func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	if attempt == 0 {
		return 0
	}

	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1)) //nolint:gosec // Jitter needs no crypto rand
		delay += jitter
	}
	return delay
}
