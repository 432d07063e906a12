package router

import (
	"fmt"
	"time"
)

// HealthStatus classifies the router's condition.
type HealthStatus string

const (
	// Healthy means all checks pass.
	Healthy HealthStatus = "healthy"
	// Degraded means the router works but a check is failing.
	Degraded HealthStatus = "degraded"
	// Unhealthy means the router cannot make progress.
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the health-check verdict with its reasons.
type Health struct {
	Status  HealthStatus `json:"status"`
	Reasons []string     `json:"reasons,omitempty"`
}

// deadLetterHealthRatio is the occupancy above which the queue counts as
// effectively full.
const deadLetterHealthRatio = 0.9

// HealthCheck verifies the inbound channel has headroom, every worker has
// reported a heartbeat within 2× the health interval, and the dead-letter
// queue is below 90% occupancy.
func (r *Router) HealthCheck() Health {
	var reasons []string

	if len(r.inbound) >= cap(r.inbound) {
		reasons = append(reasons, "inbound channel full")
	}

	r.mu.Lock()
	running := r.running
	r.mu.Unlock()

	if running {
		staleAfter := 2 * r.cfg.HealthCheckInterval.Duration()
		now := time.Now()
		for i := range r.workerBeats {
			last := time.Unix(0, r.workerBeats[i].Load())
			if now.Sub(last) > staleAfter {
				reasons = append(reasons, fmt.Sprintf("worker %d heartbeat stale (%v)", i, now.Sub(last).Round(time.Millisecond)))
			}
		}
	} else {
		reasons = append(reasons, "router not running")
	}

	if r.store != nil {
		if dl, err := r.store.DeadLetterStats(); err != nil {
			reasons = append(reasons, fmt.Sprintf("dead-letter stats unavailable: %v", err))
		} else if dl.Cap > 0 && float64(dl.Count) >= deadLetterHealthRatio*float64(dl.Cap) {
			reasons = append(reasons, fmt.Sprintf("dead-letter queue at %d/%d", dl.Count, dl.Cap))
		}
	}

	switch {
	case len(reasons) == 0:
		return Health{Status: Healthy}
	case !running || len(r.inbound) >= cap(r.inbound):
		return Health{Status: Unhealthy, Reasons: reasons}
	default:
		return Health{Status: Degraded, Reasons: reasons}
	}
}
