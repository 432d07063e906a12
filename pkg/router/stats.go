package router

import (
	"time"

	"agentmesh/pkg/storage"
)

// Stats is a point-in-time snapshot of router activity.
type Stats struct {
	MessagesRouted      uint64                   `json:"messages_routed"`
	RoutingErrors       uint64                   `json:"routing_errors"`
	AvgRoutingLatency   time.Duration            `json:"avg_routing_latency_ns"`
	ActiveAgents        int                      `json:"active_agents"`
	ActiveConversations int                      `json:"active_conversations"`
	InboundDepth        int                      `json:"inbound_depth"`
	InboundCapacity     int                      `json:"inbound_capacity"`
	AgentQueueDepths    map[string]int           `json:"agent_queue_depths"`
	DeadLetters         *storage.DeadLetterStats `json:"dead_letters,omitempty"`
}

// GetStats returns routing statistics and per-agent queue depths.
func (r *Router) GetStats() Stats {
	routed := r.routed.Load()
	stats := Stats{
		MessagesRouted:      routed,
		RoutingErrors:       r.errors.Load(),
		ActiveAgents:        r.registry.ActiveAgents(),
		ActiveConversations: r.conversations.Active(),
		InboundDepth:        len(r.inbound),
		InboundCapacity:     cap(r.inbound),
		AgentQueueDepths:    make(map[string]int),
	}
	if routed > 0 {
		stats.AvgRoutingLatency = time.Duration(r.latencySum.Load() / int64(routed)) //nolint:gosec // routed > 0
	}
	for _, agent := range r.registry.ListAgents() {
		stats.AgentQueueDepths[agent.ID.String()] = agent.QueueDepth()
	}
	if r.store != nil {
		if dl, err := r.store.DeadLetterStats(); err == nil {
			stats.DeadLetters = &dl
		}
	}
	return stats
}
