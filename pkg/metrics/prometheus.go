package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	messagesRouted      *prometheus.CounterVec
	routingErrors       *prometheus.CounterVec
	deadLetters         *prometheus.CounterVec
	routingLatency      *prometheus.HistogramVec
	activeAgents        prometheus.Gauge
	activeConversations prometheus.Gauge
	queueDepth          prometheus.Gauge
	memoryInUse         prometheus.Gauge
	sandboxExecutions   *prometheus.CounterVec
	sandboxFuel         *prometheus.CounterVec
	sandboxDuration     *prometheus.HistogramVec
	poolAcquires        *prometheus.CounterVec
	deployments         *prometheus.CounterVec
	deploymentDuration  *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		messagesRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_messages_routed_total",
				Help: "Total number of messages routed by priority",
			},
			[]string{"priority"},
		),
		routingErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_routing_errors_total",
				Help: "Total number of routing errors by kind",
			},
			[]string{"kind"},
		),
		deadLetters: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_dead_letters_total",
				Help: "Total number of messages moved to the dead-letter queue",
			},
			[]string{"reason"},
		),
		routingLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentmesh_routing_latency_seconds",
				Help:    "Routing latency from accept to enqueue",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"priority"},
		),
		activeAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentmesh_active_agents",
			Help: "Number of registered local agents",
		}),
		activeConversations: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentmesh_active_conversations",
			Help: "Number of live conversations",
		}),
		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentmesh_inbound_queue_depth",
			Help: "Messages waiting in the router inbound channel",
		}),
		memoryInUse: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentmesh_memory_in_use_bytes",
			Help: "Global memory allocated to agents",
		}),
		sandboxExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_sandbox_executions_total",
				Help: "Total number of sandbox executions by outcome",
			},
			[]string{"outcome"},
		),
		sandboxFuel: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_sandbox_fuel_consumed_total",
				Help: "Total fuel consumed by sandbox executions",
			},
			[]string{"outcome"},
		),
		sandboxDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentmesh_sandbox_execution_seconds",
				Help:    "Wall time of sandbox executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		poolAcquires: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_pool_acquires_total",
				Help: "Instance pool acquires by result",
			},
			[]string{"result"},
		),
		deployments: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_deployments_total",
				Help: "Deployments by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		deploymentDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentmesh_deployment_duration_seconds",
				Help:    "End-to-end deployment duration",
				Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
			},
			[]string{"strategy"},
		),
	}
}

func (p *PrometheusRecorder) MessageRouted(priority string, latency time.Duration) {
	p.messagesRouted.WithLabelValues(priority).Inc()
	p.routingLatency.WithLabelValues(priority).Observe(latency.Seconds())
}

func (p *PrometheusRecorder) RoutingError(kind string) {
	p.routingErrors.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) DeadLettered(reason string) {
	p.deadLetters.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) SetActiveAgents(n int) {
	p.activeAgents.Set(float64(n))
}

func (p *PrometheusRecorder) SetActiveConversations(n int) {
	p.activeConversations.Set(float64(n))
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetMemoryInUse(bytes uint64) {
	p.memoryInUse.Set(float64(bytes))
}

func (p *PrometheusRecorder) SandboxExecution(outcome string, fuel uint64, duration time.Duration) {
	p.sandboxExecutions.WithLabelValues(outcome).Inc()
	p.sandboxFuel.WithLabelValues(outcome).Add(float64(fuel))
	p.sandboxDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) PoolAcquire(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.poolAcquires.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) DeploymentFinished(strategy, outcome string, duration time.Duration) {
	p.deployments.WithLabelValues(strategy, outcome).Inc()
	p.deploymentDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

var _ Recorder = (*PrometheusRecorder)(nil)
