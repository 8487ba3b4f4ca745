// Package observability carries the pipeline's metrics and the execution
// ledger.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mongoclaw/mongoclaw/internal/resilience"
)

// Metrics owns the Prometheus registry and every instrument the pipeline
// emits. Safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal      *prometheus.CounterVec
	LoopGuardSkips   *prometheus.CounterVec
	RetriesScheduled *prometheus.CounterVec
	SLOViolations    *prometheus.CounterVec
	ExecutionsTotal  *prometheus.CounterVec
	DLQSize          *prometheus.GaugeVec
	QueuePending     *prometheus.GaugeVec
	QuarantineActive *prometheus.GaugeVec
	CircuitBreaker   *prometheus.GaugeVec
	AgentLatency     *prometheus.HistogramVec
	ModelCost        *prometheus.HistogramVec
}

// NewMetrics builds a metrics set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "change_events_total",
			Help: "Change events received per watched namespace.",
		}, []string{"namespace", "operation"}),
		LoopGuardSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loop_guard_skips_total",
			Help: "Events suppressed because the agent's own write re-triggered it.",
		}, []string{"agent_id"}),
		RetriesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retries_scheduled_total",
			Help: "Redeliveries scheduled after retryable failures.",
		}, []string{"agent_id"}),
		SLOViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_latency_slo_violations_total",
			Help: "Sustained p95 latency objective violations.",
		}, []string{"agent_id"}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "executions_total",
			Help: "Executions recorded by terminal status.",
		}, []string{"agent_id", "status"}),
		DLQSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dlq_size",
			Help: "Dead-letter stream depth per agent.",
		}, []string{"agent_id"}),
		QueuePending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_pending",
			Help: "Unacknowledged work items per agent.",
		}, []string{"agent_id"}),
		QuarantineActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quarantine_active",
			Help: "1 while the agent is quarantined.",
		}, []string{"agent_id"}),
		CircuitBreaker: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state per model route: 0 closed, 1 half-open, 2 open.",
		}, []string{"agent_id", "provider", "model"}),
		AgentLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_latency_seconds",
			Help:    "End-to-end work item latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent_id"}),
		ModelCost: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "model_cost_usd",
			Help:    "Per-call model cost in USD.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"agent_id"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBreakerState publishes a breaker state as its gauge encoding.
func (m *Metrics) SetBreakerState(agentID, provider, model string, state resilience.BreakerState) {
	var v float64
	switch state {
	case resilience.BreakerHalfOpen:
		v = 1
	case resilience.BreakerOpen:
		v = 2
	}
	m.CircuitBreaker.WithLabelValues(agentID, provider, model).Set(v)
}
