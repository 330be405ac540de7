// Package metrics exposes Prometheus collectors for the saga executor:
// gauges for in-flight steps and frontier depth, a step-latency
// histogram, and counters for retries, checkpoint rebases, compensations,
// and backpressure events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the saga executor's Prometheus series.
type Metrics struct {
	inflightSteps     prometheus.Gauge
	queueDepth        prometheus.Gauge
	stepLatency       *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	checkpointRebases *prometheus.CounterVec
	compensations     *prometheus.CounterVec
	backpressure      *prometheus.CounterVec
}

// New registers every series with registry (prometheus.DefaultRegisterer
// if nil) under the "intentsaga" namespace.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightSteps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "intentsaga",
			Name:      "inflight_steps",
			Help:      "Steps currently executing concurrently across active segments",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "intentsaga",
			Name:      "queue_depth",
			Help:      "Ready steps waiting for a free execution slot",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "intentsaga",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"execution_id", "tool_name", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentsaga",
			Name:      "retries_total",
			Help:      "Step retry attempts, including correction-oracle retries",
		}, []string{"execution_id", "tool_name", "reason"}),
		checkpointRebases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentsaga",
			Name:      "checkpoint_rebases_total",
			Help:      "OCC rebase attempts triggered by SaveStateWithOCC conflicts",
		}, []string{"execution_id"}),
		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentsaga",
			Name:      "compensations_total",
			Help:      "Compensation attempts, labeled by outcome",
		}, []string{"execution_id", "outcome"}),
		backpressure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentsaga",
			Name:      "backpressure_events_total",
			Help:      "Polling workers (outbox relay, DLQ sweeper) hitting their per-tick cap",
		}, []string{"worker", "reason"}),
	}
}

func (m *Metrics) RecordStepLatency(executionID, toolName string, latency time.Duration, status string) {
	m.stepLatency.WithLabelValues(executionID, toolName, status).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) IncrementRetries(executionID, toolName, reason string) {
	m.retries.WithLabelValues(executionID, toolName, reason).Inc()
}

func (m *Metrics) IncrementCheckpointRebases(executionID string) {
	m.checkpointRebases.WithLabelValues(executionID).Inc()
}

func (m *Metrics) IncrementCompensations(executionID, outcome string) {
	m.compensations.WithLabelValues(executionID, outcome).Inc()
}

func (m *Metrics) IncrementBackpressure(worker, reason string) {
	m.backpressure.WithLabelValues(worker, reason).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) SetInflightSteps(count int) {
	m.inflightSteps.Set(float64(count))
}
