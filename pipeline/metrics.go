package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics registers and updates the six production metrics named
// in spec §6: queue_depth, step_latency_ms, inflight_stages,
// retries_total, merge_conflicts_total, and backpressure_events_total. All
// metrics are namespaced "agentpipe_", mirroring the teacher's
// graph.PrometheusMetrics layout.
type PrometheusMetrics struct {
	inflightStages prometheus.Gauge
	queueDepth     prometheus.Gauge
	stepLatency    *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	mergeConflicts *prometheus.CounterVec
	backpressure   *prometheus.CounterVec
}

// NewPrometheusMetrics registers every metric with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflightStages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentpipe",
			Name:      "inflight_stages",
			Help:      "Current number of stages executing concurrently across all runs",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentpipe",
			Name:      "queue_depth",
			Help:      "Pending work items in the frontier queue",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentpipe",
			Name:      "step_latency_ms",
			Help:      "Stage execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"run_id", "stage_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpipe",
			Name:      "retries_total",
			Help:      "Cumulative stage retry attempts",
		}, []string{"run_id", "stage_id", "reason"}),
		mergeConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpipe",
			Name:      "merge_conflicts_total",
			Help:      "Concurrent fan-out writes to the same stage slot",
		}, []string{"run_id", "stage_id"}),
		backpressure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpipe",
			Name:      "backpressure_events_total",
			Help:      "Frontier-queue-full events that throttled admission",
		}, []string{"run_id", "reason"}),
	}
}

func (pm *PrometheusMetrics) RecordStepLatency(runID, stageID string, latency time.Duration, status string) {
	if pm == nil {
		return
	}
	pm.stepLatency.WithLabelValues(runID, stageID, status).Observe(float64(latency.Milliseconds()))
}

func (pm *PrometheusMetrics) IncrementRetries(runID, stageID, reason string) {
	if pm == nil {
		return
	}
	pm.retries.WithLabelValues(runID, stageID, reason).Inc()
}

func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if pm == nil {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

func (pm *PrometheusMetrics) UpdateInflightStages(count int) {
	if pm == nil {
		return
	}
	pm.inflightStages.Set(float64(count))
}

func (pm *PrometheusMetrics) IncrementMergeConflicts(runID, stageID string) {
	if pm == nil {
		return
	}
	pm.mergeConflicts.WithLabelValues(runID, stageID).Inc()
}

func (pm *PrometheusMetrics) IncrementBackpressure(runID, reason string) {
	if pm == nil {
		return
	}
	pm.backpressure.WithLabelValues(runID, reason).Inc()
}
