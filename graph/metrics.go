package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine and scheduler metrics.
//
// Metrics exposed (all namespaced with "graphflow_"):
//
//  1. inflight_nodes (gauge): nodes currently executing.
//  2. queue_depth (gauge): executions waiting in the admission scheduler.
//  3. step_latency_ms (histogram): node execution duration.
//     Labels: execution_id, node_id, status (success/error/timeout).
//  4. retries_total (counter): node retry attempts.
//     Labels: execution_id, node_id, reason (error/timeout).
//  5. merge_conflicts_total (counter): conflicting parallel branch writes.
//     Labels: execution_id, conflict_type.
//  6. admission_rejections_total (counter): executions rejected or dropped
//     by the scheduler. Labels: reason (quota/resources/deadline).
//  7. executions_total (counter): finished runs. Labels: status.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, err := graph.New(g, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use and are no-ops on a nil receiver.
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	queueDepth    prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries        *prometheus.CounterVec
	mergeConflicts *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	executions     *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all metrics with registry.
// A nil registry means prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "graphflow",
		Name:      "inflight_nodes",
		Help:      "Current number of nodes executing",
	})

	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "graphflow",
		Name:      "queue_depth",
		Help:      "Number of executions waiting for admission",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "graphflow",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds, retries included",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"execution_id", "node_id", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graphflow",
		Name:      "retries_total",
		Help:      "Cumulative count of node retry attempts",
	}, []string{"execution_id", "node_id", "reason"})

	pm.mergeConflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graphflow",
		Name:      "merge_conflicts_total",
		Help:      "Parallel branches that wrote conflicting values to the same state key",
	}, []string{"execution_id", "conflict_type"})

	pm.rejections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graphflow",
		Name:      "admission_rejections_total",
		Help:      "Executions rejected at enqueue or dropped before dispatch",
	}, []string{"reason"})

	pm.executions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graphflow",
		Name:      "executions_total",
		Help:      "Finished executions by terminal status",
	}, []string{"status"})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency records a node's duration.
func (pm *PrometheusMetrics) RecordStepLatency(executionID, nodeID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(executionID, nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts one retry of nodeID.
func (pm *PrometheusMetrics) IncrementRetries(executionID, nodeID, reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(executionID, nodeID, reason).Inc()
}

// UpdateQueueDepth sets the admission queue depth.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.on() {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// UpdateInflightNodes sets the number of executing nodes.
func (pm *PrometheusMetrics) UpdateInflightNodes(count int) {
	if !pm.on() {
		return
	}
	pm.inflightNodes.Set(float64(count))
}

// IncrementMergeConflicts counts a parallel merge conflict.
func (pm *PrometheusMetrics) IncrementMergeConflicts(executionID, conflictType string) {
	if !pm.on() {
		return
	}
	pm.mergeConflicts.WithLabelValues(executionID, conflictType).Inc()
}

// IncrementAdmissionRejections counts an execution the scheduler refused
// or dropped.
func (pm *PrometheusMetrics) IncrementAdmissionRejections(reason string) {
	if !pm.on() {
		return
	}
	pm.rejections.WithLabelValues(reason).Inc()
}

// IncrementExecutions counts a finished run.
func (pm *PrometheusMetrics) IncrementExecutions(status string) {
	if !pm.on() {
		return
	}
	pm.executions.WithLabelValues(status).Inc()
}

// Disable temporarily disables metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightNodes.Set(0)
	pm.queueDepth.Set(0)
}
