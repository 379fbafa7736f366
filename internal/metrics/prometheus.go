// Package metrics provides Prometheus-based metrics collection for scanpilot.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all scanpilot metrics
	namespace = "scanpilot"

	// Subsystems
	subsystemJob     = "job"
	subsystemPlanner = "planner"
	subsystemParser  = "parser"
	subsystemProbe   = "probe"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Job metrics
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobErrors   *prometheus.CounterVec
	activeJobs  prometheus.Gauge

	// Pipeline stage metrics
	plannerDecisions *prometheus.CounterVec
	parseResults     *prometheus.CounterVec
	probes           *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{registry: registry}
	pm.initJobMetrics()
	pm.initStageMetrics()
	pm.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	return pm
}

func (pm *PrometheusMetrics) initJobMetrics() {
	pm.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "total",
			Help:      "Total number of finished jobs by tool and terminal status",
		},
		[]string{"tool", "status"},
	)

	pm.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of tool processes in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"tool"},
	)

	pm.jobErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "errors_total",
			Help:      "Total number of job errors by tool and error type",
		},
		[]string{"tool", "error_type"},
	)

	pm.activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "active",
			Help:      "Number of tool processes currently running",
		},
	)
}

func (pm *PrometheusMetrics) initStageMetrics() {
	pm.plannerDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPlanner,
			Name:      "decisions_total",
			Help:      "Plans produced by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	pm.parseResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemParser,
			Name:      "results_total",
			Help:      "Output parse attempts by tool and whether structure was found",
		},
		[]string{"tool", "parsed"},
	)

	pm.probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "total",
			Help:      "Reachability probes by result",
		},
		[]string{"result"},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.jobsTotal,
		pm.jobDuration,
		pm.jobErrors,
		pm.activeJobs,
		pm.plannerDecisions,
		pm.parseResults,
		pm.probes,
	)
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// RecordJob counts a terminal job and observes its duration.
func (pm *PrometheusMetrics) RecordJob(tool, status string, duration time.Duration) {
	pm.jobsTotal.WithLabelValues(tool, status).Inc()
	pm.jobDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordJobError counts a job failure by error type.
func (pm *PrometheusMetrics) RecordJobError(tool, errorType string) {
	pm.jobErrors.WithLabelValues(tool, errorType).Inc()
}

// JobStarted increments the active job gauge.
func (pm *PrometheusMetrics) JobStarted() {
	pm.activeJobs.Inc()
}

// JobFinished decrements the active job gauge.
func (pm *PrometheusMetrics) JobFinished() {
	pm.activeJobs.Dec()
}

// RecordPlannerDecision counts a plan by strategy and outcome.
func (pm *PrometheusMetrics) RecordPlannerDecision(strategy, outcome string) {
	pm.plannerDecisions.WithLabelValues(strategy, outcome).Inc()
}

// RecordParse counts a parse attempt.
func (pm *PrometheusMetrics) RecordParse(tool string, parsed bool) {
	pm.parseResults.WithLabelValues(tool, strconv.FormatBool(parsed)).Inc()
}

// RecordProbe counts a reachability probe.
func (pm *PrometheusMetrics) RecordProbe(result string) {
	pm.probes.WithLabelValues(result).Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (pm *PrometheusMetrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, pm.registry)
}

var (
	globalMetrics *PrometheusMetrics
	globalOnce    sync.Once
)

// GetGlobalMetrics returns the process-wide metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	globalOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
