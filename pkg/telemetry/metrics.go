package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the async runtime.
// A nil *Metrics and a disabled one are both valid no-ops.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksInFlight prometheus.Gauge

	// Batch metrics
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec

	// Suspension metrics
	waits     *prometheus.CounterVec
	waitPolls prometheus.Counter

	// Lifecycle metrics
	tests        *prometheus.CounterVec
	testDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// Each collector gets its own registry so several runtimes can coexist in
// one test binary.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of managed tasks executed",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of managed task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		tasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_flight",
				Help:      "Current number of managed tasks running",
			},
		),

		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of parallel batches by outcome",
			},
			[]string{"strategy", "outcome"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Duration of parallel batches in seconds",
				Buckets:   buckets,
			},
			[]string{"strategy"},
		),

		waits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waits_total",
				Help:      "Total number of suspension calls by primitive and outcome",
			},
			[]string{"primitive", "outcome"},
		),
		waitPolls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wait_polls_total",
				Help:      "Total number of condition evaluations performed by wait_until",
			},
		),

		tests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tests_total",
				Help:      "Total number of async test cases by outcome",
			},
			[]string{"outcome"},
		),
		testDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "test_duration_seconds",
				Help:      "Duration of async test cases in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.tasksExecuted,
		m.taskDuration,
		m.tasksInFlight,
		m.batches,
		m.batchDuration,
		m.waits,
		m.waitPolls,
		m.tests,
		m.testDuration,
	)

	return m, nil
}

// RecordTaskStarted increments the in-flight gauge.
func (m *Metrics) RecordTaskStarted() {
	if m == nil || m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Inc()
}

// RecordTaskCompleted records a finished task with its status and duration.
func (m *Metrics) RecordTaskCompleted(status string, duration time.Duration) {
	if m == nil || m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.tasksInFlight.Dec()
}

// RecordBatch records a finished batch.
func (m *Metrics) RecordBatch(strategy, outcome string, duration time.Duration) {
	if m == nil || m.batches == nil {
		return
	}
	m.batches.WithLabelValues(strategy, outcome).Inc()
	m.batchDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordWait records a finished await or wait_until call.
func (m *Metrics) RecordWait(primitive, outcome string) {
	if m == nil || m.waits == nil {
		return
	}
	m.waits.WithLabelValues(primitive, outcome).Inc()
}

// RecordPoll counts a single condition evaluation.
func (m *Metrics) RecordPoll() {
	if m == nil || m.waitPolls == nil {
		return
	}
	m.waitPolls.Inc()
}

// RecordTest records a finished test case.
func (m *Metrics) RecordTest(outcome string, duration time.Duration) {
	if m == nil || m.tests == nil {
		return
	}
	m.tests.WithLabelValues(outcome).Inc()
	m.testDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Registry returns the registry backing these metrics, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	registry := m.Registry()
	if registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
