package orchestrator

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector records orchestrator lifecycle events, generalized from
// the teacher's runner.MetricsCollector (run/step counts and durations) to
// this engine's run-key/step-attempt shaped domain.
type MetricsCollector interface {
	RecordRunStart(ctx context.Context, runID, workflowSlug string)
	RecordRunComplete(ctx context.Context, runID, workflowSlug, status, trigger string, duration time.Duration)
	RecordStepComplete(ctx context.Context, workflowSlug, stepID, status string, duration time.Duration)
	IncrementQueueDepth()
	DecrementQueueDepth()
}

type noopMetrics struct{}

func (noopMetrics) RecordRunStart(context.Context, string, string)                          {}
func (noopMetrics) RecordRunComplete(context.Context, string, string, string, string, time.Duration) {}
func (noopMetrics) RecordStepComplete(context.Context, string, string, string, time.Duration) {}
func (noopMetrics) IncrementQueueDepth()                                                     {}
func (noopMetrics) DecrementQueueDepth()                                                     {}

// PromMetrics is the prometheus/client_golang-backed MetricsCollector wired
// into cmd/catalogd.
type PromMetrics struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stepsCompleted *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
}

// NewPromMetrics registers and returns a PromMetrics collector. Pass a
// dedicated *prometheus.Registry per process (or prometheus.DefaultRegisterer
// wrapped by the caller) to avoid duplicate-registration panics in tests
// that construct more than one.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalog",
			Subsystem: "orchestrator",
			Name:      "runs_started_total",
			Help:      "Workflow runs started, labeled by workflow slug.",
		}, []string{"workflow"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalog",
			Subsystem: "orchestrator",
			Name:      "runs_completed_total",
			Help:      "Workflow runs completed, labeled by workflow slug, terminal status, and trigger source.",
		}, []string{"workflow", "status", "trigger"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "catalog",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of completed workflow runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"workflow", "status"}),
		stepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalog",
			Subsystem: "orchestrator",
			Name:      "steps_completed_total",
			Help:      "Workflow steps completed, labeled by workflow slug, step id, and terminal status.",
		}, []string{"workflow", "step", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "catalog",
			Subsystem: "orchestrator",
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of completed workflow steps.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"workflow", "step"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "catalog",
			Subsystem: "orchestrator",
			Name:      "dispatch_queue_depth",
			Help:      "Number of steps currently awaiting dispatch.",
		}),
	}
	reg.MustRegister(m.runsStarted, m.runsCompleted, m.runDuration, m.stepsCompleted, m.stepDuration, m.queueDepth)
	return m
}

func (m *PromMetrics) RecordRunStart(_ context.Context, _ string, workflowSlug string) {
	m.runsStarted.WithLabelValues(workflowSlug).Inc()
}

func (m *PromMetrics) RecordRunComplete(_ context.Context, _ string, workflowSlug, status, trigger string, duration time.Duration) {
	m.runsCompleted.WithLabelValues(workflowSlug, status, trigger).Inc()
	m.runDuration.WithLabelValues(workflowSlug, status).Observe(duration.Seconds())
}

func (m *PromMetrics) RecordStepComplete(_ context.Context, workflowSlug, stepID, status string, duration time.Duration) {
	m.stepsCompleted.WithLabelValues(workflowSlug, stepID, status).Inc()
	m.stepDuration.WithLabelValues(workflowSlug, stepID).Observe(duration.Seconds())
}

func (m *PromMetrics) IncrementQueueDepth() { m.queueDepth.Inc() }
func (m *PromMetrics) DecrementQueueDepth() { m.queueDepth.Dec() }
