package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector records Prometheus-compatible engine metrics: run/step
// counts and durations, queue depth, and auto-materialize failure
// categories. Grounded on the teacher's tracing.MetricsCollector, retargeted
// from workflow/LLM metrics to run/step/asset metrics.
type MetricsCollector struct {
	meter metric.Meter

	runsTotal  metric.Int64Counter
	stepsTotal metric.Int64Counter

	runDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram

	activeRuns   map[string]bool
	activeRunsMu sync.RWMutex

	queueDepth   int64
	queueDepthMu sync.RWMutex

	autoMaterializeFailuresTotal metric.Int64Counter
}

// NewMetricsCollector registers the engine's metric instruments against
// meterProvider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("catalog")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error
	mc.runsTotal, err = meter.Int64Counter(
		"catalog_runs_total",
		metric.WithDescription("Total number of workflow runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepsTotal, err = meter.Int64Counter(
		"catalog_steps_total",
		metric.WithDescription("Total number of workflow run steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"catalog_run_duration_seconds",
		metric.WithDescription("Workflow run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"catalog_step_duration_seconds",
		metric.WithDescription("Step attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.autoMaterializeFailuresTotal, err = meter.Int64Counter(
		"catalog_auto_materialize_failures_total",
		metric.WithDescription("Total number of failed auto-materialize run launches"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"catalog_active_runs",
		metric.WithDescription("Number of currently active workflow runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"catalog_queue_depth",
		metric.WithDescription("Number of run steps waiting to be dispatched"),
		metric.WithUnit("{step}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			mc.queueDepthMu.RLock()
			depth := mc.queueDepth
			mc.queueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart marks a run as active, for the catalog_active_runs gauge.
func (mc *MetricsCollector) RecordRunStart(runID string) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[runID] = true
	mc.activeRunsMu.Unlock()
}

// RecordRunComplete records a run's terminal status and total duration.
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, runID, definitionSlug, status, triggeredBy string, duration time.Duration) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, runID)
	mc.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("definition", definitionSlug),
		attribute.String("status", status),
		attribute.String("triggered_by", triggeredBy),
	}
	mc.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStepComplete records one step attempt's terminal status and
// duration.
func (mc *MetricsCollector) RecordStepComplete(ctx context.Context, definitionSlug, stepID, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("definition", definitionSlug),
		attribute.String("step", stepID),
		attribute.String("status", status),
	}
	mc.stepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordAutoMaterializeFailure increments the auto-materialize failure
// counter, categorized by the error kind that caused the launch to fail.
func (mc *MetricsCollector) RecordAutoMaterializeFailure(ctx context.Context, assetID, kind string) {
	attrs := []attribute.KeyValue{
		attribute.String("asset", assetID),
		attribute.String("kind", kind),
	}
	mc.autoMaterializeFailuresTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// IncrementQueueDepth increments the pending-step queue depth gauge.
func (mc *MetricsCollector) IncrementQueueDepth() {
	mc.queueDepthMu.Lock()
	mc.queueDepth++
	mc.queueDepthMu.Unlock()
}

// DecrementQueueDepth decrements the pending-step queue depth gauge.
func (mc *MetricsCollector) DecrementQueueDepth() {
	mc.queueDepthMu.Lock()
	if mc.queueDepth > 0 {
		mc.queueDepth--
	}
	mc.queueDepthMu.Unlock()
}
