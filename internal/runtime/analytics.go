package runtime

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/apphub/catalog/internal/config"
	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// workflowSnapshot is the per-definition payload published as a
// workflow.analytics.snapshot event (spec §4.7/§6's analytics task).
type workflowSnapshot struct {
	WorkflowDefinitionID string           `json:"workflowDefinitionId"`
	WorkflowSlug         string           `json:"workflowSlug"`
	Window               string           `json:"window"`
	TotalRuns            int              `json:"totalRuns"`
	StatusCounts         map[string]int   `json:"statusCounts"`
	SuccessRate          float64          `json:"successRate"`
	FailureRate          float64          `json:"failureRate"`
	AverageDurationMs    float64          `json:"averageDurationMs"`
	FailureCategories    map[string]int   `json:"failureCategories"`
	Buckets              []snapshotBucket `json:"buckets"`
}

// snapshotBucket is one BucketWidth-sized slice of the window, ordered
// oldest first.
type snapshotBucket struct {
	BucketStart time.Time `json:"bucketStart"`
	TotalRuns   int       `json:"totalRuns"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
}

// analyticsTask computes and publishes a workflowSnapshot per workflow
// definition on a fixed interval. Grounded on the teacher's
// internal/tracing.RetentionManager (a single ticker-driven background
// sweep the daemon starts/stops alongside everything else), generalized
// from pruning trace rows to computing and emitting a snapshot per
// definition. Single-flight via runningFlag: a tick that finds the
// previous one still in progress is skipped rather than queued, since a
// missed analytics tick is harmless and overlapping DB scans are not worth
// the complexity of a panel of report.
type analyticsTask struct {
	store  store.Backend
	bus    eventPublisher
	cfg    config.AnalyticsConfig
	logger *slog.Logger

	running atomic.Bool
	// fatal is set once a tick observes a fatal-looking DB error; further
	// ticks become no-ops until the task is restarted, matching spec.md
	// line 136's "self-suspends on fatal DB errors" requirement.
	fatal atomic.Bool
}

type eventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

func newAnalyticsTask(backend store.Backend, bus eventPublisher, cfg config.AnalyticsConfig, logger *slog.Logger) *analyticsTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &analyticsTask{store: backend, bus: bus, cfg: cfg, logger: logger}
}

// run blocks, computing a snapshot round every cfg.Interval, until ctx is
// canceled. Disabled entirely when cfg.Disabled or cfg.Interval <= 0.
func (t *analyticsTask) run(ctx context.Context) {
	if t.cfg.Disabled || t.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *analyticsTask) tick(ctx context.Context) {
	if t.fatal.Load() {
		return
	}
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	defer t.running.Store(false)

	defs, err := t.store.ListLatestDefinitions(ctx)
	if err != nil {
		if isFatalDBError(err) {
			t.logger.Error("analytics task suspending after fatal store error", slog.Any("error", err))
			t.fatal.Store(true)
			return
		}
		t.logger.Warn("analytics task failed to list definitions", slog.Any("error", err))
		return
	}

	for _, def := range defs {
		snap, err := t.computeSnapshot(ctx, def)
		if err != nil {
			t.logger.Warn("analytics task failed to compute snapshot",
				slog.String("workflow_slug", def.Slug), slog.Any("error", err))
			continue
		}
		if err := t.bus.Publish(ctx, "workflow.analytics.snapshot", snap); err != nil {
			t.logger.Warn("analytics task failed to publish snapshot",
				slog.String("workflow_slug", def.Slug), slog.Any("error", err))
		}
	}
}

func (t *analyticsTask) computeSnapshot(ctx context.Context, def *catalog.WorkflowDefinition) (*workflowSnapshot, error) {
	runs, err := t.store.ListRuns(ctx, store.RunFilter{WorkflowDefinitionID: def.ID, Limit: 5000})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-t.cfg.Window)
	bucketWidth := t.cfg.BucketWidth
	if bucketWidth <= 0 {
		bucketWidth = time.Hour
	}
	numBuckets := int(t.cfg.Window/bucketWidth) + 1
	buckets := make([]snapshotBucket, numBuckets)
	for i := range buckets {
		buckets[i].BucketStart = cutoff.Add(time.Duration(i) * bucketWidth)
	}

	snap := &workflowSnapshot{
		WorkflowDefinitionID: def.ID,
		WorkflowSlug:         def.Slug,
		Window:               t.cfg.Window.String(),
		StatusCounts:         map[string]int{},
		FailureCategories:    map[string]int{},
	}

	var totalDurationMs float64
	var withDuration int
	for _, run := range runs {
		if run.CreatedAt.Before(cutoff) {
			// ListRuns returns newest first; once we cross the window
			// boundary nothing further qualifies.
			break
		}
		snap.TotalRuns++
		snap.StatusCounts[string(run.Status)]++
		if run.DurationMs != nil {
			totalDurationMs += float64(*run.DurationMs)
			withDuration++
		}

		idx := int(run.CreatedAt.Sub(cutoff) / bucketWidth)
		if idx >= 0 && idx < len(buckets) {
			buckets[idx].TotalRuns++
			switch run.Status {
			case catalog.RunSucceeded:
				buckets[idx].Succeeded++
			case catalog.RunFailed:
				buckets[idx].Failed++
			}
		}

		if run.Status == catalog.RunFailed {
			t.tallyFailureCategories(ctx, run, snap.FailureCategories)
		}
	}

	if snap.TotalRuns > 0 {
		snap.SuccessRate = float64(snap.StatusCounts[string(catalog.RunSucceeded)]) / float64(snap.TotalRuns)
		snap.FailureRate = float64(snap.StatusCounts[string(catalog.RunFailed)]) / float64(snap.TotalRuns)
	}
	if withDuration > 0 {
		snap.AverageDurationMs = totalDurationMs / float64(withDuration)
	}
	snap.Buckets = buckets
	return snap, nil
}

// tallyFailureCategories best-effort-classifies a failed run's terminal
// steps by failure category. WorkflowRunStep.FailureReason carries
// whatever free-text reason FailStep/CancelRun were given, which is only
// sometimes one of catalog's FailureCategory constants verbatim (CancelRun
// always passes FailureCanceled; most handler-originated failures pass a
// human-readable message instead) — anything that doesn't match a known
// category is bucketed as "unknown" rather than dropped, so the total
// still reconciles against StatusCounts["failed"].
func (t *analyticsTask) tallyFailureCategories(ctx context.Context, run *catalog.WorkflowRun, into map[string]int) {
	steps, err := t.store.ListStepsForRun(ctx, run.ID)
	if err != nil {
		into["unknown"]++
		return
	}
	matched := false
	for _, s := range steps {
		if s.Status != catalog.StepFailed {
			continue
		}
		if cat := knownFailureCategory(s.FailureReason); cat != "" {
			into[cat]++
			matched = true
		}
	}
	if !matched {
		into["unknown"]++
	}
}

func knownFailureCategory(reason string) string {
	switch catalog.FailureCategory(reason) {
	case catalog.FailureValidation, catalog.FailureTimeout, catalog.FailureHeartbeatLost,
		catalog.FailureHandlerError, catalog.FailureUpstreamUnavailable, catalog.FailureCanceled:
		return reason
	default:
		return ""
	}
}

// isFatalDBError reports whether err looks like a connection-level failure
// rather than a transient per-query one, per spec.md line 136's
// "connection refused, admin-terminated backend" examples. A
// Transient-kind error (dropped connection, deadlock) is assumed to clear
// up and is retried on the next tick; anything else, including an
// untagged error (catalogerr.KindOf's conservative Fatal default), trips
// the suspend.
func isFatalDBError(err error) bool {
	return catalogerr.KindOf(err) != catalogerr.Transient
}
