// Package executor runs one WorkflowRunStep attempt to completion: it loads
// the step's handler (job bundle, service call, or fan-out expansion),
// invokes it with a StepContext carrying heartbeat/log/produceAsset
// callbacks, and reports the outcome back to internal/orchestrator. Bounded
// concurrency is a buffered-channel semaphore plus a sync.WaitGroup for
// drain-on-shutdown, the same pattern the teacher's
// internal/controller/runner.Runner uses for its execute() goroutines,
// rather than golang.org/x/sync/errgroup or semaphore (the teacher imports
// neither).
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
)

// RunAdvancer is the subset of internal/orchestrator.Orchestrator the
// executor calls back into once a step attempt finishes. Declared locally
// (rather than importing internal/orchestrator for a shared interface) so
// a *orchestrator.Orchestrator satisfies it structurally with no import
// cycle.
type RunAdvancer interface {
	CompleteStep(ctx context.Context, runID, runStepID string, output []byte) error
	FailStep(ctx context.Context, runID, runStepID string, retryPolicy *catalog.RetryPolicy, category catalog.FailureCategory, reason string) error
}

// HistoryRecorder is the narrow slice of internal/audit.Recorder the
// executor needs to append step.heartbeat and fanout.expanded
// ExecutionHistory rows (spec §4.9); step.started/completed/failed/retrying
// are recorded by internal/orchestrator, the caller of CompleteStep/FailStep.
type HistoryRecorder interface {
	RecordHistory(ctx context.Context, runID, workflowRunStepID, stepID string, eventType catalog.HistoryEventType, payload any) error
}

type noopHistoryRecorder struct{}

func (noopHistoryRecorder) RecordHistory(context.Context, string, string, string, catalog.HistoryEventType, any) error {
	return nil
}

// Config bounds the executor's worker pool and heartbeat behavior.
type Config struct {
	MaxConcurrency    int
	HeartbeatInterval time.Duration // minimum spacing between persisted heartbeats; spec floor is 5s
	DefaultTimeout    time.Duration
}

// Executor dispatches job/service/fan-out steps handed to it by the
// orchestrator and executes them against a bounded worker pool.
type Executor struct {
	store       store.Backend
	advancer    RunAdvancer
	jobs        HandlerRegistry
	bundles     BundleLoader
	services    ServiceCaller
	assets      AssetRecorder
	history     HistoryRecorder
	logger      *slog.Logger

	semaphore chan struct{}
	wg        sync.WaitGroup
	draining  atomic.Bool

	heartbeatInterval time.Duration
	defaultTimeout    time.Duration
}

// Option configures an Executor at construction time.
type Option func(*Executor)

func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }
func WithBundleLoader(b BundleLoader) Option { return func(e *Executor) { e.bundles = b } }
func WithServiceCaller(s ServiceCaller) Option { return func(e *Executor) { e.services = s } }
func WithAssetRecorder(a AssetRecorder) Option { return func(e *Executor) { e.assets = a } }
func WithHistoryRecorder(h HistoryRecorder) Option { return func(e *Executor) { e.history = h } }

// New builds an Executor. jobs resolves in-process (non-bundle) job
// handlers by slug; advancer receives the step's outcome.
func New(backend store.Backend, advancer RunAdvancer, jobs HandlerRegistry, cfg Config, opts ...Option) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2 * 4 // CPU*2 fallback used when runtime.NumCPU() isn't threaded through
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	e := &Executor{
		store:             backend,
		advancer:          advancer,
		jobs:              jobs,
		history:           noopHistoryRecorder{},
		logger:            slog.Default(),
		semaphore:         make(chan struct{}, cfg.MaxConcurrency),
		heartbeatInterval: cfg.HeartbeatInterval,
		defaultTimeout:    cfg.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Drain blocks until every in-flight step attempt this Executor dispatched
// has returned, and prevents new attempts from being accepted.
func (e *Executor) Drain() {
	e.draining.Store(true)
	e.wg.Wait()
}

// Dispatch satisfies internal/orchestrator.Dispatcher. It acquires a worker
// slot and runs the step attempt in its own goroutine, reporting the
// outcome back through the RunAdvancer once it completes; Dispatch itself
// returns as soon as the attempt is accepted. While the executor is
// draining, Dispatch runs nothing and instead reports the step to FailStep
// as canceled, returning that call's result.
func (e *Executor) Dispatch(ctx context.Context, run *catalog.WorkflowRun, def *catalog.WorkflowDefinition, step *catalog.Step, runStep *catalog.WorkflowRunStep) error {
	if e.draining.Load() {
		return e.advancer.FailStep(ctx, run.ID, runStep.ID, step.RetryPolicy, catalog.FailureCanceled, "executor is draining")
	}

	e.wg.Add(1)
	select {
	case e.semaphore <- struct{}{}:
	case <-ctx.Done():
		e.wg.Done()
		return ctx.Err()
	}

	go func() {
		defer e.wg.Done()
		defer func() { <-e.semaphore }()
		e.run(run, def, step, runStep)
	}()
	return nil
}

func (e *Executor) run(run *catalog.WorkflowRun, def *catalog.WorkflowDefinition, step *catalog.Step, runStep *catalog.WorkflowRunStep) {
	timeout := e.defaultTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger := e.logger.With(
		slog.String("run_id", run.ID),
		slog.String("step_id", step.ID),
		slog.Int("attempt", runStep.Attempt),
	)

	token := attemptToken(run.ID, step.ID, runStep.Attempt)
	hb := newHeartbeatThrottle(e.store, run.ID, runStep.ID, step.ID, e.heartbeatInterval, e.history)

	stepCtx := &StepContext{
		Run:          run,
		Step:         step,
		RunStep:      runStep,
		AttemptToken: token,
		Parameters:   run.Parameters,
		Context:      run.Context,
		Heartbeat:    hb.Beat,
		Log: func(level, msg string) {
			logger.Log(ctx, slogLevel(level), msg)
		},
		ProduceAsset: func(decl catalog.AssetDeclaration, payload, schema, freshness []byte) error {
			if e.assets == nil {
				return fmt.Errorf("no asset recorder configured")
			}
			return e.assets.RecordMaterialization(ctx, run, step, runStep, decl, payload, schema, freshness)
		},
	}

	var (
		output   []byte
		err      error
		category catalog.FailureCategory
	)

	switch step.Kind {
	case catalog.StepKindJob:
		output, err, category = e.executeJob(ctx, stepCtx)
	case catalog.StepKindService:
		output, err, category = e.executeService(ctx, stepCtx)
	case catalog.StepKindFanOut:
		output, err, category = e.executeFanOut(ctx, def, stepCtx)
	default:
		err = fmt.Errorf("unknown step kind %q", step.Kind)
		category = catalog.FailureValidation
	}

	if ctxErr := ctx.Err(); ctxErr != nil && err == nil {
		err = ctxErr
		category = catalog.FailureTimeout
	}

	reportCtx := context.Background()
	if err != nil {
		logger.Warn("step attempt failed", slog.String("error", err.Error()), slog.String("category", string(category)))
		if failErr := e.advancer.FailStep(reportCtx, run.ID, runStep.ID, step.RetryPolicy, category, err.Error()); failErr != nil {
			logger.Error("failed to record step failure", slog.String("error", failErr.Error()))
		}
		return
	}

	if completeErr := e.advancer.CompleteStep(reportCtx, run.ID, runStep.ID, output); completeErr != nil {
		logger.Error("failed to record step completion", slog.String("error", completeErr.Error()))
	}
}

// attemptToken is the idempotency key a job bundle is expected to honor:
// hash(runId, stepId, attempt).
func attemptToken(runID, stepID string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", runID, stepID, attempt)))
	return hex.EncodeToString(sum[:])
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
