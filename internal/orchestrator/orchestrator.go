// Package orchestrator drives a WorkflowRun from creation to a terminal
// status: it creates the per-step execution rows for a run, evaluates each
// step's readiness against internal/dag's skip-propagation rule as
// dependencies complete, hands ready steps to a Dispatcher, and finalizes
// the run once every step has reached a terminal state. It is grounded on
// the teacher's internal/controller/runner.Run lifecycle (pending -> running
// -> completed/failed/cancelled) and its MetricsCollector interface,
// generalized from a single in-process agent run to a DAG of steps
// persisted through internal/store.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/catalog/internal/dag"
	"github.com/apphub/catalog/internal/eventbus"
	"github.com/apphub/catalog/internal/runkey"
	"github.com/apphub/catalog/internal/schema"
	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// Dispatcher hands a claimed, ready step off for execution. Implementations
// (internal/executor) run the step asynchronously and eventually call back
// into the Orchestrator via CompleteStep/FailStep.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *catalog.WorkflowRun, def *catalog.WorkflowDefinition, step *catalog.Step, runStep *catalog.WorkflowRunStep) error
}

// EventPublisher is the narrow slice of internal/eventbus.Bus the
// orchestrator needs to announce run lifecycle transitions (spec §4.7).
// Declared locally, the same structural-interface convention used by
// internal/assets, internal/trigger, internal/scheduler, and
// internal/automaterialize, so this package doesn't depend on
// internal/eventbus just to reference its concrete type.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, any) error { return nil }

// HistoryRecorder is the narrow slice of internal/audit.Recorder the
// orchestrator needs to append step-level ExecutionHistory rows (spec
// §4.9). Declared locally for the same reason EventPublisher is: this
// package shouldn't import internal/audit just to reference its concrete
// type.
type HistoryRecorder interface {
	RecordHistory(ctx context.Context, runID, workflowRunStepID, stepID string, eventType catalog.HistoryEventType, payload any) error
}

type noopHistoryRecorder struct{}

func (noopHistoryRecorder) RecordHistory(context.Context, string, string, string, catalog.HistoryEventType, any) error {
	return nil
}

// runEventPayload is the envelope published for every workflow.run.*
// lifecycle event.
type runEventPayload struct {
	RunID                string `json:"runId"`
	WorkflowDefinitionID string `json:"workflowDefinitionId"`
	Status               string `json:"status"`
	Reason               string `json:"reason,omitempty"`
}

// Orchestrator owns the run/step lifecycle state machine.
type Orchestrator struct {
	store      store.Backend
	dispatcher Dispatcher
	metrics    MetricsCollector
	publisher  EventPublisher
	history    HistoryRecorder
	logger     *slog.Logger
	claimOwner string
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithMetrics installs a MetricsCollector. Defaults to a no-op collector.
func WithMetrics(m MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger installs a logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEventPublisher installs the event bus the orchestrator announces run
// lifecycle transitions (pending/running/succeeded/failed/canceled)
// through. Defaults to a no-op publisher.
func WithEventPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithHistoryRecorder installs the ExecutionHistory sink the orchestrator
// appends step.started/completed/failed/retrying/skipped rows through.
// Defaults to a no-op recorder.
func WithHistoryRecorder(r HistoryRecorder) Option {
	return func(o *Orchestrator) { o.history = r }
}

// New builds an Orchestrator. claimOwner identifies this process instance
// for run claim/heartbeat bookkeeping (typically hostname:pid).
func New(backend store.Backend, dispatcher Dispatcher, claimOwner string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      backend,
		dispatcher: dispatcher,
		metrics:    noopMetrics{},
		publisher:  noopPublisher{},
		history:    noopHistoryRecorder{},
		logger:     slog.Default(),
		claimOwner: claimOwner,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) publishRunEvent(ctx context.Context, eventType, runID, definitionID, status, reason string) {
	if err := o.publisher.Publish(ctx, eventType, runEventPayload{
		RunID: runID, WorkflowDefinitionID: definitionID, Status: status, Reason: reason,
	}); err != nil {
		o.logger.Warn("publishing run event", slog.String("event_type", eventType), slog.String("run_id", runID), slog.Any("error", err))
	}
}

// stepHistoryPayload is the envelope recorded for every step.* history row.
type stepHistoryPayload struct {
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason,omitempty"`
}

func (o *Orchestrator) recordStepHistory(ctx context.Context, runID string, runStep *catalog.WorkflowRunStep, eventType catalog.HistoryEventType, reason string) {
	payload := stepHistoryPayload{Attempt: runStep.Attempt, Reason: reason}
	if err := o.history.RecordHistory(ctx, runID, runStep.ID, runStep.StepID, eventType, payload); err != nil {
		o.logger.Warn("recording step history", slog.String("event_type", string(eventType)), slog.String("run_id", runID), slog.String("step_id", runStep.StepID), slog.Any("error", err))
	}
}

// CreateRun inserts a pending WorkflowRun and its initial step rows (every
// step that is not itself a fan-out template) and returns it. Job steps
// bound with BundleStrategy latest have their target version resolved to a
// concrete (slug, version) pair at this point, not per-attempt, so retries
// of the same step reuse the bundle version the run started with.
func (o *Orchestrator) CreateRun(ctx context.Context, def *catalog.WorkflowDefinition, params []byte, triggeredBy catalog.TriggerSource, runKey, partitionKey string, resolveBundle func(ctx context.Context, slug string) (string, error)) (*catalog.WorkflowRun, error) {
	if err := schema.Validate(def.ParametersSchema, params); err != nil {
		return nil, catalogerr.Validationf("run parameters for definition %s: %v", def.Slug, err)
	}

	now := time.Now().UTC()
	run := &catalog.WorkflowRun{
		ID:                   uuid.NewString(),
		WorkflowDefinitionID: def.ID,
		Status:               catalog.RunPending,
		Parameters:           params,
		TriggeredBy:          triggeredBy,
		PartitionKey:         partitionKey,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if runKey != "" {
		normalized, err := runkey.Normalize(runKey)
		if err != nil {
			return nil, err
		}
		run.RunKey = runKey
		run.RunKeyNormalized = normalized
	}

	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	templateIDs := def.Dag.FanoutTemplates
	for _, step := range def.Steps {
		if _, isTemplate := templateIDs[step.ID]; isTemplate {
			continue
		}

		var input json.RawMessage
		if step.Kind == catalog.StepKindJob && step.Bundle != nil && step.Bundle.Strategy == catalog.BundleStrategyLatest && resolveBundle != nil {
			version, err := resolveBundle(ctx, step.Bundle.Slug)
			if err != nil {
				return nil, fmt.Errorf("resolving latest bundle for step %s: %w", step.ID, err)
			}
			resolvedBundle := *step.Bundle
			resolvedBundle.Version = version
			encoded, err := json.Marshal(map[string]any{"bundle": resolvedBundle})
			if err != nil {
				return nil, fmt.Errorf("encoding resolved bundle for step %s: %w", step.ID, err)
			}
			input = encoded
		}

		runStep := &catalog.WorkflowRunStep{
			ID:            uuid.NewString(),
			WorkflowRunID: run.ID,
			StepID:        step.ID,
			Status:        catalog.StepPending,
			Attempt:       1,
			Input:         input,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := o.store.CreateStep(ctx, runStep); err != nil {
			return nil, fmt.Errorf("creating step %s: %w", step.ID, err)
		}
	}

	o.metrics.RecordRunStart(ctx, run.ID, def.Slug)
	o.publishRunEvent(ctx, eventbus.TypeRunPending, run.ID, def.ID, string(catalog.RunPending), "")
	return run, nil
}

// Start claims the run and dispatches every initially-ready step (the DAG
// roots). Call AdvanceRun afterward as steps complete.
func (o *Orchestrator) Start(ctx context.Context, runID string) error {
	claimed, err := o.store.ClaimRun(ctx, runID, o.claimOwner, time.Now().UTC())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	o.publishRunEvent(ctx, eventbus.TypeRunRunning, runID, "", string(catalog.RunRunning), "")
	return o.AdvanceRun(ctx, runID)
}

// AdvanceRun re-evaluates every non-terminal step's readiness and dispatches
// newly-ready steps, looping over fresh store reads until a pass produces no
// further state changes (a step may become skippable only once an upstream
// sibling's own skip was just recorded, so a single pass would leave
// multi-level skip cascades half-applied). It finalizes the run once every
// step is terminal.
func (o *Orchestrator) AdvanceRun(ctx context.Context, runID string) error {
	rule := dag.ReadinessRule{}

	var allTerminal bool
	var anyFailed bool
	var run *catalog.WorkflowRun
	var def *catalog.WorkflowDefinition
	var lastSteps []*catalog.WorkflowRunStep

	for {
		var err error
		run, err = o.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}

		def, err = o.store.GetDefinition(ctx, run.WorkflowDefinitionID)
		if err != nil {
			return err
		}
		steps, err := o.store.ListStepsForRun(ctx, runID)
		if err != nil {
			return err
		}
		lastSteps = steps

		byStepID := map[string][]*catalog.WorkflowRunStep{}
		for _, s := range steps {
			byStepID[s.StepID] = append(byStepID[s.StepID], s)
		}

		allTerminal = true
		anyFailed = false
		progressed := false

		for _, stepDef := range def.Steps {
			if _, isTemplate := def.Dag.FanoutTemplates[stepDef.ID]; isTemplate {
				continue
			}
			runSteps := byStepID[stepDef.ID]
			if len(runSteps) == 0 {
				continue
			}

			for _, rs := range runSteps {
				if !rs.Status.Terminal() {
					allTerminal = false
				}
				if rs.Status == catalog.StepFailed {
					anyFailed = true
				}
			}

			if len(runSteps) != 1 || runSteps[0].Status != catalog.StepPending {
				continue
			}
			runStep := runSteps[0]

			depStatuses := make([]catalog.StepStatus, 0, len(stepDef.DependsOn))
			for _, depID := range stepDef.DependsOn {
				depStatuses = append(depStatuses, aggregateStatus(byStepID[depID]))
			}

			switch rule.Evaluate(depStatuses) {
			case dag.Ready:
				if err := o.dispatchStep(ctx, run, def, stepDef, runStep); err != nil {
					return err
				}
				progressed = true
			case dag.Skip:
				if err := o.store.TransitionStep(ctx, runStep.ID, catalog.StepSkipped, runStep.Attempt, "", nil, time.Now().UTC()); err != nil {
					return err
				}
				o.recordStepHistory(ctx, run.ID, runStep, catalog.EventStepSkipped, "")
				progressed = true
			case dag.NotReady:
			}
		}

		if !progressed {
			break
		}
	}

	if !allTerminal {
		return nil
	}

	finalStatus := catalog.RunSucceeded
	if anyFailed {
		finalStatus = catalog.RunFailed
	}

	var output []byte
	errMessage := run.ErrorMessage
	if finalStatus == catalog.RunSucceeded {
		output = aggregateRunOutput(lastSteps)
		if err := schema.Validate(def.OutputSchema, output); err != nil {
			finalStatus = catalog.RunFailed
			errMessage = fmt.Sprintf("run output failed schema validation: %v", err)
			output = nil
		}
	}

	now := time.Now().UTC()
	history := &catalog.ExecutionHistory{
		ID:        uuid.NewString(),
		EventType: catalog.EventRunCompleted,
	}
	if err := o.store.FinalizeRun(ctx, runID, finalStatus, output, errMessage, history, now); err != nil {
		return err
	}
	o.metrics.RecordRunComplete(ctx, runID, def.Slug, string(finalStatus), string(run.TriggeredBy), now.Sub(run.CreatedAt))
	eventType := eventbus.TypeRunSucceeded
	if finalStatus == catalog.RunFailed {
		eventType = eventbus.TypeRunFailed
	}
	o.publishRunEvent(ctx, eventType, runID, def.ID, string(finalStatus), errMessage)
	return nil
}

// aggregateRunOutput folds every succeeded, non-fan-out-child step's output
// into a single object keyed by stepId, the value FinalizeRun persists as
// the run's own Output and, when the definition declares one, validates
// against OutputSchema.
func aggregateRunOutput(steps []*catalog.WorkflowRunStep) []byte {
	outputs := map[string]json.RawMessage{}
	for _, s := range steps {
		if s.Status != catalog.StepSucceeded || len(s.Output) == 0 || s.ParentStepID != "" {
			continue
		}
		outputs[s.StepID] = s.Output
	}
	if len(outputs) == 0 {
		return nil
	}
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return nil
	}
	return encoded
}

func (o *Orchestrator) dispatchStep(ctx context.Context, run *catalog.WorkflowRun, def *catalog.WorkflowDefinition, stepDef catalog.Step, runStep *catalog.WorkflowRunStep) error {
	if err := o.store.TransitionStep(ctx, runStep.ID, catalog.StepRunning, runStep.Attempt, "", nil, time.Now().UTC()); err != nil {
		return err
	}
	if err := o.store.UpdateRunProgress(ctx, run.ID, stepDef.ID, 0); err != nil {
		o.logger.Warn("updating run progress", slog.String("error", err.Error()))
	}
	o.recordStepHistory(ctx, run.ID, runStep, catalog.EventStepStarted, "")
	return o.dispatcher.Dispatch(ctx, run, def, &stepDef, runStep)
}

// aggregateStatus folds a step-id's run-step rows (plural only for fan-out
// children sharing a TemplateStepID) into the single status the readiness
// rule evaluates dependents against: terminal only once every row is
// terminal, failed if any row failed, succeeded if any row succeeded and
// none failed, else the first non-terminal row's status.
func aggregateStatus(rows []*catalog.WorkflowRunStep) catalog.StepStatus {
	if len(rows) == 0 {
		return catalog.StepSkipped
	}
	if len(rows) == 1 {
		return rows[0].Status
	}

	allTerminal := true
	anyFailed := false
	anySucceeded := false
	for _, r := range rows {
		if !r.Status.Terminal() {
			allTerminal = false
		}
		switch r.Status {
		case catalog.StepFailed:
			anyFailed = true
		case catalog.StepSucceeded:
			anySucceeded = true
		}
	}
	if !allTerminal {
		return catalog.StepRunning
	}
	if anyFailed {
		return catalog.StepFailed
	}
	if anySucceeded {
		return catalog.StepSucceeded
	}
	return catalog.StepSkipped
}

// CompleteStep records a successful step completion and advances the run.
func (o *Orchestrator) CompleteStep(ctx context.Context, runID, runStepID string, output []byte) error {
	runStep, err := o.store.GetStep(ctx, runStepID)
	if err != nil {
		return err
	}
	if err := o.store.TransitionStep(ctx, runStepID, catalog.StepSucceeded, runStep.Attempt, "", output, time.Now().UTC()); err != nil {
		return err
	}
	o.recordStepHistory(ctx, runID, runStep, catalog.EventStepCompleted, "")
	return o.AdvanceRun(ctx, runID)
}

// FailStep records a failed attempt. If category is retryable and the step
// has attempts remaining, it is reset to pending with an incremented
// attempt number (subject to the caller re-dispatching after the policy's
// backoff delay); otherwise it is marked failed and the run is advanced.
func (o *Orchestrator) FailStep(ctx context.Context, runID, runStepID string, retryPolicy *catalog.RetryPolicy, category catalog.FailureCategory, reason string) error {
	runStep, err := o.store.GetStep(ctx, runStepID)
	if err != nil {
		return err
	}

	maxAttempts := 1
	if retryPolicy != nil && retryPolicy.MaxAttempts > 0 {
		maxAttempts = retryPolicy.MaxAttempts
	}

	if category.Retryable() && runStep.Attempt < maxAttempts {
		nextAttempt := runStep.Attempt + 1
		o.recordStepHistory(ctx, runID, runStep, catalog.EventStepFailed, reason)
		if err := o.store.TransitionStep(ctx, runStepID, catalog.StepPending, nextAttempt, reason, nil, time.Now().UTC()); err != nil {
			return err
		}
		retried := *runStep
		retried.Attempt = nextAttempt
		o.recordStepHistory(ctx, runID, &retried, catalog.EventStepRetrying, reason)
		return nil
	}

	if err := o.store.TransitionStep(ctx, runStepID, catalog.StepFailed, runStep.Attempt, reason, nil, time.Now().UTC()); err != nil {
		return err
	}
	o.recordStepHistory(ctx, runID, runStep, catalog.EventStepFailed, reason)
	return o.AdvanceRun(ctx, runID)
}

// ReclaimStaleRuns takes over ownership of runs whose previous claim
// owner's step heartbeats have gone silent for longer than
// heartbeatTimeout, fails their in-flight steps with
// catalog.FailureHeartbeatLost so each goes through the same
// FailStep/retry-policy path a handler-reported failure would (rather than
// silently resetting to pending at the same attempt count forever), and
// returns the reclaimed run IDs. Grounded on the teacher's runner/lease
// reclaim sweep: a dead owner's claim is taken over rather than waited out,
// since nothing else will ever un-stick a run whose owning process crashed
// mid-step.
func (o *Orchestrator) ReclaimStaleRuns(ctx context.Context, heartbeatTimeout time.Duration, now time.Time) ([]string, error) {
	runIDs, err := o.store.ReclaimStaleRuns(ctx, o.claimOwner, heartbeatTimeout, now)
	if err != nil {
		return nil, err
	}
	for _, runID := range runIDs {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			o.logger.Warn("loading reclaimed run", slog.String("run_id", runID), slog.Any("error", err))
			continue
		}
		def, err := o.store.GetDefinition(ctx, run.WorkflowDefinitionID)
		if err != nil {
			o.logger.Warn("loading definition for reclaimed run", slog.String("run_id", runID), slog.Any("error", err))
			continue
		}
		retryPolicies := make(map[string]*catalog.RetryPolicy, len(def.Steps))
		for _, stepDef := range def.Steps {
			retryPolicies[stepDef.ID] = stepDef.RetryPolicy
		}

		steps, err := o.store.ListStepsForRun(ctx, runID)
		if err != nil {
			o.logger.Warn("listing steps for reclaimed run", slog.String("run_id", runID), slog.Any("error", err))
			continue
		}
		for _, s := range steps {
			if s.Status != catalog.StepRunning {
				continue
			}
			if err := o.FailStep(ctx, runID, s.ID, retryPolicies[s.StepID], catalog.FailureHeartbeatLost, "heartbeat lost"); err != nil {
				o.logger.Warn("failing reclaimed step for lost heartbeat",
					slog.String("run_id", runID), slog.String("step_id", s.StepID), slog.Any("error", err))
			}
		}
		if err := o.AdvanceRun(ctx, runID); err != nil {
			o.logger.Warn("advancing reclaimed run", slog.String("run_id", runID), slog.Any("error", err))
		}
	}
	return runIDs, nil
}

// CancelRun transitions the run and every one of its non-terminal steps
// (including, transitively, every still-running fan-out child) to
// canceled/failed terminal states in one sweep.
func (o *Orchestrator) CancelRun(ctx context.Context, runID, reason string) error {
	steps, err := o.store.ListStepsForRun(ctx, runID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, s := range steps {
		if s.Status.Terminal() {
			continue
		}
		if err := o.store.TransitionStep(ctx, s.ID, catalog.StepFailed, s.Attempt, string(catalog.FailureCanceled), nil, now); err != nil {
			return err
		}
	}
	if err := o.store.CancelRun(ctx, runID, reason, now); err != nil {
		return err
	}
	o.publishRunEvent(ctx, eventbus.TypeRunCanceled, runID, "", string(catalog.RunCanceled), reason)
	return nil
}
