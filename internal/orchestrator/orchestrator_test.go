package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/internal/store/memstore"
	"github.com/apphub/catalog/pkg/catalog"
)

// fakeDispatcher immediately completes every step it is handed, recording
// dispatch order so tests can assert on fan-in/fan-out sequencing.
type fakeDispatcher struct {
	orch     *Orchestrator
	dispatched []string
	failStep   map[string]catalog.FailureCategory
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, run *catalog.WorkflowRun, def *catalog.WorkflowDefinition, step *catalog.Step, runStep *catalog.WorkflowRunStep) error {
	d.dispatched = append(d.dispatched, step.ID)
	if cat, shouldFail := d.failStep[step.ID]; shouldFail {
		return d.orch.FailStep(ctx, run.ID, runStep.ID, step.RetryPolicy, cat, "synthetic failure")
	}
	return d.orch.CompleteStep(ctx, run.ID, runStep.ID, nil)
}

func linearDefinition() *catalog.WorkflowDefinition {
	return &catalog.WorkflowDefinition{
		ID:      "def-1",
		Slug:    "linear",
		Version: 1,
		Steps: []catalog.Step{
			{ID: "a", Kind: catalog.StepKindJob},
			{ID: "b", Kind: catalog.StepKindJob, DependsOn: []string{"a"}},
			{ID: "c", Kind: catalog.StepKindJob, DependsOn: []string{"b"}},
		},
		Dag: catalog.DagMetadata{
			Roots:           []string{"a"},
			Order:           []string{"a", "b", "c"},
			FanoutTemplates: map[string]string{},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func setup(t *testing.T) (*memstore.Backend, *Orchestrator, *fakeDispatcher) {
	t.Helper()
	backend := memstore.New()
	disp := &fakeDispatcher{failStep: map[string]catalog.FailureCategory{}}
	orch := New(backend, disp, "test-owner")
	disp.orch = orch
	return backend, orch, disp
}

func TestCreateRunAndStartDrivesLinearChainToSuccess(t *testing.T) {
	ctx := context.Background()
	backend, orch, disp := setup(t)

	def := linearDefinition()
	require.NoError(t, backend.CreateDefinition(ctx, def))

	run, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", nil)
	require.NoError(t, err)

	require.NoError(t, orch.Start(ctx, run.ID))

	require.Equal(t, []string{"a", "b", "c"}, disp.dispatched)

	final, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunSucceeded, final.Status)
	require.NotNil(t, final.DurationMs)
}

// fakePublisher records every event type published, in order.
type fakePublisher struct {
	published []string
}

func (p *fakePublisher) Publish(_ context.Context, eventType string, _ any) error {
	p.published = append(p.published, eventType)
	return nil
}

func TestRunLifecyclePublishesEvents(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	disp := &fakeDispatcher{failStep: map[string]catalog.FailureCategory{}}
	pub := &fakePublisher{}
	orch := New(backend, disp, "test-owner", WithEventPublisher(pub))
	disp.orch = orch

	def := linearDefinition()
	require.NoError(t, backend.CreateDefinition(ctx, def))

	run, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", nil)
	require.NoError(t, err)
	require.NoError(t, orch.Start(ctx, run.ID))

	require.Equal(t, []string{
		"workflow.run.pending",
		"workflow.run.running",
		"workflow.run.succeeded",
	}, pub.published)
}

func TestCancelRunPublishesCanceledEvent(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	disp := &fakeDispatcher{failStep: map[string]catalog.FailureCategory{}}
	pub := &fakePublisher{}
	orch := New(backend, disp, "test-owner", WithEventPublisher(pub))
	disp.orch = orch

	def := linearDefinition()
	require.NoError(t, backend.CreateDefinition(ctx, def))
	run, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", nil)
	require.NoError(t, err)

	require.NoError(t, orch.CancelRun(ctx, run.ID, "operator requested"))
	require.Equal(t, "workflow.run.canceled", pub.published[len(pub.published)-1])
}

func TestStartIsIdempotentOnceClaimed(t *testing.T) {
	ctx := context.Background()
	backend, orch, _ := setup(t)

	def := linearDefinition()
	require.NoError(t, backend.CreateDefinition(ctx, def))
	run, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", nil)
	require.NoError(t, err)

	require.NoError(t, orch.Start(ctx, run.ID))
	// A second Start on an already-claimed (now terminal) run must be a no-op,
	// not re-dispatch already-completed steps.
	require.NoError(t, orch.Start(ctx, run.ID))
}

func TestDiamondDependencyWaitsForBothBranches(t *testing.T) {
	ctx := context.Background()
	backend, orch, disp := setup(t)

	def := &catalog.WorkflowDefinition{
		ID:   "def-diamond",
		Slug: "diamond",
		Steps: []catalog.Step{
			{ID: "root", Kind: catalog.StepKindJob},
			{ID: "left", Kind: catalog.StepKindJob, DependsOn: []string{"root"}},
			{ID: "right", Kind: catalog.StepKindJob, DependsOn: []string{"root"}},
			{ID: "join", Kind: catalog.StepKindJob, DependsOn: []string{"left", "right"}},
		},
		Dag: catalog.DagMetadata{FanoutTemplates: map[string]string{}},
	}
	require.NoError(t, backend.CreateDefinition(ctx, def))
	run, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", nil)
	require.NoError(t, err)

	require.NoError(t, orch.Start(ctx, run.ID))

	require.Contains(t, disp.dispatched, "join")
	require.Equal(t, "join", disp.dispatched[len(disp.dispatched)-1])

	final, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunSucceeded, final.Status)
}

func TestFailedStepFailsRunAndSkipsDownstream(t *testing.T) {
	ctx := context.Background()
	backend, orch, disp := setup(t)
	disp.failStep["a"] = catalog.FailureHandlerError // not retryable

	def := linearDefinition()
	require.NoError(t, backend.CreateDefinition(ctx, def))
	run, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", nil)
	require.NoError(t, err)

	require.NoError(t, orch.Start(ctx, run.ID))

	require.Equal(t, []string{"a"}, disp.dispatched)

	final, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunFailed, final.Status)

	steps, err := backend.ListStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	statuses := map[string]catalog.StepStatus{}
	for _, s := range steps {
		statuses[s.StepID] = s.Status
	}
	require.Equal(t, catalog.StepFailed, statuses["a"])
	require.Equal(t, catalog.StepSkipped, statuses["b"])
	require.Equal(t, catalog.StepSkipped, statuses["c"])
}

func TestCreateRunResolvesLatestBundleVersionAtCreationTime(t *testing.T) {
	ctx := context.Background()
	backend, orch, _ := setup(t)

	def := &catalog.WorkflowDefinition{
		ID:   "def-bundle",
		Slug: "bundle-job",
		Steps: []catalog.Step{
			{
				ID:   "ingest",
				Kind: catalog.StepKindJob,
				Bundle: &catalog.BundleBinding{
					Strategy: catalog.BundleStrategyLatest,
					Slug:     "etl-ingest",
				},
			},
		},
		Dag: catalog.DagMetadata{FanoutTemplates: map[string]string{}},
	}
	require.NoError(t, backend.CreateDefinition(ctx, def))

	resolveCalls := 0
	resolve := func(ctx context.Context, slug string) (string, error) {
		resolveCalls++
		require.Equal(t, "etl-ingest", slug)
		return "3.2.1", nil
	}

	run, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", resolve)
	require.NoError(t, err)
	require.Equal(t, 1, resolveCalls)

	steps, err := backend.ListStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Contains(t, string(steps[0].Input), "3.2.1")

	// The shared definition's step template must not have been mutated.
	require.Empty(t, def.Steps[0].Bundle.Version)
}

func TestCancelRunFailsEveryNonTerminalStep(t *testing.T) {
	ctx := context.Background()
	backend, orch, disp := setup(t)
	disp.orch = nil // dispatcher not invoked in this test; run stays pending

	def := linearDefinition()
	require.NoError(t, backend.CreateDefinition(ctx, def))
	run, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", nil)
	require.NoError(t, err)

	require.NoError(t, orch.CancelRun(ctx, run.ID, "operator requested cancellation"))

	final, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunCanceled, final.Status)

	steps, err := backend.ListStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	for _, s := range steps {
		require.Equal(t, catalog.StepFailed, s.Status)
		require.Equal(t, string(catalog.FailureCanceled), s.FailureReason)
	}
}

func TestReclaimStaleRunsResetsRunningStepsAndRedispatches(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	disp := &fakeDispatcher{failStep: map[string]catalog.FailureCategory{}}
	orch := New(backend, disp, "new-owner")
	disp.orch = orch

	def := linearDefinition()
	// A lost heartbeat goes through FailStep; a second allowed attempt is
	// what puts "a" back to pending instead of failing the run.
	def.Steps[0].RetryPolicy = &catalog.RetryPolicy{MaxAttempts: 2}
	require.NoError(t, backend.CreateDefinition(ctx, def))

	// Claim the run under a different, now-dead owner and leave step "a"
	// stuck in running with no heartbeat, simulating a crashed instance.
	run, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", nil)
	require.NoError(t, err)
	_, err = backend.ClaimRun(ctx, run.ID, "dead-owner", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	steps, err := backend.ListStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	var stepA *catalog.WorkflowRunStep
	for _, s := range steps {
		if s.StepID == "a" {
			stepA = s
		}
	}
	require.NotNil(t, stepA)
	require.NoError(t, backend.TransitionStep(ctx, stepA.ID, catalog.StepRunning, 1, "", nil, time.Now().UTC().Add(-time.Hour)))

	reclaimed, err := orch.ReclaimStaleRuns(ctx, time.Minute, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, []string{run.ID}, reclaimed)

	// AdvanceRun should have re-dispatched the reset step and driven the
	// run to completion under the new owner.
	require.Equal(t, []string{"a", "b", "c"}, disp.dispatched)
	final, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunSucceeded, final.Status)
}

func TestCreateRunRejectsDuplicateActiveRunKey(t *testing.T) {
	ctx := context.Background()
	backend, orch, _ := setup(t)

	def := linearDefinition()
	require.NoError(t, backend.CreateDefinition(ctx, def))

	_, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredBySchedule, uuid.NewString(), "", nil)
	require.NoError(t, err)

	// The run above used an unrelated key and does not conflict; a second
	// active run with this same literal key exercises the conflict path.
	sharedKey := "2025-06-01T00:00:00Z"
	_, err = orch.CreateRun(ctx, def, nil, catalog.TriggeredBySchedule, sharedKey, "", nil)
	require.NoError(t, err)

	_, err = orch.CreateRun(ctx, def, nil, catalog.TriggeredBySchedule, sharedKey, "", nil)
	require.Error(t, err)
}
