package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/internal/store/memstore"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

type advancerCall struct {
	kind      string
	runID     string
	runStepID string
	output    []byte
	category  catalog.FailureCategory
	reason    string
}

// fakeAdvancer records the outcome the executor reports back, and signals a
// buffered channel so tests can wait on the executor's background goroutine
// without sleeping.
type fakeAdvancer struct {
	mu    sync.Mutex
	calls []advancerCall
	done  chan struct{}
}

func newFakeAdvancer() *fakeAdvancer {
	return &fakeAdvancer{done: make(chan struct{}, 32)}
}

func (f *fakeAdvancer) CompleteStep(ctx context.Context, runID, runStepID string, output []byte) error {
	f.mu.Lock()
	f.calls = append(f.calls, advancerCall{kind: "complete", runID: runID, runStepID: runStepID, output: output})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeAdvancer) FailStep(ctx context.Context, runID, runStepID string, retryPolicy *catalog.RetryPolicy, category catalog.FailureCategory, reason string) error {
	f.mu.Lock()
	f.calls = append(f.calls, advancerCall{kind: "fail", runID: runID, runStepID: runStepID, category: category, reason: reason})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeAdvancer) waitForCall(t *testing.T) advancerCall {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for advancer call")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeServiceCaller struct {
	healthy, degraded bool
	status            int
	body              []byte
	err               error
}

func (f *fakeServiceCaller) Call(ctx context.Context, serviceSlug string, req *catalog.RequestTemplate) (int, []byte, error) {
	return f.status, f.body, f.err
}

func (f *fakeServiceCaller) Healthy(ctx context.Context, serviceSlug string) (bool, bool) {
	return f.healthy, f.degraded
}

func testRunAndStep(stepID string) (*catalog.WorkflowRun, *catalog.Step, *catalog.WorkflowRunStep) {
	run := &catalog.WorkflowRun{ID: "run-1", Parameters: json.RawMessage(`{}`), CreatedAt: time.Now()}
	step := &catalog.Step{ID: stepID, Kind: catalog.StepKindJob, JobSlug: stepID}
	runStep := &catalog.WorkflowRunStep{ID: "runstep-1", WorkflowRunID: run.ID, StepID: stepID, Status: catalog.StepRunning, Attempt: 1}
	return run, step, runStep
}

func TestDispatchJobStepReportsCompletion(t *testing.T) {
	backend := memstore.New()
	require.NoError(t, backend.CreateStep(context.Background(), &catalog.WorkflowRunStep{ID: "runstep-1", WorkflowRunID: "run-1", StepID: "echo", Status: catalog.StepRunning, Attempt: 1}))

	advancer := newFakeAdvancer()
	jobs := StaticRegistry{
		"echo": JobHandlerFunc(func(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		}),
	}
	exec := New(backend, advancer, jobs, Config{MaxConcurrency: 2})

	run, step, runStep := testRunAndStep("echo")
	def := &catalog.WorkflowDefinition{ID: "def-1"}
	require.NoError(t, exec.Dispatch(context.Background(), run, def, step, runStep))

	call := advancer.waitForCall(t)
	require.Equal(t, "complete", call.kind)
	require.JSONEq(t, `{"ok":true}`, string(call.output))
}

func TestDispatchJobStepClassifiesValidationFailure(t *testing.T) {
	backend := memstore.New()
	require.NoError(t, backend.CreateStep(context.Background(), &catalog.WorkflowRunStep{ID: "runstep-1", WorkflowRunID: "run-1", StepID: "bad", Status: catalog.StepRunning, Attempt: 1}))

	advancer := newFakeAdvancer()
	jobs := StaticRegistry{
		"bad": JobHandlerFunc(func(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error) {
			return nil, catalogerr.Validationf("missing required field %q", "amount")
		}),
	}
	exec := New(backend, advancer, jobs, Config{MaxConcurrency: 2})

	run, step, runStep := testRunAndStep("bad")
	def := &catalog.WorkflowDefinition{ID: "def-1"}
	require.NoError(t, exec.Dispatch(context.Background(), run, def, step, runStep))

	call := advancer.waitForCall(t)
	require.Equal(t, "fail", call.kind)
	require.Equal(t, catalog.FailureValidation, call.category)
}

func TestDispatchFailsImmediatelyWhileDraining(t *testing.T) {
	backend := memstore.New()
	advancer := newFakeAdvancer()
	exec := New(backend, advancer, StaticRegistry{}, Config{MaxConcurrency: 2})
	exec.draining.Store(true)

	run, step, runStep := testRunAndStep("never-runs")
	def := &catalog.WorkflowDefinition{ID: "def-1"}
	err := exec.Dispatch(context.Background(), run, def, step, runStep)
	require.NoError(t, err)

	advancer.mu.Lock()
	defer advancer.mu.Unlock()
	require.Len(t, advancer.calls, 1)
	require.Equal(t, "fail", advancer.calls[0].kind)
	require.Equal(t, catalog.FailureCanceled, advancer.calls[0].category)
}

func TestAttemptTokenIsDeterministicAndAttemptScoped(t *testing.T) {
	a := attemptToken("run-1", "step-1", 1)
	b := attemptToken("run-1", "step-1", 1)
	c := attemptToken("run-1", "step-1", 2)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 64) // hex-encoded sha256
}

func TestHeartbeatThrottleDropsCallsWithinInterval(t *testing.T) {
	backend := memstore.New()
	ctx := context.Background()
	require.NoError(t, backend.CreateStep(ctx, &catalog.WorkflowRunStep{ID: "runstep-1", WorkflowRunID: "run-1", StepID: "x", Status: catalog.StepRunning, Attempt: 1}))

	throttle := newHeartbeatThrottle(backend, "run-1", "runstep-1", "x", time.Hour, noopHistoryRecorder{})
	throttle.Beat()
	first, err := backend.GetStep(ctx, "runstep-1")
	require.NoError(t, err)
	require.NotNil(t, first.LastHeartbeatAt)
	firstBeat := *first.LastHeartbeatAt

	throttle.Beat()
	second, err := backend.GetStep(ctx, "runstep-1")
	require.NoError(t, err)
	require.Equal(t, firstBeat, *second.LastHeartbeatAt)
}

func TestExecuteServiceRequiresHealthyGatesCall(t *testing.T) {
	backend := memstore.New()
	advancer := newFakeAdvancer()
	services := &fakeServiceCaller{healthy: false, degraded: false}
	exec := New(backend, advancer, StaticRegistry{}, Config{MaxConcurrency: 2}, WithServiceCaller(services))

	stepCtx := &StepContext{
		Step: &catalog.Step{ID: "call", Kind: catalog.StepKindService, ServiceSlug: "billing", RequireHealthy: true, Request: &catalog.RequestTemplate{Method: "GET", Path: "/status"}},
	}
	_, err, category := exec.executeService(context.Background(), stepCtx)
	require.Error(t, err)
	require.Equal(t, catalog.FailureUpstreamUnavailable, category)
}

func TestExecuteServiceCapturesResponseUnderStoreResponseAs(t *testing.T) {
	backend := memstore.New()
	advancer := newFakeAdvancer()
	services := &fakeServiceCaller{healthy: true, status: 200, body: []byte(`{"balance":42}`)}
	exec := New(backend, advancer, StaticRegistry{}, Config{MaxConcurrency: 2}, WithServiceCaller(services))

	stepCtx := &StepContext{
		Step: &catalog.Step{
			ID: "call", Kind: catalog.StepKindService, ServiceSlug: "billing",
			Request:         &catalog.RequestTemplate{Method: "GET", Path: "/balance"},
			CaptureResponse: true, StoreResponseAs: "balanceResult",
		},
	}
	output, err, _ := exec.executeService(context.Background(), stepCtx)
	require.NoError(t, err)
	require.JSONEq(t, `{"balanceResult":{"balance":42}}`, string(output))
}

func TestExecuteFanOutExpandsCollectionAndAggregatesOutputs(t *testing.T) {
	backend := memstore.New()
	ctx := context.Background()
	run := &catalog.WorkflowRun{ID: "run-fanout", Parameters: json.RawMessage(`{"items":[1,2,3]}`), CreatedAt: time.Now()}
	parent := &catalog.WorkflowRunStep{ID: "parent-step", WorkflowRunID: run.ID, StepID: "process-all", Status: catalog.StepRunning, Attempt: 1}
	require.NoError(t, backend.CreateStep(ctx, parent))

	advancer := newFakeAdvancer()
	jobs := StaticRegistry{
		"double": JobHandlerFunc(func(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error) {
			var payload struct {
				Item  float64 `json:"item"`
				Index int     `json:"index"`
			}
			require.NoError(t, json.Unmarshal(stepCtx.Context, &payload))
			return json.RawMessage(fmt.Sprintf(`{"doubled":%v}`, payload.Item*2)), nil
		}),
	}
	exec := New(backend, advancer, jobs, Config{MaxConcurrency: 4})

	fanoutStep := &catalog.Step{
		ID: "process-all", Kind: catalog.StepKindFanOut,
		Collection:     "parameters.items",
		Template:       &catalog.Step{ID: "double", Kind: catalog.StepKindJob, JobSlug: "double"},
		MaxConcurrency: 2,
		StoreResultsAs: "doubled",
	}
	stepCtx := &StepContext{Run: run, Step: fanoutStep, RunStep: parent, Parameters: run.Parameters}

	output, err, category := exec.executeFanOut(ctx, &catalog.WorkflowDefinition{ID: "def-1"}, stepCtx)
	require.NoError(t, err)
	require.Empty(t, category)

	var wrapped struct {
		Doubled []struct {
			Doubled float64 `json:"doubled"`
		} `json:"doubled"`
	}
	require.NoError(t, json.Unmarshal(output, &wrapped))
	require.Len(t, wrapped.Doubled, 3)
	require.ElementsMatch(t, []float64{2, 4, 6}, []float64{wrapped.Doubled[0].Doubled, wrapped.Doubled[1].Doubled, wrapped.Doubled[2].Doubled})

	children, err := backend.ListStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	var fanoutChildren int
	for _, c := range children {
		if c.ParentStepID == parent.ID {
			fanoutChildren++
			require.Equal(t, "double", c.TemplateStepID)
			require.NotNil(t, c.FanoutIndex)
			require.Equal(t, catalog.StepSucceeded, c.Status)
		}
	}
	require.Equal(t, 3, fanoutChildren)
}

func TestExecuteFanOutClipsToMaxItems(t *testing.T) {
	backend := memstore.New()
	ctx := context.Background()
	run := &catalog.WorkflowRun{ID: "run-clip", Parameters: json.RawMessage(`{"items":[1,2,3,4,5]}`), CreatedAt: time.Now()}
	parent := &catalog.WorkflowRunStep{ID: "parent-clip", WorkflowRunID: run.ID, StepID: "process-some", Status: catalog.StepRunning, Attempt: 1}
	require.NoError(t, backend.CreateStep(ctx, parent))

	advancer := newFakeAdvancer()
	jobs := StaticRegistry{
		"noop": JobHandlerFunc(func(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}),
	}
	exec := New(backend, advancer, jobs, Config{MaxConcurrency: 4})

	fanoutStep := &catalog.Step{
		ID: "process-some", Kind: catalog.StepKindFanOut,
		Collection: "parameters.items",
		Template:   &catalog.Step{ID: "noop", Kind: catalog.StepKindJob, JobSlug: "noop"},
		MaxItems:   2,
	}
	stepCtx := &StepContext{Run: run, Step: fanoutStep, RunStep: parent, Parameters: run.Parameters, Log: func(string, string) {}}

	_, err, _ := exec.executeFanOut(ctx, &catalog.WorkflowDefinition{ID: "def-1"}, stepCtx)
	require.NoError(t, err)

	children, err := backend.ListStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	var fanoutChildren int
	for _, c := range children {
		if c.ParentStepID == parent.ID {
			fanoutChildren++
		}
	}
	require.Equal(t, 2, fanoutChildren)
}

func TestExecuteFanOutFailsWhenAnyChildFails(t *testing.T) {
	backend := memstore.New()
	ctx := context.Background()
	run := &catalog.WorkflowRun{ID: "run-fail", Parameters: json.RawMessage(`{"items":[1,2]}`), CreatedAt: time.Now()}
	parent := &catalog.WorkflowRunStep{ID: "parent-fail", WorkflowRunID: run.ID, StepID: "process-fail", Status: catalog.StepRunning, Attempt: 1}
	require.NoError(t, backend.CreateStep(ctx, parent))

	advancer := newFakeAdvancer()
	jobs := StaticRegistry{
		"flaky": JobHandlerFunc(func(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error) {
			var payload struct {
				Item float64 `json:"item"`
			}
			require.NoError(t, json.Unmarshal(stepCtx.Context, &payload))
			if payload.Item == 2 {
				return nil, catalogerr.Fatalf("item %v is poisoned", payload.Item)
			}
			return json.RawMessage(`{}`), nil
		}),
	}
	exec := New(backend, advancer, jobs, Config{MaxConcurrency: 4})

	fanoutStep := &catalog.Step{
		ID: "process-fail", Kind: catalog.StepKindFanOut,
		Collection: "parameters.items",
		Template:   &catalog.Step{ID: "flaky", Kind: catalog.StepKindJob, JobSlug: "flaky"},
	}
	stepCtx := &StepContext{Run: run, Step: fanoutStep, RunStep: parent, Parameters: run.Parameters}

	_, err, category := exec.executeFanOut(ctx, &catalog.WorkflowDefinition{ID: "def-1"}, stepCtx)
	require.Error(t, err)
	require.Equal(t, catalog.FailureHandlerError, category)
}
