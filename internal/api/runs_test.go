package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/internal/orchestrator"
	"github.com/apphub/catalog/internal/store/memstore"
	"github.com/apphub/catalog/pkg/catalog"
)

// immediateDispatcher completes every step the instant it's dispatched, so
// handler tests can assert on a run's final state without a real executor
// goroutine in the mix.
type immediateDispatcher struct {
	orch *orchestrator.Orchestrator
}

func (d *immediateDispatcher) Dispatch(ctx context.Context, run *catalog.WorkflowRun, def *catalog.WorkflowDefinition, step *catalog.Step, runStep *catalog.WorkflowRunStep) error {
	return d.orch.CompleteStep(ctx, run.ID, runStep.ID, json.RawMessage(`{}`))
}

func oneStepDefinition(slug string) *catalog.WorkflowDefinition {
	return &catalog.WorkflowDefinition{
		ID:   uuid.NewString(),
		Slug: slug,
		Steps: []catalog.Step{
			{ID: "only", Kind: catalog.StepKindJob, JobSlug: "noop"},
		},
		Dag: catalog.DagMetadata{
			Roots:           []string{"only"},
			Order:           []string{"only"},
			FanoutTemplates: map[string]string{},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func newTestRunsHandler(t *testing.T) (*RunsHandler, *memstore.Backend, *orchestrator.Orchestrator) {
	t.Helper()
	backend := memstore.New()
	disp := &immediateDispatcher{}
	orch := orchestrator.New(backend, disp, "api-test")
	disp.orch = orch
	return NewRunsHandler(backend, orch), backend, orch
}

func TestRunsHandlerCreateAndGet(t *testing.T) {
	ctx := context.Background()
	h, backend, _ := newTestRunsHandler(t)

	def := oneStepDefinition("api-run")
	require.NoError(t, backend.CreateDefinition(ctx, def))

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body := strings.NewReader(`{"definitionSlug":"api-run"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var created catalog.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/runs/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var fetched catalog.WorkflowRun
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &fetched))
	require.Equal(t, catalog.RunSucceeded, fetched.Status)
}

func TestRunsHandlerCreateUnknownDefinition404(t *testing.T) {
	h, _, _ := newTestRunsHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(`{"definitionSlug":"missing"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsHandlerCancel(t *testing.T) {
	ctx := context.Background()
	h, backend, orch := newTestRunsHandler(t)

	def := oneStepDefinition("api-cancel")
	require.NoError(t, backend.CreateDefinition(ctx, def))

	// Left pending (no Start call) so the run is still cancelable.
	run, err := orch.CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodDelete, "/v1/runs/"+run.ID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	final, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunCanceled, final.Status)
}
