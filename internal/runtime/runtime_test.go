package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/internal/config"
	"github.com/apphub/catalog/internal/executor"
	"github.com/apphub/catalog/internal/store/memstore"
	"github.com/apphub/catalog/pkg/catalog"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bundle.StorageRoot = t.TempDir()
	cfg.Runtime.InstanceID = "runtime-test"
	cfg.Analytics.Disabled = true
	return cfg
}

func linearDefinition(slug string) *catalog.WorkflowDefinition {
	return &catalog.WorkflowDefinition{
		ID:   uuid.NewString(),
		Slug: slug,
		Steps: []catalog.Step{
			{ID: "a", Kind: catalog.StepKindJob, JobSlug: "noop"},
			{ID: "b", Kind: catalog.StepKindJob, JobSlug: "noop", DependsOn: []string{"a"}},
		},
		Dag: catalog.DagMetadata{
			Roots:           []string{"a"},
			Order:           []string{"a", "b"},
			FanoutTemplates: map[string]string{},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func noopJobHandlers() executor.StaticRegistry {
	return executor.StaticRegistry{
		"noop": executor.JobHandlerFunc(func(_ context.Context, _ *executor.StepContext) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}),
	}
}

func TestNewAssemblesOverMemstoreAndRegistersDefinition(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()

	rt, err := New(ctx, testConfig(t), nil, WithBackend(backend), WithJobHandlers(noopJobHandlers()))
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, rt.Shutdown(shutdownCtx))
	}()

	def := linearDefinition("runtime-linear")
	require.NoError(t, rt.RegisterDefinition(ctx, def, uuid.NewString))

	run, err := rt.Orchestrator().CreateRun(ctx, def, nil, catalog.TriggeredByManual, "", "", nil)
	require.NoError(t, err)
	require.NoError(t, rt.Orchestrator().Start(ctx, run.ID))

	require.Eventually(t, func() bool {
		final, err := backend.GetRun(ctx, run.ID)
		return err == nil && final.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	final, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunSucceeded, final.Status)

	history, err := rt.History().History(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
}

func TestNewSkipsLeaderElectionOverMemstoreBackend(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	cfg := testConfig(t)
	cfg.Runtime.LeaderElection = true

	// memstore has no DB() to take an advisory lock against: New must
	// still succeed, just without an elector, rather than failing outright.
	rt, err := New(ctx, cfg, nil, WithBackend(backend))
	require.NoError(t, err)
	require.Nil(t, rt.elector)
}
