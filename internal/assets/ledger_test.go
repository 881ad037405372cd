package assets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/internal/store/memstore"
	"github.com/apphub/catalog/pkg/catalog"
)

func staticDecl() catalog.AssetDeclaration {
	return catalog.AssetDeclaration{
		StepID:    "ingest",
		Direction: catalog.AssetProduces,
		AssetID:   "orders.raw",
		Partitioning: &catalog.Partitioning{
			Type: catalog.PartitionStatic,
			Keys: []string{"us", "eu"},
		},
	}
}

func TestRecordMaterializationValidatesPartitionKey(t *testing.T) {
	ctx := context.Background()
	ledger := New(memstore.New())

	run := &catalog.WorkflowRun{ID: "run-1", WorkflowDefinitionID: "def-1", PartitionKey: "apac"}
	step := &catalog.Step{ID: "ingest"}
	runStep := &catalog.WorkflowRunStep{ID: "runstep-1"}

	err := ledger.RecordMaterialization(ctx, run, step, runStep, staticDecl(), []byte(`{}`), nil, nil)
	require.Error(t, err)
}

func TestRecordMaterializationThenGetLatest(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	ledger := New(backend)

	run := &catalog.WorkflowRun{ID: "run-1", WorkflowDefinitionID: "def-1", PartitionKey: "us"}
	step := &catalog.Step{ID: "ingest"}
	runStep := &catalog.WorkflowRunStep{ID: "runstep-1"}

	require.NoError(t, ledger.RecordMaterialization(ctx, run, step, runStep, staticDecl(), []byte(`{"rows":10}`), nil, nil))

	latest, err := ledger.GetLatest(ctx, "def-1", "orders.raw", "us")
	require.NoError(t, err)
	require.Equal(t, "run-1", latest.WorkflowRunID)
	require.JSONEq(t, `{"rows":10}`, string(latest.Payload))
}

func TestRecordMaterializationClearsExistingStaleMarker(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	ledger := New(backend)

	require.NoError(t, ledger.MarkStale(ctx, "def-1", "orders.raw", "us", "operator", "manual refresh requested"))
	stale, err := ledger.ListStale(ctx, "def-1")
	require.NoError(t, err)
	require.Len(t, stale, 1)

	run := &catalog.WorkflowRun{ID: "run-1", WorkflowDefinitionID: "def-1", PartitionKey: "us"}
	require.NoError(t, ledger.RecordMaterialization(ctx, run, &catalog.Step{ID: "ingest"}, &catalog.WorkflowRunStep{ID: "rs-1"}, staticDecl(), []byte(`{}`), nil, nil))

	stale, err = ledger.ListStale(ctx, "def-1")
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestIsOutOfDateTrueWhenNeverMaterialized(t *testing.T) {
	ctx := context.Background()
	ledger := New(memstore.New())

	stale, err := ledger.IsOutOfDate(ctx, "def-1", "orders.enriched", "us", nil)
	require.NoError(t, err)
	require.True(t, stale)
}

func TestIsOutOfDateComparesUpstreamProducedAt(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	ledger := New(backend)

	older := &catalog.AssetMaterialization{
		ID: "m1", WorkflowDefinitionID: "def-upstream", AssetID: "orders.raw", PartitionKey: "us",
		ProducedAt: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, backend.RecordMaterialization(ctx, older))

	downstream := &catalog.AssetMaterialization{
		ID: "m2", WorkflowDefinitionID: "def-downstream", AssetID: "orders.enriched", PartitionKey: "us",
		ProducedAt: time.Now().Add(-1 * time.Hour),
	}
	require.NoError(t, backend.RecordMaterialization(ctx, downstream))

	upstreams := []UpstreamRef{{DefinitionID: "def-upstream", AssetID: "orders.raw"}}
	stale, err := ledger.IsOutOfDate(ctx, "def-downstream", "orders.enriched", "us", upstreams)
	require.NoError(t, err)
	require.False(t, stale, "downstream is newer than upstream, not out of date")

	fresher := &catalog.AssetMaterialization{
		ID: "m3", WorkflowDefinitionID: "def-upstream", AssetID: "orders.raw", PartitionKey: "us",
		ProducedAt: time.Now(),
	}
	require.NoError(t, backend.RecordMaterialization(ctx, fresher))

	stale, err = ledger.IsOutOfDate(ctx, "def-downstream", "orders.enriched", "us", upstreams)
	require.NoError(t, err)
	require.True(t, stale, "upstream is now newer than downstream")
}

func TestIsExpiredRespectsFreshnessPolicy(t *testing.T) {
	m := &catalog.AssetMaterialization{ProducedAt: time.Now().Add(-2 * time.Hour)}
	require.True(t, IsExpired(m, &catalog.FreshnessPolicy{MaxAgeMs: int64(time.Hour / time.Millisecond)}, time.Now()))
	require.False(t, IsExpired(m, &catalog.FreshnessPolicy{MaxAgeMs: int64(3 * time.Hour / time.Millisecond)}, time.Now()))
	require.False(t, IsExpired(m, nil, time.Now()))
}
