package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

func newRun(id, defID, runKey string) *catalog.WorkflowRun {
	now := time.Now()
	return &catalog.WorkflowRun{
		ID:                   id,
		WorkflowDefinitionID: defID,
		Status:               catalog.RunPending,
		RunKey:               runKey,
		RunKeyNormalized:     runKey,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestCreateRunRejectsActiveDuplicateRunKey(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.CreateRun(ctx, newRun("run-1", "def-1", "daily")))

	err := b.CreateRun(ctx, newRun("run-2", "def-1", "daily"))
	require.Error(t, err)
	require.Equal(t, catalogerr.Conflict, catalogerr.KindOf(err))
}

func TestCreateRunAllowsDuplicateRunKeyOnceFirstIsTerminal(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.CreateRun(ctx, newRun("run-1", "def-1", "daily")))
	require.NoError(t, b.FinalizeRun(ctx, "run-1", catalog.RunSucceeded, nil, "", nil, time.Now()))

	require.NoError(t, b.CreateRun(ctx, newRun("run-2", "def-1", "daily")))
}

func TestClaimRunIsOnceOnly(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.CreateRun(ctx, newRun("run-1", "def-1", "")))

	claimed, err := b.ClaimRun(ctx, "run-1", "owner-a", time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = b.ClaimRun(ctx, "run-1", "owner-b", time.Now())
	require.NoError(t, err)
	require.False(t, claimed)

	run, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "owner-a", run.ClaimOwner)
}

func TestRecordMaterializationClearsStaleMarker(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.MarkStale(ctx, &catalog.AssetStalePartition{
		ID: "stale-1", WorkflowDefinitionID: "def-1", AssetID: "asset-1",
		PartitionKey: "2025-01-01", RequestedBy: "operator", RequestedAt: time.Now(),
	}))

	stale, err := b.ListStale(ctx, "def-1")
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, b.RecordMaterialization(ctx, &catalog.AssetMaterialization{
		ID: "mat-1", WorkflowDefinitionID: "def-1", AssetID: "asset-1", PartitionKey: "2025-01-01",
		ProducedAt: time.Now(), CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	stale, err = b.ListStale(ctx, "def-1")
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestPublishVersionRejectsImmutableOverwrite(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.PublishVersion(ctx, &catalog.JobBundleVersion{
		ID: "v1", Slug: "etl-job", Version: "1.0.0", Immutable: true, Status: catalog.BundlePublished,
	}, false))

	err := b.PublishVersion(ctx, &catalog.JobBundleVersion{
		ID: "v1b", Slug: "etl-job", Version: "1.0.0", Status: catalog.BundlePublished,
	}, true)
	require.Error(t, err)
	require.Equal(t, catalogerr.Conflict, catalogerr.KindOf(err))
}
