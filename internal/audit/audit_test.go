package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/internal/store/memstore"
	"github.com/apphub/catalog/pkg/catalog"
)

func TestRecordHistoryAppendsInOrder(t *testing.T) {
	ctx := context.Background()
	recorder := New(memstore.New())

	require.NoError(t, recorder.RecordHistory(ctx, "run-1", "", "", catalog.EventRunCreated, nil))
	require.NoError(t, recorder.RecordHistory(ctx, "run-1", "rs-1", "a", catalog.EventStepStarted, map[string]string{"attempt": "1"}))

	history, err := recorder.History(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, catalog.EventRunCreated, history[0].EventType)
	require.Equal(t, catalog.EventStepStarted, history[1].EventType)
	require.JSONEq(t, `{"attempt":"1"}`, string(history[1].EventPayload))
}

func TestRecordAuditPersistsActorAndScopes(t *testing.T) {
	ctx := context.Background()
	recorder := New(memstore.New())

	err := recorder.RecordAudit(ctx, "operator@example.com", "run.cancel", "run-1", "success", []string{"runs:write"}, map[string]string{"reason": "operator requested"})
	require.NoError(t, err)
}

func TestRecordHistoryPassesThroughRawJSON(t *testing.T) {
	ctx := context.Background()
	recorder := New(memstore.New())

	require.NoError(t, recorder.RecordHistory(ctx, "run-2", "", "", catalog.EventAssetMaterialized, []byte(`{"assetId":"orders.raw"}`)))

	history, err := recorder.History(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.JSONEq(t, `{"assetId":"orders.raw"}`, string(history[0].EventPayload))
}
