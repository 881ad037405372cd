package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/internal/store/memstore"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

func catalogConflictErr() error {
	return catalogerr.Conflictf("run already materialized for this window")
}

type fakeCreator struct {
	calls []createRunCall
	err   error
}

type createRunCall struct {
	runKey       string
	partitionKey string
}

func (f *fakeCreator) CreateRun(_ context.Context, _ *catalog.WorkflowDefinition, _ []byte, _ catalog.TriggerSource, runKey, partitionKey string, _ func(ctx context.Context, slug string) (string, error)) (*catalog.WorkflowRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, createRunCall{runKey: runKey, partitionKey: partitionKey})
	return &catalog.WorkflowRun{ID: "run-" + runKey}, nil
}

func seedDefinitionAndSchedule(t *testing.T, backend *memstore.Backend, cronExpr string, catchUp bool, cursor *time.Time) *catalog.Schedule {
	t.Helper()
	def := &catalog.WorkflowDefinition{ID: "def-1", Slug: "nightly", Name: "nightly", Version: 1}
	require.NoError(t, backend.CreateDefinition(context.Background(), def))

	sched := &catalog.Schedule{
		ID:                   "sched-1",
		WorkflowDefinitionID: def.ID,
		Cron:                 cronExpr,
		CatchUp:              catchUp,
		CatchupCursor:        cursor,
		Enabled:              true,
		NextRunAt:            timePtr(time.Now().UTC().Add(-time.Minute)),
	}
	require.NoError(t, backend.CreateSchedule(context.Background(), sched))
	return sched
}

func timePtr(t time.Time) *time.Time { return &t }

func TestTickMaterializesSingleLatestWindowWithoutCatchUp(t *testing.T) {
	backend := memstore.New()
	now := time.Now().UTC()
	cursor := now.Add(-90 * time.Minute)
	seedDefinitionAndSchedule(t, backend, "*/15 * * * *", false, &cursor)

	creator := &fakeCreator{}
	s := New(backend, creator, Config{})

	require.NoError(t, s.Tick(context.Background()))
	require.Len(t, creator.calls, 1, "non-catchup schedules materialize only the latest missed window")
}

func TestTickMaterializesEveryMissedWindowWithCatchUp(t *testing.T) {
	backend := memstore.New()
	now := time.Now().UTC().Truncate(time.Minute)
	cursor := now.Add(-time.Hour)
	seedDefinitionAndSchedule(t, backend, "*/15 * * * *", true, &cursor)

	creator := &fakeCreator{}
	s := New(backend, creator, Config{})

	require.NoError(t, s.Tick(context.Background()))
	require.Len(t, creator.calls, 4, "catchUp=true with a 1h cursor and 15m cron should materialize 4 windows")
}

func TestTickAdvancesNextRunAtSoSchedulesAreNotReclaimedImmediately(t *testing.T) {
	backend := memstore.New()
	now := time.Now().UTC()
	cursor := now.Add(-30 * time.Minute)
	sched := seedDefinitionAndSchedule(t, backend, "*/15 * * * *", true, &cursor)

	creator := &fakeCreator{}
	s := New(backend, creator, Config{})
	require.NoError(t, s.Tick(context.Background()))

	due, err := backend.ClaimDueSchedules(context.Background(), now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "a re-claim after the next tick should pick the schedule back up")
	require.Equal(t, sched.ID, due[0].ID)
}

func TestTickToleratesRunCreationConflictFromAnotherReplica(t *testing.T) {
	backend := memstore.New()
	now := time.Now().UTC()
	cursor := now.Add(-time.Minute)
	seedDefinitionAndSchedule(t, backend, "* * * * *", false, &cursor)

	creator := &fakeCreator{err: catalogConflictErr()}
	s := New(backend, creator, Config{})
	require.NoError(t, s.Tick(context.Background()), "a conflicting CreateRun must not fail the whole tick")
}
