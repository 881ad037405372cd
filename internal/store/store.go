// Package store defines the State Store Adapter's interface segregation:
// one narrow interface per aggregate, composed into a single Backend that
// internal/runtime wires to a concrete implementation (internal/store/postgres
// is the only one shipped; an in-memory implementation backs unit tests).
package store

import (
	"context"
	"io"
	"time"

	"github.com/apphub/catalog/pkg/catalog"
)

// RunFilter narrows ListRuns queries.
type RunFilter struct {
	WorkflowDefinitionID string
	Status               []catalog.RunStatus
	TriggeredBy          catalog.TriggerSource
	Limit                int
	Offset               int
}

// DefinitionStore persists WorkflowDefinitions.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *catalog.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*catalog.WorkflowDefinition, error)
	GetDefinitionBySlug(ctx context.Context, slug string) (*catalog.WorkflowDefinition, error)
	UpdateDefinitionSchedule(ctx context.Context, id string, nextRunAt *time.Time, lastWindow []byte, cursor *time.Time) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*catalog.WorkflowDefinition, error)
	// ListLatestDefinitions returns the highest-version WorkflowDefinition for
	// every distinct slug, for callers that need to scan the full catalog
	// (auto-materialization, bulk validation) rather than look up one slug.
	ListLatestDefinitions(ctx context.Context) ([]*catalog.WorkflowDefinition, error)
}

// RunStore persists WorkflowRuns and enforces run-key/claim invariants.
type RunStore interface {
	// CreateRun inserts a new pending run. If run.RunKeyNormalized is set
	// and a non-terminal run already exists for (definitionId,
	// runKeyNormalized), CreateRun returns a *catalogerr.Error with kind
	// Conflict whose Detail is the existing run's ID, instead of inserting.
	CreateRun(ctx context.Context, run *catalog.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*catalog.WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*catalog.WorkflowRun, error)

	// ClaimRun transitions a pending run to running under row lock, setting
	// claimOwner and startedAt. Returns (false, nil) if the row is already
	// running/terminal (no-op, not an error).
	ClaimRun(ctx context.Context, runID, claimOwner string, now time.Time) (bool, error)

	// ReclaimStaleRuns finds running runs whose claimOwner differs from
	// currentOwner and whose most recent step heartbeat is older than
	// heartbeatTimeout, and rewrites their claimOwner to currentOwner.
	ReclaimStaleRuns(ctx context.Context, currentOwner string, heartbeatTimeout time.Duration, now time.Time) ([]string, error)

	// FinalizeRun sets a run's terminal status in one transaction, also
	// writing the given ExecutionHistory row and clearing CurrentStepID. It
	// does not check the run's current status.
	FinalizeRun(ctx context.Context, runID string, status catalog.RunStatus, output []byte, errMessage string, history *catalog.ExecutionHistory, now time.Time) error

	UpdateRunProgress(ctx context.Context, runID string, currentStepID string, currentStepIndex int) error
	CancelRun(ctx context.Context, runID, reason string, now time.Time) error
}

// StepStore persists WorkflowRunSteps.
type StepStore interface {
	CreateStep(ctx context.Context, step *catalog.WorkflowRunStep) error
	GetStep(ctx context.Context, id string) (*catalog.WorkflowRunStep, error)
	ListStepsForRun(ctx context.Context, runID string) ([]*catalog.WorkflowRunStep, error)

	// TransitionStep advances a step's status under SELECT FOR UPDATE,
	// incrementing retryCount whenever attempt exceeds the stored attempt.
	TransitionStep(ctx context.Context, stepID string, status catalog.StepStatus, attempt int, failureReason string, output []byte, now time.Time) error
	Heartbeat(ctx context.Context, stepID string, now time.Time) error
}

// AssetStore persists materializations, stale markers, and partition
// parameter snapshots.
type AssetStore interface {
	// RecordMaterialization inserts/updates the materialization row and
	// clears any stale marker atomically.
	RecordMaterialization(ctx context.Context, m *catalog.AssetMaterialization) error
	GetLatestMaterialization(ctx context.Context, definitionID, assetID, partitionKey string) (*catalog.AssetMaterialization, error)

	MarkStale(ctx context.Context, marker *catalog.AssetStalePartition) error
	ClearStale(ctx context.Context, definitionID, assetID, partitionKey string) error
	ListStale(ctx context.Context, definitionID string) ([]*catalog.AssetStalePartition, error)

	PutPartitionParameters(ctx context.Context, p *catalog.AssetPartitionParameters) error

	// GetAutoMaterializeClaim returns the cooldown-tracking row for one
	// (definition, asset, partition) tuple, or a NotFound error if the
	// auto-materializer has never attempted it.
	GetAutoMaterializeClaim(ctx context.Context, definitionID, assetID, partitionKey string) (*catalog.AutoMaterializeClaim, error)
	// UpsertAutoMaterializeClaim inserts or replaces the claim row keyed by
	// (WorkflowDefinitionID, AssetID, PartitionKey).
	UpsertAutoMaterializeClaim(ctx context.Context, claim *catalog.AutoMaterializeClaim) error
}

// BundleStore persists job bundle metadata (artifact bytes live in
// internal/bundle, addressed by ArtifactPath).
type BundleStore interface {
	// PublishVersion inserts a (slug, version). If one already exists and
	// force is false, returns a Conflict error; force=true replaces it
	// (rejected if the existing version is Immutable).
	PublishVersion(ctx context.Context, v *catalog.JobBundleVersion, force bool) error
	GetVersion(ctx context.Context, slug, version string) (*catalog.JobBundleVersion, error)
	GetLatestVersion(ctx context.Context, slug string) (*catalog.JobBundleVersion, error)
	DeprecateVersion(ctx context.Context, slug, version string, now time.Time) error
}

// ScheduleStore persists cron Schedules and claims due ones.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *catalog.Schedule) error
	// ClaimDueSchedules selects schedules with nextRunAt <= now using
	// SELECT ... FOR UPDATE SKIP LOCKED so concurrent orchestrator replicas
	// never double-materialize the same tick.
	ClaimDueSchedules(ctx context.Context, now time.Time, limit int) ([]*catalog.Schedule, error)
	AdvanceSchedule(ctx context.Context, scheduleID string, nextRunAt time.Time, lastWindow []byte, cursor time.Time) error
}

// TriggerStore persists EventTriggers and their deliveries.
type TriggerStore interface {
	CreateEventTrigger(ctx context.Context, t *catalog.EventTrigger) error
	ListTriggersForEvent(ctx context.Context, eventType, eventSource string) ([]*catalog.EventTrigger, error)
	CreateDelivery(ctx context.Context, d *catalog.TriggerDelivery) error
	UpdateDeliveryStatus(ctx context.Context, deliveryID string, status catalog.DeliveryStatus, runID, errMessage string) error
	PauseTrigger(ctx context.Context, triggerID, reason string, until time.Time) error
	RecentFailureCount(ctx context.Context, triggerID string, since time.Time) (int, error)

	// PauseSource suspends trigger evaluation for every event carrying this
	// source, independent of which trigger(s) it would otherwise match.
	PauseSource(ctx context.Context, source, reason string, until time.Time) error
	// GetSourcePause reports whether source is currently paused. A source
	// that was never paused, or whose pause has no row, reports paused=false.
	GetSourcePause(ctx context.Context, source string) (paused bool, reason string, until time.Time, err error)
	RecentFailureCountBySource(ctx context.Context, source string, since time.Time) (int, error)
}

// HistoryStore appends ExecutionHistory rows; never updates them.
type HistoryStore interface {
	AppendHistory(ctx context.Context, h *catalog.ExecutionHistory) error
	ListHistory(ctx context.Context, runID string) ([]*catalog.ExecutionHistory, error)
}

// AuditStore appends AuditLog rows.
type AuditStore interface {
	AppendAudit(ctx context.Context, a *catalog.AuditLog) error
}

// Backend composes every aggregate-scoped store into the one dependency the
// rest of the engine takes, mirroring the teacher's segregated-interface
// composition.
type Backend interface {
	DefinitionStore
	RunStore
	StepStore
	AssetStore
	BundleStore
	ScheduleStore
	TriggerStore
	HistoryStore
	AuditStore
	io.Closer
}
