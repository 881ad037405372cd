// Package assets implements the Asset Ledger: recording materializations,
// tracking stale partitions, and exposing the upstream/downstream staleness
// comparison the trigger dispatcher's auto-materialization policy consumes.
// It is a thin business-logic layer over internal/store.AssetStore, the way
// the teacher's internal/controller packages layer policy over their own
// state store rather than embedding it in the HTTP handlers.
package assets

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/catalog/internal/partition"
	jsonschema "github.com/apphub/catalog/internal/schema"
	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// EventPublisher is the subset of internal/eventbus.Bus the ledger emits
// asset.produced notifications through; the ledger publishes no
// asset.expired event (IsExpired only computes the check). Declared locally so
// internal/eventbus need not be built (or imported) before internal/assets
// is usable.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, any) error { return nil }

// HistoryRecorder is the narrow slice of internal/audit.Recorder the ledger
// needs to append asset.materialized/asset.stale_marked/asset.stale_cleared
// ExecutionHistory rows (spec §4.9).
type HistoryRecorder interface {
	RecordHistory(ctx context.Context, runID, workflowRunStepID, stepID string, eventType catalog.HistoryEventType, payload any) error
}

type noopHistoryRecorder struct{}

func (noopHistoryRecorder) RecordHistory(context.Context, string, string, string, catalog.HistoryEventType, any) error {
	return nil
}

// Ledger wraps a store.Backend with the Asset Ledger's recording and
// staleness-comparison behavior.
type Ledger struct {
	store     store.Backend
	publisher EventPublisher
	history   HistoryRecorder
	logger    *slog.Logger
}

// Option configures a Ledger at construction time.
type Option func(*Ledger)

func WithEventPublisher(p EventPublisher) Option   { return func(l *Ledger) { l.publisher = p } }
func WithHistoryRecorder(h HistoryRecorder) Option { return func(l *Ledger) { l.history = h } }
func WithLogger(logger *slog.Logger) Option        { return func(l *Ledger) { l.logger = logger } }

// New builds a Ledger backed by the given store.
func New(backend store.Backend, opts ...Option) *Ledger {
	l := &Ledger{store: backend, publisher: noopPublisher{}, history: noopHistoryRecorder{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordMaterialization validates the run's partition key against the
// declaration's Partitioning policy, then persists the materialization.
// The underlying store clears any stale marker for the same (definition,
// asset, partition) atomically with the insert, per spec §4.6. It satisfies
// internal/executor.AssetRecorder.
func (l *Ledger) RecordMaterialization(ctx context.Context, run *catalog.WorkflowRun, step *catalog.Step, runStep *catalog.WorkflowRunStep, decl catalog.AssetDeclaration, payload, schema, freshness []byte) error {
	if decl.Direction != catalog.AssetProduces {
		return fmt.Errorf("asset declaration for step %s is not a produces declaration", decl.StepID)
	}
	if err := partition.Validate(decl.Partitioning, run.PartitionKey); err != nil {
		return err
	}
	if err := jsonschema.Validate(decl.Schema, payload); err != nil {
		return catalogerr.Validationf("asset %s payload: %v", decl.AssetID, err)
	}

	m := &catalog.AssetMaterialization{
		ID:                   uuid.NewString(),
		WorkflowDefinitionID: run.WorkflowDefinitionID,
		WorkflowRunID:        run.ID,
		WorkflowRunStepID:    runStep.ID,
		StepID:               step.ID,
		AssetID:              decl.AssetID,
		PartitionKey:         run.PartitionKey,
		Payload:              payload,
		Schema:               schema,
		Freshness:            freshness,
		ProducedAt:           time.Now().UTC(),
	}
	if err := l.store.RecordMaterialization(ctx, m); err != nil {
		return err
	}

	if err := l.history.RecordHistory(ctx, run.ID, runStep.ID, step.ID, catalog.EventAssetMaterialized, m); err != nil {
		l.logger.Warn("recording asset.materialized history", slog.String("error", err.Error()), slog.String("asset_id", decl.AssetID))
	}

	if err := l.publisher.Publish(ctx, "asset.produced", m); err != nil {
		l.logger.Warn("failed to publish asset.produced", slog.String("error", err.Error()), slog.String("asset_id", decl.AssetID))
	}
	return nil
}

// MarkStale records an operator- or policy-initiated stale marker for a
// partition, superseded automatically the next time that partition is
// rematerialized.
func (l *Ledger) MarkStale(ctx context.Context, definitionID, assetID, partitionKey, requestedBy, note string) error {
	marker := &catalog.AssetStalePartition{
		ID:                   uuid.NewString(),
		WorkflowDefinitionID: definitionID,
		AssetID:              assetID,
		PartitionKey:         partitionKey,
		RequestedBy:          requestedBy,
		RequestedAt:          time.Now().UTC(),
		Note:                 note,
	}
	if err := l.store.MarkStale(ctx, marker); err != nil {
		return err
	}
	if err := l.history.RecordHistory(ctx, "", "", assetID, catalog.EventAssetStaleMarked, marker); err != nil {
		l.logger.Warn("recording asset.stale_marked history", slog.String("error", err.Error()), slog.String("asset_id", assetID))
	}
	return nil
}

// ClearStale removes a partition's stale marker, typically after a fresh
// materialization or an operator override.
func (l *Ledger) ClearStale(ctx context.Context, definitionID, assetID, partitionKey string) error {
	if err := l.store.ClearStale(ctx, definitionID, assetID, partitionKey); err != nil {
		return err
	}
	payload := map[string]string{"definitionId": definitionID, "assetId": assetID, "partitionKey": partitionKey}
	if err := l.history.RecordHistory(ctx, "", "", assetID, catalog.EventAssetStaleCleared, payload); err != nil {
		l.logger.Warn("recording asset.stale_cleared history", slog.String("error", err.Error()), slog.String("asset_id", assetID))
	}
	return nil
}

// ListStale returns every partition currently marked stale for a
// definition.
func (l *Ledger) ListStale(ctx context.Context, definitionID string) ([]*catalog.AssetStalePartition, error) {
	return l.store.ListStale(ctx, definitionID)
}

// GetLatest returns the newest materialization for (definitionID, assetID,
// partitionKey), by producedAt (store breaks ties by updatedAt, createdAt,
// then runId).
func (l *Ledger) GetLatest(ctx context.Context, definitionID, assetID, partitionKey string) (*catalog.AssetMaterialization, error) {
	return l.store.GetLatestMaterialization(ctx, definitionID, assetID, partitionKey)
}

// PutPartitionParameters records the parameter snapshot a dynamic or
// time-window partition key was created with, so a later auto-materialized
// run can reconstruct the same parameters the first materialization used.
func (l *Ledger) PutPartitionParameters(ctx context.Context, p *catalog.AssetPartitionParameters) error {
	return l.store.PutPartitionParameters(ctx, p)
}

// UpstreamRef identifies one asset an auto-materialize-eligible asset
// consumes, potentially produced by a different WorkflowDefinition.
type UpstreamRef struct {
	DefinitionID string
	AssetID      string
}

// IsOutOfDate reports whether any of the given upstream assets have a
// materialization newer than the downstream asset's own latest
// materialization for the same partition key, or the downstream has never
// been materialized at all. The trigger dispatcher's auto-materialization
// policy evaluation (internal/automaterialize) uses this to decide whether
// to enqueue a run for a given asset partition.
func (l *Ledger) IsOutOfDate(ctx context.Context, downstreamDefinitionID, downstreamAssetID, partitionKey string, upstreams []UpstreamRef) (bool, error) {
	downstream, err := l.store.GetLatestMaterialization(ctx, downstreamDefinitionID, downstreamAssetID, partitionKey)
	if err != nil {
		if isNotFound(err) {
			return true, nil
		}
		return false, err
	}

	for _, up := range upstreams {
		latest, err := l.store.GetLatestMaterialization(ctx, up.DefinitionID, up.AssetID, partitionKey)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return false, err
		}
		if latest.ProducedAt.After(downstream.ProducedAt) {
			return true, nil
		}
	}
	return false, nil
}

// IsExpired reports whether a materialization has exceeded its declared
// FreshnessPolicy's MaxAgeMs, relative to now.
func IsExpired(m *catalog.AssetMaterialization, freshness *catalog.FreshnessPolicy, now time.Time) bool {
	if freshness == nil || freshness.MaxAgeMs <= 0 {
		return false
	}
	age := now.Sub(m.ProducedAt)
	return age > time.Duration(freshness.MaxAgeMs)*time.Millisecond
}

func isNotFound(err error) bool {
	return catalogerr.KindOf(err) == catalogerr.NotFound
}
