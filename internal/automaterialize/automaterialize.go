// Package automaterialize polls asset declarations marked
// autoMaterialize.enabled and launches runs when their upstream assets have
// advanced past what was last materialized. Spec §4.5: for each such
// declaration, compare it against its explicit stale markers and its
// declared upstreams via internal/assets.Ledger.IsOutOfDate; on detecting a
// stale partition, create a run with triggeredBy=auto and record the
// outcome in an AutoMaterializeClaim so repeated failures back off instead
// of retrying every poll.
package automaterialize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/catalog/internal/assets"
	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// RunCreator is the narrow slice of internal/orchestrator.Orchestrator this
// package needs. Declared locally so it doesn't import the orchestrator
// package just to reference its concrete type.
type RunCreator interface {
	CreateRun(ctx context.Context, def *catalog.WorkflowDefinition, params []byte, triggeredBy catalog.TriggerSource, runKey, partitionKey string, resolveBundle func(ctx context.Context, slug string) (string, error)) (*catalog.WorkflowRun, error)
}

// Config controls polling cadence and failure backoff.
type Config struct {
	PollInterval time.Duration
	// BaseCooldown is the backoff applied after the first consecutive
	// failure for a (definition, asset, partition); it doubles with every
	// further failure, capped at MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = time.Minute
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 30 * time.Minute
	}
	return c
}

// Evaluator drives auto-materialization polling.
type Evaluator struct {
	store   store.Backend
	ledger  *assets.Ledger
	creator RunCreator
	cfg     Config
	logger  *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

// New builds an Evaluator backed by the given store, asset ledger, and run
// creator.
func New(backend store.Backend, ledger *assets.Ledger, creator RunCreator, cfg Config, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:   backend,
		ledger:  ledger,
		creator: creator,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run blocks, ticking every PollInterval, until ctx is canceled.
func (e *Evaluator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("auto-materialize tick failed", slog.Any("error", err))
			}
		}
	}
}

// candidate is one asset declaration eligible for auto-materialization,
// together with the definition and step it belongs to.
type candidate struct {
	def       *catalog.WorkflowDefinition
	step      catalog.Step
	decl      catalog.AssetDeclaration
	upstreams []assets.UpstreamRef
}

// Tick scans every current workflow definition for auto-materialize-enabled
// asset declarations and evaluates each one. Exported so callers (and
// tests) can drive evaluation without waiting on a ticker.
func (e *Evaluator) Tick(ctx context.Context) error {
	defs, err := e.store.ListLatestDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("list workflow definitions: %w", err)
	}

	producers := indexProducers(defs)
	candidates := collectCandidates(defs, producers)

	for _, c := range candidates {
		partitionKeys, err := e.partitionsToCheck(ctx, c)
		if err != nil {
			e.logger.Error("listing stale partitions failed",
				slog.String("workflow_definition_id", c.def.ID),
				slog.String("asset_id", c.decl.AssetID),
				slog.Any("error", err))
			continue
		}
		for _, partitionKey := range partitionKeys {
			if err := e.evaluateOne(ctx, c, partitionKey); err != nil {
				e.logger.Error("auto-materialize evaluation failed",
					slog.String("workflow_definition_id", c.def.ID),
					slog.String("asset_id", c.decl.AssetID),
					slog.String("partition_key", partitionKey),
					slog.Any("error", err))
			}
		}
	}
	return nil
}

// indexProducers maps assetID to the definition whose step declares it as
// produced. Asset ids are assumed unique across the catalog; if more than
// one definition produces the same asset id, the last one scanned wins.
func indexProducers(defs []*catalog.WorkflowDefinition) map[string]string {
	out := make(map[string]string)
	for _, def := range defs {
		for _, step := range def.Steps {
			for _, decl := range step.Produces {
				out[decl.AssetID] = def.ID
			}
		}
	}
	return out
}

func collectCandidates(defs []*catalog.WorkflowDefinition, producers map[string]string) []candidate {
	var out []candidate
	for _, def := range defs {
		for _, step := range def.Steps {
			for _, decl := range step.Produces {
				if decl.AutoMaterialize == nil || !decl.AutoMaterialize.Enabled {
					continue
				}
				var upstreams []assets.UpstreamRef
				for _, consumed := range step.Consumes {
					upstreamDef, ok := producers[consumed.AssetID]
					if !ok {
						continue
					}
					upstreams = append(upstreams, assets.UpstreamRef{DefinitionID: upstreamDef, AssetID: consumed.AssetID})
				}
				out = append(out, candidate{def: def, step: step, decl: decl, upstreams: upstreams})
			}
		}
	}
	return out
}

// partitionsToCheck returns the partition keys worth evaluating for one
// candidate: every partition explicitly marked stale, plus the unpartitioned
// "" partition when the declaration carries no Partitioning (so an
// unpartitioned asset with no explicit staleness marker still gets
// considered against its upstreams).
func (e *Evaluator) partitionsToCheck(ctx context.Context, c candidate) ([]string, error) {
	stale, err := e.ledger.ListStale(ctx, c.def.ID)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, s := range stale {
		if s.AssetID == c.decl.AssetID {
			keys = append(keys, s.PartitionKey)
		}
	}
	if len(keys) == 0 && c.decl.Partitioning == nil {
		keys = []string{""}
	}
	return keys, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, c candidate, partitionKey string) error {
	claim, err := e.store.GetAutoMaterializeClaim(ctx, c.def.ID, c.decl.AssetID, partitionKey)
	now := time.Now().UTC()
	if err != nil && catalogerr.KindOf(err) != catalogerr.NotFound {
		return fmt.Errorf("load auto-materialize claim: %w", err)
	}
	if claim != nil && now.Before(claim.NextEligibleAt) {
		return nil
	}

	outOfDate, err := e.ledger.IsOutOfDate(ctx, c.def.ID, c.decl.AssetID, partitionKey, c.upstreams)
	if err != nil {
		return fmt.Errorf("check freshness: %w", err)
	}
	if !outOfDate {
		return nil
	}

	runKey := fmt.Sprintf("auto-%s-%s-%s", c.def.ID, c.decl.AssetID, partitionKey)
	run, createErr := e.creator.CreateRun(ctx, c.def, nil, catalog.TriggeredByAuto, runKey, partitionKey, nil)
	if createErr != nil && catalogerr.KindOf(createErr) == catalogerr.Conflict {
		// Another replica already materialized this partition; treat the
		// claim as satisfied rather than a failure.
		createErr = nil
	}
	return e.recordOutcome(ctx, claim, c, partitionKey, run, createErr, now)
}

func (e *Evaluator) recordOutcome(ctx context.Context, prior *catalog.AutoMaterializeClaim, c candidate, partitionKey string, run *catalog.WorkflowRun, createErr error, now time.Time) error {
	claim := &catalog.AutoMaterializeClaim{
		ID:                   uuid.NewString(),
		WorkflowDefinitionID: c.def.ID,
		AssetID:              c.decl.AssetID,
		PartitionKey:         partitionKey,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if prior != nil {
		claim.ID = prior.ID
		claim.CreatedAt = prior.CreatedAt
	}

	if createErr != nil {
		failures := 1
		if prior != nil {
			failures = prior.Failures + 1
		}
		claim.Failures = failures
		claim.NextEligibleAt = now.Add(backoff(failures, e.cfg.BaseCooldown, e.cfg.MaxCooldown))
		if err := e.store.UpsertAutoMaterializeClaim(ctx, claim); err != nil {
			return fmt.Errorf("record auto-materialize failure: %w", err)
		}
		return fmt.Errorf("create auto-materialized run: %w", createErr)
	}

	claim.Failures = 0
	claim.NextEligibleAt = now
	if run != nil {
		claim.WorkflowRunID = run.ID
	}
	if err := e.store.UpsertAutoMaterializeClaim(ctx, claim); err != nil {
		return fmt.Errorf("record auto-materialize success: %w", err)
	}
	return nil
}

// backoff returns BaseCooldown doubled once per failure beyond the first,
// capped at MaxCooldown.
func backoff(failures int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
