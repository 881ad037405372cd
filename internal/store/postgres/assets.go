package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// RecordMaterialization upserts the materialization row keyed on
// (workflow_run_step_id, asset_id, partition_key) and clears any stale
// marker for the same (definition, asset, partition) in the same
// transaction, so a successful materialization always supersedes a prior
// staleness request.
func (b *Backend) RecordMaterialization(ctx context.Context, m *catalog.AssetMaterialization) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning materialization: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_run_step_assets (
			id, workflow_definition_id, workflow_run_id, workflow_run_step_id, step_id,
			asset_id, partition_key, payload, asset_schema, freshness, produced_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (workflow_run_step_id, asset_id, COALESCE(partition_key, ''))
		DO UPDATE SET payload = EXCLUDED.payload, asset_schema = EXCLUDED.asset_schema,
			freshness = EXCLUDED.freshness, produced_at = EXCLUDED.produced_at, updated_at = EXCLUDED.updated_at
	`,
		m.ID, m.WorkflowDefinitionID, m.WorkflowRunID, m.WorkflowRunStepID, m.StepID,
		m.AssetID, nullString(m.PartitionKey), nullableJSON(m.Payload), nullableJSON(m.Schema),
		nullableJSON(m.Freshness), m.ProducedAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting materialization: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM asset_stale_partitions
		WHERE workflow_definition_id = $1 AND asset_id = $2 AND COALESCE(partition_key, '') = COALESCE($3, '')
	`, m.WorkflowDefinitionID, m.AssetID, nullString(m.PartitionKey)); err != nil {
		return fmt.Errorf("clearing stale marker: %w", err)
	}

	return tx.Commit()
}

// GetLatestMaterialization returns the most recent materialization for
// (definitionID, assetID, partitionKey), tie-broken by producedAt DESC,
// then updatedAt DESC, then createdAt DESC.
func (b *Backend) GetLatestMaterialization(ctx context.Context, definitionID, assetID, partitionKey string) (*catalog.AssetMaterialization, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_definition_id, workflow_run_id, workflow_run_step_id, step_id,
			asset_id, partition_key, payload, asset_schema, freshness, produced_at, created_at, updated_at
		FROM workflow_run_step_assets
		WHERE workflow_definition_id = $1 AND asset_id = $2 AND COALESCE(partition_key, '') = COALESCE($3, '')
		ORDER BY produced_at DESC, updated_at DESC, created_at DESC
		LIMIT 1
	`, definitionID, assetID, nullString(partitionKey))

	var m catalog.AssetMaterialization
	var partKey sql.NullString
	var payload, schema, freshness []byte
	err := row.Scan(
		&m.ID, &m.WorkflowDefinitionID, &m.WorkflowRunID, &m.WorkflowRunStepID, &m.StepID,
		&m.AssetID, &partKey, &payload, &schema, &freshness, &m.ProducedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalogerr.NotFoundf("no materialization for asset %q partition %q", assetID, partitionKey)
	}
	if err != nil {
		return nil, fmt.Errorf("loading materialization: %w", err)
	}
	m.PartitionKey = partKey.String
	m.Payload = json.RawMessage(payload)
	m.Schema = json.RawMessage(schema)
	m.Freshness = json.RawMessage(freshness)
	return &m, nil
}

func (b *Backend) MarkStale(ctx context.Context, marker *catalog.AssetStalePartition) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO asset_stale_partitions (id, workflow_definition_id, asset_id, partition_key, requested_by, requested_at, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (workflow_definition_id, asset_id, COALESCE(partition_key, ''))
		DO UPDATE SET requested_by = EXCLUDED.requested_by, requested_at = EXCLUDED.requested_at, note = EXCLUDED.note
	`, marker.ID, marker.WorkflowDefinitionID, marker.AssetID, nullString(marker.PartitionKey),
		marker.RequestedBy, marker.RequestedAt, nullString(marker.Note))
	if err != nil {
		return fmt.Errorf("marking asset partition stale: %w", err)
	}
	return nil
}

func (b *Backend) ClearStale(ctx context.Context, definitionID, assetID, partitionKey string) error {
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM asset_stale_partitions
		WHERE workflow_definition_id = $1 AND asset_id = $2 AND COALESCE(partition_key, '') = COALESCE($3, '')
	`, definitionID, assetID, nullString(partitionKey))
	if err != nil {
		return fmt.Errorf("clearing stale marker: %w", err)
	}
	return nil
}

func (b *Backend) ListStale(ctx context.Context, definitionID string) ([]*catalog.AssetStalePartition, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, workflow_definition_id, asset_id, partition_key, requested_by, requested_at, note
		FROM asset_stale_partitions WHERE workflow_definition_id = $1 ORDER BY requested_at
	`, definitionID)
	if err != nil {
		return nil, fmt.Errorf("listing stale partitions: %w", err)
	}
	defer rows.Close()

	var out []*catalog.AssetStalePartition
	for rows.Next() {
		var m catalog.AssetStalePartition
		var partKey, note sql.NullString
		if err := rows.Scan(&m.ID, &m.WorkflowDefinitionID, &m.AssetID, &partKey, &m.RequestedBy, &m.RequestedAt, &note); err != nil {
			return nil, fmt.Errorf("scanning stale partition: %w", err)
		}
		m.PartitionKey = partKey.String
		m.Note = note.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (b *Backend) PutPartitionParameters(ctx context.Context, p *catalog.AssetPartitionParameters) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO asset_partition_parameters (id, workflow_definition_id, asset_id, partition_key, parameters, source, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (workflow_definition_id, asset_id, partition_key)
		DO UPDATE SET parameters = EXCLUDED.parameters, source = EXCLUDED.source, updated_at = EXCLUDED.updated_at
	`, p.ID, p.WorkflowDefinitionID, p.AssetID, p.PartitionKey, nullableJSON(p.Parameters), p.Source, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storing partition parameters: %w", err)
	}
	return nil
}

func (b *Backend) GetAutoMaterializeClaim(ctx context.Context, definitionID, assetID, partitionKey string) (*catalog.AutoMaterializeClaim, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_definition_id, asset_id, partition_key, workflow_run_id, failures, next_eligible_at, created_at, updated_at
		FROM auto_materialize_claims
		WHERE workflow_definition_id = $1 AND asset_id = $2 AND partition_key = $3
	`, definitionID, assetID, partitionKey)

	var c catalog.AutoMaterializeClaim
	var runID sql.NullString
	if err := row.Scan(&c.ID, &c.WorkflowDefinitionID, &c.AssetID, &c.PartitionKey, &runID,
		&c.Failures, &c.NextEligibleAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, catalogerr.NotFoundf("no auto-materialize claim for asset %q partition %q", assetID, partitionKey)
		}
		return nil, fmt.Errorf("loading auto-materialize claim: %w", err)
	}
	c.WorkflowRunID = runID.String
	return &c, nil
}

func (b *Backend) UpsertAutoMaterializeClaim(ctx context.Context, claim *catalog.AutoMaterializeClaim) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO auto_materialize_claims (
			id, workflow_definition_id, asset_id, partition_key, workflow_run_id, failures, next_eligible_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (workflow_definition_id, asset_id, partition_key)
		DO UPDATE SET workflow_run_id = EXCLUDED.workflow_run_id, failures = EXCLUDED.failures,
			next_eligible_at = EXCLUDED.next_eligible_at, updated_at = EXCLUDED.updated_at
	`, claim.ID, claim.WorkflowDefinitionID, claim.AssetID, claim.PartitionKey, nullString(claim.WorkflowRunID),
		claim.Failures, claim.NextEligibleAt, claim.CreatedAt, claim.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storing auto-materialize claim: %w", err)
	}
	return nil
}
