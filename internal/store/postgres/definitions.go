package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

func (b *Backend) CreateDefinition(ctx context.Context, def *catalog.WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshaling steps: %w", err)
	}
	triggersJSON, err := json.Marshal(def.Triggers)
	if err != nil {
		return fmt.Errorf("marshaling triggers: %w", err)
	}
	dagJSON, err := json.Marshal(def.Dag)
	if err != nil {
		return fmt.Errorf("marshaling dag: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (
			id, slug, name, version, description, steps, triggers, parameters_schema,
			default_parameters, output_schema, metadata, dag,
			schedule_next_run_at, schedule_last_materialized_window, schedule_catchup_cursor,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		def.ID, def.Slug, def.Name, def.Version, nullString(def.Description), stepsJSON, triggersJSON,
		nullableJSON(def.ParametersSchema), nullableJSON(def.DefaultParameters), nullableJSON(def.OutputSchema),
		nullableJSON(def.Metadata), dagJSON,
		def.ScheduleNextRunAt, nullableJSON(def.ScheduleLastMaterializedWindow), def.ScheduleCatchupCursor,
		def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting workflow definition: %w", err)
	}
	return nil
}

const definitionSelectColumns = `SELECT
	id, slug, name, version, description, steps, triggers, parameters_schema,
	default_parameters, output_schema, metadata, dag,
	schedule_next_run_at, schedule_last_materialized_window, schedule_catchup_cursor,
	created_at, updated_at`

func scanDefinition(row rowScanner) (*catalog.WorkflowDefinition, error) {
	var d catalog.WorkflowDefinition
	var description sql.NullString
	var steps, triggers, paramsSchema, defaultParams, outputSchema, metadata, dag, lastWindow []byte
	var scheduleNextRunAt, scheduleCatchupCursor sql.NullTime

	if err := row.Scan(
		&d.ID, &d.Slug, &d.Name, &d.Version, &description, &steps, &triggers, &paramsSchema,
		&defaultParams, &outputSchema, &metadata, &dag,
		&scheduleNextRunAt, &lastWindow, &scheduleCatchupCursor,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.Description = description.String
	if err := json.Unmarshal(steps, &d.Steps); err != nil {
		return nil, fmt.Errorf("unmarshaling steps: %w", err)
	}
	if len(triggers) > 0 {
		if err := json.Unmarshal(triggers, &d.Triggers); err != nil {
			return nil, fmt.Errorf("unmarshaling triggers: %w", err)
		}
	}
	if err := json.Unmarshal(dag, &d.Dag); err != nil {
		return nil, fmt.Errorf("unmarshaling dag: %w", err)
	}
	d.ParametersSchema = json.RawMessage(paramsSchema)
	d.DefaultParameters = json.RawMessage(defaultParams)
	d.OutputSchema = json.RawMessage(outputSchema)
	d.Metadata = json.RawMessage(metadata)
	d.ScheduleLastMaterializedWindow = json.RawMessage(lastWindow)
	if scheduleNextRunAt.Valid {
		d.ScheduleNextRunAt = &scheduleNextRunAt.Time
	}
	if scheduleCatchupCursor.Valid {
		d.ScheduleCatchupCursor = &scheduleCatchupCursor.Time
	}
	return &d, nil
}

func (b *Backend) GetDefinition(ctx context.Context, id string) (*catalog.WorkflowDefinition, error) {
	row := b.db.QueryRowContext(ctx, definitionSelectColumns+` FROM workflow_definitions WHERE id = $1`, id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalogerr.NotFoundf("workflow definition %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow definition: %w", err)
	}
	return d, nil
}

// GetDefinitionBySlug returns the highest-version definition for slug.
func (b *Backend) GetDefinitionBySlug(ctx context.Context, slug string) (*catalog.WorkflowDefinition, error) {
	row := b.db.QueryRowContext(ctx, definitionSelectColumns+`
		FROM workflow_definitions WHERE slug = $1 ORDER BY version DESC LIMIT 1
	`, slug)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalogerr.NotFoundf("workflow definition %q not found", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow definition: %w", err)
	}
	return d, nil
}

func (b *Backend) UpdateDefinitionSchedule(ctx context.Context, id string, nextRunAt *time.Time, lastWindow []byte, cursor *time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_definitions
		SET schedule_next_run_at = $1, schedule_last_materialized_window = $2, schedule_catchup_cursor = $3, updated_at = now()
		WHERE id = $4
	`, nextRunAt, nullableJSON(lastWindow), cursor, id)
	if err != nil {
		return fmt.Errorf("updating definition schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return catalogerr.NotFoundf("workflow definition %q not found", id)
	}
	return nil
}

// ListLatestDefinitions returns the highest-version row for every distinct
// slug using a DISTINCT ON, avoiding an N+1 over GetDefinitionBySlug.
func (b *Backend) ListLatestDefinitions(ctx context.Context) ([]*catalog.WorkflowDefinition, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT ON (slug)
			id, slug, name, version, description, steps, triggers, parameters_schema,
			default_parameters, output_schema, metadata, dag,
			schedule_next_run_at, schedule_last_materialized_window, schedule_catchup_cursor,
			created_at, updated_at
		FROM workflow_definitions
		ORDER BY slug, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing latest workflow definitions: %w", err)
	}
	defer rows.Close()

	var out []*catalog.WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *Backend) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*catalog.WorkflowDefinition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, definitionSelectColumns+`
		FROM workflow_definitions WHERE schedule_next_run_at IS NOT NULL AND schedule_next_run_at <= $1
		ORDER BY schedule_next_run_at LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due schedules: %w", err)
	}
	defer rows.Close()

	var out []*catalog.WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
