package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// CreateRun inserts a pending run. A run-key conflict is detected via the
// partial unique index uq_workflow_runs_active_run_key and surfaced as a
// Conflict error carrying the existing run's id in Detail.
func (b *Backend) CreateRun(ctx context.Context, run *catalog.WorkflowRun) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (
			id, workflow_definition_id, status, parameters, context, output,
			error_message, current_step_id, current_step_index, metrics,
			triggered_by, trigger, partition_key, run_key, run_key_normalized,
			claim_owner, started_at, completed_at, duration_ms, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`,
		run.ID, run.WorkflowDefinitionID, run.Status, nullableJSON(run.Parameters), nullableJSON(run.Context),
		nullableJSON(run.Output), nullString(run.ErrorMessage), nullString(run.CurrentStepID), run.CurrentStepIndex,
		nullableJSON(run.Metrics), nullString(string(run.TriggeredBy)), nullableJSON(run.Trigger),
		nullString(run.PartitionKey), nullString(run.RunKey), nullableString(run.RunKeyNormalized),
		nullString(run.ClaimOwner), run.StartedAt, run.CompletedAt, run.DurationMs, run.CreatedAt, run.UpdatedAt,
	)
	if err == nil {
		return nil
	}

	if isUniqueViolation(err, "uq_workflow_runs_active_run_key") {
		existing, findErr := b.findActiveRunByKey(ctx, run.WorkflowDefinitionID, run.RunKeyNormalized)
		if findErr != nil {
			return fmt.Errorf("run key conflict but failed to load existing run: %w", findErr)
		}
		return catalogerr.Conflictf("an active run already exists for this run key").WithDetail(existing.ID)
	}
	return fmt.Errorf("inserting workflow run: %w", err)
}

func (b *Backend) findActiveRunByKey(ctx context.Context, definitionID, runKeyNormalized string) (*catalog.WorkflowRun, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id FROM workflow_runs
		WHERE workflow_definition_id = $1 AND run_key_normalized = $2 AND status IN ('pending', 'running')
		LIMIT 1
	`, definitionID, runKeyNormalized)
	var id string
	if err := row.Scan(&id); err != nil {
		return nil, err
	}
	return b.GetRun(ctx, id)
}

func (b *Backend) GetRun(ctx context.Context, id string) (*catalog.WorkflowRun, error) {
	row := b.db.QueryRowContext(ctx, runSelectColumns+` FROM workflow_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalogerr.NotFoundf("workflow run %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow run: %w", err)
	}
	return run, nil
}

func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*catalog.WorkflowRun, error) {
	var conditions []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.WorkflowDefinitionID != "" {
		add("workflow_definition_id = $%d", filter.WorkflowDefinitionID)
	}
	if filter.TriggeredBy != "" {
		add("triggered_by = $%d", string(filter.TriggeredBy))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			args = append(args, string(s))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	query := runSelectColumns + " FROM workflow_runs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflow runs: %w", err)
	}
	defer rows.Close()

	var out []*catalog.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClaimRun transitions pending->running under row lock. Returns false
// without error if the row is already running or terminal.
func (b *Backend) ClaimRun(ctx context.Context, runID, claimOwner string, now time.Time) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	row := tx.QueryRowContext(ctx, `SELECT status FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, catalogerr.NotFoundf("workflow run %q not found", runID)
		}
		return false, fmt.Errorf("locking workflow run: %w", err)
	}
	if status != string(catalog.RunPending) {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs SET status = $1, claim_owner = $2, started_at = $3, updated_at = $3 WHERE id = $4
	`, catalog.RunRunning, claimOwner, now, runID); err != nil {
		return false, fmt.Errorf("claiming workflow run: %w", err)
	}
	return true, tx.Commit()
}

// ReclaimStaleRuns rewrites claimOwner on running rows whose newest step
// heartbeat (or started_at if no steps yet) predates the heartbeat timeout
// and whose current owner is not currentOwner.
func (b *Backend) ReclaimStaleRuns(ctx context.Context, currentOwner string, heartbeatTimeout time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-heartbeatTimeout)
	rows, err := b.db.QueryContext(ctx, `
		UPDATE workflow_runs SET claim_owner = $1, updated_at = $2
		WHERE status = 'running'
		  AND claim_owner IS DISTINCT FROM $1
		  AND COALESCE(
		    (SELECT MAX(last_heartbeat_at) FROM workflow_run_steps WHERE workflow_run_id = workflow_runs.id),
		    started_at
		  ) < $3
		RETURNING id
	`, currentOwner, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reclaiming stale runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FinalizeRun transitions a run to a terminal status and appends the final
// history row in one transaction, clearing CurrentStepID.
func (b *Backend) FinalizeRun(ctx context.Context, runID string, status catalog.RunStatus, output []byte, errMessage string, history *catalog.ExecutionHistory, now time.Time) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning finalize transaction: %w", err)
	}
	defer tx.Rollback()

	var startedAt sql.NullTime
	row := tx.QueryRowContext(ctx, `SELECT started_at FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID)
	if err := row.Scan(&startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalogerr.NotFoundf("workflow run %q not found", runID)
		}
		return fmt.Errorf("locking workflow run: %w", err)
	}

	var durationMs *int64
	if startedAt.Valid {
		d := now.Sub(startedAt.Time).Milliseconds()
		durationMs = &d
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = $1, output = $2, error_message = $3, current_step_id = NULL,
		    completed_at = $4, duration_ms = $5, updated_at = $4
		WHERE id = $6
	`, status, nullableJSON(output), nullString(errMessage), now, durationMs, runID); err != nil {
		return fmt.Errorf("finalizing workflow run: %w", err)
	}

	if history != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_execution_history (id, workflow_run_id, workflow_run_step_id, step_id, event_type, event_payload, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, history.ID, runID, nullString(history.WorkflowRunStepID), nullString(history.StepID),
			history.EventType, nullableJSON(history.EventPayload), now); err != nil {
			return fmt.Errorf("appending finalize history: %w", err)
		}
	}

	return tx.Commit()
}

func (b *Backend) UpdateRunProgress(ctx context.Context, runID string, currentStepID string, currentStepIndex int) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs SET current_step_id = $1, current_step_index = $2, updated_at = now() WHERE id = $3
	`, nullString(currentStepID), currentStepIndex, runID)
	if err != nil {
		return fmt.Errorf("updating run progress: %w", err)
	}
	return nil
}

func (b *Backend) CancelRun(ctx context.Context, runID, reason string, now time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = $1, error_message = $2, completed_at = $3, updated_at = $3
		WHERE id = $4 AND status IN ('pending', 'running')
	`, catalog.RunCanceled, nullString(reason), now, runID)
	if err != nil {
		return fmt.Errorf("canceling workflow run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return catalogerr.NotFoundf("workflow run %q not found or already terminal", runID)
	}
	return nil
}

const runSelectColumns = `SELECT
	id, workflow_definition_id, status, parameters, context, output,
	error_message, current_step_id, current_step_index, metrics,
	triggered_by, trigger, partition_key, run_key, run_key_normalized, claim_owner,
	started_at, completed_at, duration_ms, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*catalog.WorkflowRun, error) {
	var run catalog.WorkflowRun
	var parameters, context, output, metrics, trigger []byte
	var errMessage, currentStepID, triggeredBy, partitionKey, runKey, runKeyNormalized, claimOwner sql.NullString
	var currentStepIndex sql.NullInt64
	var startedAt, completedAt sql.NullTime
	var durationMs sql.NullInt64

	if err := row.Scan(
		&run.ID, &run.WorkflowDefinitionID, &run.Status, &parameters, &context, &output,
		&errMessage, &currentStepID, &currentStepIndex, &metrics,
		&triggeredBy, &trigger, &partitionKey, &runKey, &runKeyNormalized, &claimOwner,
		&startedAt, &completedAt, &durationMs, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return nil, err
	}

	run.Parameters = json.RawMessage(parameters)
	run.Context = json.RawMessage(context)
	run.Output = json.RawMessage(output)
	run.Metrics = json.RawMessage(metrics)
	run.Trigger = json.RawMessage(trigger)
	run.ErrorMessage = errMessage.String
	run.CurrentStepID = currentStepID.String
	run.TriggeredBy = catalog.TriggerSource(triggeredBy.String)
	run.PartitionKey = partitionKey.String
	run.RunKey = runKey.String
	run.RunKeyNormalized = runKeyNormalized.String
	run.ClaimOwner = claimOwner.String
	if currentStepIndex.Valid {
		v := int(currentStepIndex.Int64)
		run.CurrentStepIndex = &v
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if durationMs.Valid {
		run.DurationMs = &durationMs.Int64
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// isUniqueViolation reports whether err is a unique_violation (SQLSTATE
// 23505) against the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
