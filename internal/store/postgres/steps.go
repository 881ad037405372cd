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

func (b *Backend) CreateStep(ctx context.Context, step *catalog.WorkflowRunStep) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO workflow_run_steps (
			id, workflow_run_id, step_id, template_step_id, fanout_index, parent_step_id,
			status, attempt, retry_count, last_heartbeat_at, failure_reason, input, output, job_run_id,
			started_at, completed_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		step.ID, step.WorkflowRunID, step.StepID, nullableString(step.TemplateStepID), step.FanoutIndex,
		nullableString(step.ParentStepID), step.Status, step.Attempt, step.RetryCount, step.LastHeartbeatAt,
		nullString(step.FailureReason), nullableJSON(step.Input), nullableJSON(step.Output),
		nullableString(step.JobRunID), step.StartedAt, step.CompletedAt, step.CreatedAt, step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting workflow run step: %w", err)
	}
	return nil
}

const stepSelectColumns = `SELECT
	id, workflow_run_id, step_id, template_step_id, fanout_index, parent_step_id,
	status, attempt, retry_count, last_heartbeat_at, failure_reason, input, output, job_run_id,
	started_at, completed_at, created_at, updated_at`

func scanStep(row rowScanner) (*catalog.WorkflowRunStep, error) {
	var s catalog.WorkflowRunStep
	var templateStepID, parentStepID, jobRunID, failureReason sql.NullString
	var fanoutIndex sql.NullInt64
	var lastHeartbeat, startedAt, completedAt sql.NullTime
	var input, output []byte

	if err := row.Scan(
		&s.ID, &s.WorkflowRunID, &s.StepID, &templateStepID, &fanoutIndex, &parentStepID,
		&s.Status, &s.Attempt, &s.RetryCount, &lastHeartbeat, &failureReason, &input, &output, &jobRunID,
		&startedAt, &completedAt, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.TemplateStepID = templateStepID.String
	s.ParentStepID = parentStepID.String
	s.JobRunID = jobRunID.String
	s.FailureReason = failureReason.String
	s.Input = json.RawMessage(input)
	s.Output = json.RawMessage(output)
	if fanoutIndex.Valid {
		v := int(fanoutIndex.Int64)
		s.FanoutIndex = &v
	}
	if lastHeartbeat.Valid {
		s.LastHeartbeatAt = &lastHeartbeat.Time
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return &s, nil
}

func (b *Backend) GetStep(ctx context.Context, id string) (*catalog.WorkflowRunStep, error) {
	row := b.db.QueryRowContext(ctx, stepSelectColumns+` FROM workflow_run_steps WHERE id = $1`, id)
	s, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalogerr.NotFoundf("workflow run step %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow run step: %w", err)
	}
	return s, nil
}

func (b *Backend) ListStepsForRun(ctx context.Context, runID string) ([]*catalog.WorkflowRunStep, error) {
	rows, err := b.db.QueryContext(ctx, stepSelectColumns+` FROM workflow_run_steps WHERE workflow_run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing workflow run steps: %w", err)
	}
	defer rows.Close()

	var out []*catalog.WorkflowRunStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow run step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TransitionStep advances a step's status under row lock. Any transition
// with a higher attempt number than currently stored increments
// retry_count, whatever the new status.
func (b *Backend) TransitionStep(ctx context.Context, stepID string, status catalog.StepStatus, attempt int, failureReason string, output []byte, now time.Time) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning step transition: %w", err)
	}
	defer tx.Rollback()

	var currentAttempt, retryCount int
	row := tx.QueryRowContext(ctx, `SELECT attempt, retry_count FROM workflow_run_steps WHERE id = $1 FOR UPDATE`, stepID)
	if err := row.Scan(&currentAttempt, &retryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalogerr.NotFoundf("workflow run step %q not found", stepID)
		}
		return fmt.Errorf("locking workflow run step: %w", err)
	}

	if attempt > currentAttempt {
		retryCount++
	}

	var startedAtClause, completedAtClause string
	if status == catalog.StepRunning {
		startedAtClause = ", started_at = COALESCE(started_at, $6)"
	}
	if status.Terminal() {
		completedAtClause = ", completed_at = $6"
	}

	query := fmt.Sprintf(`
		UPDATE workflow_run_steps
		SET status = $1, attempt = $2, retry_count = $3, failure_reason = $4, output = COALESCE($5, output), updated_at = $6 %s %s
		WHERE id = $7
	`, startedAtClause, completedAtClause)

	if _, err := tx.ExecContext(ctx, query, status, attempt, retryCount, nullString(failureReason), nullableJSON(output), now, stepID); err != nil {
		return fmt.Errorf("transitioning workflow run step: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) Heartbeat(ctx context.Context, stepID string, now time.Time) error {
	res, err := b.db.ExecContext(ctx, `UPDATE workflow_run_steps SET last_heartbeat_at = $1 WHERE id = $2 AND status = 'running'`, now, stepID)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return catalogerr.NotFoundf("workflow run step %q not running", stepID)
	}
	return nil
}
