package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apphub/catalog/pkg/catalog"
)

func (b *Backend) CreateSchedule(ctx context.Context, s *catalog.Schedule) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, workflow_definition_id, cron, timezone, start_window, end_window, catch_up,
			next_run_at, last_materialized_window, catchup_cursor, enabled, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		s.ID, s.WorkflowDefinitionID, s.Cron, nullString(s.Timezone), s.StartWindow, s.EndWindow, s.CatchUp,
		s.NextRunAt, nullableJSON(s.LastMaterializedWindow), s.CatchupCursor, s.Enabled, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	return nil
}

// ClaimDueSchedules selects and row-locks enabled schedules due at or before
// now using SELECT ... FOR UPDATE SKIP LOCKED, so concurrent orchestrator
// replicas racing the same poll never claim the same schedule twice. The
// claimed schedules have next_run_at cleared in the same transaction; the
// caller is expected to call AdvanceSchedule to set the next fire time once
// it has materialized the due runs, re-arming the schedule.
func (b *Backend) ClaimDueSchedules(ctx context.Context, now time.Time, limit int) ([]*catalog.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning schedule claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, workflow_definition_id, cron, timezone, start_window, end_window, catch_up,
			next_run_at, last_materialized_window, catchup_cursor, enabled, created_at, updated_at
		FROM schedules
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming due schedules: %w", err)
	}

	var out []*catalog.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, s := range out {
		if _, err := tx.ExecContext(ctx, `UPDATE schedules SET next_run_at = NULL WHERE id = $1`, s.ID); err != nil {
			return nil, fmt.Errorf("clearing claimed schedule next_run_at: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing schedule claim: %w", err)
	}
	return out, nil
}

func scanSchedule(row rowScanner) (*catalog.Schedule, error) {
	var s catalog.Schedule
	var timezone sql.NullString
	var startWindow, endWindow, catchupCursor sql.NullTime
	var lastWindow []byte

	if err := row.Scan(
		&s.ID, &s.WorkflowDefinitionID, &s.Cron, &timezone, &startWindow, &endWindow, &s.CatchUp,
		&s.NextRunAt, &lastWindow, &catchupCursor, &s.Enabled, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Timezone = timezone.String
	s.LastMaterializedWindow = json.RawMessage(lastWindow)
	if startWindow.Valid {
		s.StartWindow = &startWindow.Time
	}
	if endWindow.Valid {
		s.EndWindow = &endWindow.Time
	}
	if catchupCursor.Valid {
		s.CatchupCursor = &catchupCursor.Time
	}
	return &s, nil
}

func (b *Backend) AdvanceSchedule(ctx context.Context, scheduleID string, nextRunAt time.Time, lastWindow []byte, cursor time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE schedules SET next_run_at = $1, last_materialized_window = $2, catchup_cursor = $3, updated_at = now()
		WHERE id = $4
	`, nextRunAt, nullableJSON(lastWindow), cursor, scheduleID)
	if err != nil {
		return fmt.Errorf("advancing schedule: %w", err)
	}
	return nil
}
