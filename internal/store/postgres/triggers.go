package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

func (b *Backend) CreateEventTrigger(ctx context.Context, t *catalog.EventTrigger) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO event_triggers (id, workflow_definition_id, event_type, event_source, predicate,
			throttle_ms, failure_threshold, paused, paused_reason, paused_until, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, t.ID, t.WorkflowDefinitionID, t.EventType, nullString(t.EventSource), nullString(t.Predicate),
		t.ThrottleMs, t.FailureThreshold, t.Paused, nullString(t.PausedReason), t.PausedUntil, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting event trigger: %w", err)
	}
	return nil
}

func (b *Backend) ListTriggersForEvent(ctx context.Context, eventType, eventSource string) ([]*catalog.EventTrigger, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, workflow_definition_id, event_type, event_source, predicate, throttle_ms,
			failure_threshold, paused, paused_reason, paused_until, created_at, updated_at
		FROM event_triggers
		WHERE event_type = $1 AND (event_source IS NULL OR event_source = '' OR event_source = $2)
		ORDER BY created_at
	`, eventType, eventSource)
	if err != nil {
		return nil, fmt.Errorf("listing triggers for event: %w", err)
	}
	defer rows.Close()

	var out []*catalog.EventTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrigger(row rowScanner) (*catalog.EventTrigger, error) {
	var t catalog.EventTrigger
	var eventSource, predicate, pausedReason sql.NullString
	var throttleMs, failureThreshold sql.NullInt64
	var pausedUntil sql.NullTime

	if err := row.Scan(
		&t.ID, &t.WorkflowDefinitionID, &t.EventType, &eventSource, &predicate, &throttleMs,
		&failureThreshold, &t.Paused, &pausedReason, &pausedUntil, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.EventSource = eventSource.String
	t.Predicate = predicate.String
	t.ThrottleMs = throttleMs.Int64
	t.FailureThreshold = int(failureThreshold.Int64)
	t.PausedReason = pausedReason.String
	if pausedUntil.Valid {
		t.PausedUntil = &pausedUntil.Time
	}
	return &t, nil
}

func (b *Backend) CreateDelivery(ctx context.Context, d *catalog.TriggerDelivery) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO trigger_deliveries (id, event_trigger_id, event_id, event_source, status, workflow_run_id, error, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, d.ID, d.EventTriggerID, d.EventID, nullString(d.EventSource), d.Status, nullableString(d.WorkflowRunID), nullString(d.Error), nullableJSON(d.Payload), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting trigger delivery: %w", err)
	}
	return nil
}

func (b *Backend) UpdateDeliveryStatus(ctx context.Context, deliveryID string, status catalog.DeliveryStatus, runID, errMessage string) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE trigger_deliveries SET status = $1, workflow_run_id = $2, error = $3, updated_at = now()
		WHERE id = $4
	`, status, nullableString(runID), nullString(errMessage), deliveryID)
	if err != nil {
		return fmt.Errorf("updating delivery status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return catalogerr.NotFoundf("trigger delivery %q not found", deliveryID)
	}
	return nil
}

func (b *Backend) PauseTrigger(ctx context.Context, triggerID, reason string, until time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE event_triggers SET paused = true, paused_reason = $1, paused_until = $2, updated_at = now()
		WHERE id = $3
	`, reason, until, triggerID)
	if err != nil {
		return fmt.Errorf("pausing trigger: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return catalogerr.NotFoundf("event trigger %q not found", triggerID)
	}
	return nil
}

func (b *Backend) RecentFailureCount(ctx context.Context, triggerID string, since time.Time) (int, error) {
	var count int
	row := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trigger_deliveries
		WHERE event_trigger_id = $1 AND status = 'failed' AND created_at >= $2
	`, triggerID, since)
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("counting recent trigger failures: %w", err)
	}
	return count, nil
}

// PauseSource upserts the source-level pause row (spec §4.5): sources that
// emit many failures across their triggers get suspended independent of any
// one trigger's own failureThreshold.
func (b *Backend) PauseSource(ctx context.Context, source, reason string, until time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO trigger_source_pauses (source, reason, paused_until, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (source) DO UPDATE SET reason = $2, paused_until = $3, updated_at = now()
	`, source, nullString(reason), until)
	if err != nil {
		return fmt.Errorf("pausing source: %w", err)
	}
	return nil
}

func (b *Backend) GetSourcePause(ctx context.Context, source string) (bool, string, time.Time, error) {
	var reason sql.NullString
	var until time.Time
	row := b.db.QueryRowContext(ctx, `
		SELECT reason, paused_until FROM trigger_source_pauses WHERE source = $1
	`, source)
	if err := row.Scan(&reason, &until); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", time.Time{}, nil
		}
		return false, "", time.Time{}, fmt.Errorf("loading source pause: %w", err)
	}
	return true, reason.String, until, nil
}

func (b *Backend) RecentFailureCountBySource(ctx context.Context, source string, since time.Time) (int, error) {
	var count int
	row := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trigger_deliveries
		WHERE event_source = $1 AND status = 'failed' AND created_at >= $2
	`, source, since)
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("counting recent source failures: %w", err)
	}
	return count, nil
}
