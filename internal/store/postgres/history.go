package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/apphub/catalog/pkg/catalog"
)

func (b *Backend) AppendHistory(ctx context.Context, h *catalog.ExecutionHistory) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO workflow_execution_history (id, workflow_run_id, workflow_run_step_id, step_id, event_type, event_payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, h.ID, h.WorkflowRunID, nullableString(h.WorkflowRunStepID), nullableString(h.StepID), h.EventType, nullableJSON(h.EventPayload), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending execution history: %w", err)
	}
	return nil
}

func (b *Backend) ListHistory(ctx context.Context, runID string) ([]*catalog.ExecutionHistory, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, workflow_run_id, workflow_run_step_id, step_id, event_type, event_payload, created_at
		FROM workflow_execution_history WHERE workflow_run_id = $1 ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing execution history: %w", err)
	}
	defer rows.Close()

	var out []*catalog.ExecutionHistory
	for rows.Next() {
		var h catalog.ExecutionHistory
		var stepRecordID, stepID sql.NullString
		var payload []byte
		if err := rows.Scan(&h.ID, &h.WorkflowRunID, &stepRecordID, &stepID, &h.EventType, &payload, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning execution history: %w", err)
		}
		h.WorkflowRunStepID = stepRecordID.String
		h.StepID = stepID.String
		h.EventPayload = json.RawMessage(payload)
		out = append(out, &h)
	}
	return out, rows.Err()
}
