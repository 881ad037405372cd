// Package audit wraps internal/store's HistoryStore and AuditStore with the
// append-only recording behavior spec §4.9 describes: execution history
// rows are never updated once written, and every operator or system action
// against a resource gets its own AuditLog row.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
)

// Recorder appends ExecutionHistory and AuditLog rows through a
// store.Backend.
type Recorder struct {
	store store.Backend
}

// New builds a Recorder backed by the given store.
func New(backend store.Backend) *Recorder {
	return &Recorder{store: backend}
}

// RecordHistory appends one execution-history row. workflowRunStepID and
// stepID may be empty for run-scoped events (run.created, run.started).
// payload is marshaled to JSON if non-nil.
func (r *Recorder) RecordHistory(ctx context.Context, runID, workflowRunStepID, stepID string, eventType catalog.HistoryEventType, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal history payload: %w", err)
	}
	h := &catalog.ExecutionHistory{
		ID:                uuid.NewString(),
		WorkflowRunID:     runID,
		WorkflowRunStepID: workflowRunStepID,
		StepID:            stepID,
		EventType:         eventType,
		EventPayload:      raw,
		CreatedAt:         time.Now().UTC(),
	}
	return r.store.AppendHistory(ctx, h)
}

// History returns a run's execution history in append order.
func (r *Recorder) History(ctx context.Context, runID string) ([]*catalog.ExecutionHistory, error) {
	return r.store.ListHistory(ctx, runID)
}

// RecordAudit appends one operator/system action row. status is typically
// "success" or "failure"; scopes lists the authorization scopes the actor
// held when the action was taken.
func (r *Recorder) RecordAudit(ctx context.Context, actor, action, resource, status string, scopes []string, metadata any) error {
	raw, err := marshalPayload(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	a := &catalog.AuditLog{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Status:    status,
		Scopes:    scopes,
		Metadata:  raw,
		CreatedAt: time.Now().UTC(),
	}
	return r.store.AppendAudit(ctx, a)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	if raw, ok := payload.([]byte); ok {
		return json.RawMessage(raw), nil
	}
	return json.Marshal(payload)
}
