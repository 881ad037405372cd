package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apphub/catalog/pkg/catalog"
)

func (b *Backend) AppendAudit(ctx context.Context, a *catalog.AuditLog) error {
	scopes, err := json.Marshal(a.Scopes)
	if err != nil {
		return fmt.Errorf("marshaling audit scopes: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, resource, status, scopes, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.Actor, a.Action, a.Resource, a.Status, scopes, nullableJSON(a.Metadata), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending audit log: %w", err)
	}
	return nil
}
