package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/epitome-ai/epitome/internal/model"
)

// InsertAuditEntry appends a tool-invocation audit event. The target table
// is append-only; failure here is the caller's to log, never to propagate —
// the audit sink is fire-and-forget from the core's perspective.
func (db *DB) InsertAuditEntry(ctx context.Context, e model.AuditEntry) error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("storage: marshal audit details: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_log (user_id, agent_id, action, resource, details)
		 VALUES ($1, $2, $3, $4, $5::jsonb)`,
		e.UserID, e.AgentID, e.Action, e.Resource, details,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit entry: %w", err)
	}
	return nil
}
