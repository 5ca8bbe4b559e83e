package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

// AuditMeta carries the request metadata attached to audit log entries.
// It lives in ctxutil so transports can populate it without circular imports.
type AuditMeta struct {
	RequestID string
	UserID    uuid.UUID
	AgentID   string
	Transport string
	Endpoint  string
}

const keyAuditMeta contextKey = "audit_meta"

// WithAuditMeta returns a new context carrying the audit metadata.
func WithAuditMeta(ctx context.Context, meta AuditMeta) context.Context {
	return context.WithValue(ctx, keyAuditMeta, meta)
}

// AuditMetaFromContext extracts the audit metadata from the context.
func AuditMetaFromContext(ctx context.Context) (AuditMeta, bool) {
	meta, ok := ctx.Value(keyAuditMeta).(AuditMeta)
	return meta, ok
}
