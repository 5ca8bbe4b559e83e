// Package knowledge orchestrates the personal knowledge store: permissioned
// retrieval over every source, idempotent writes with rule-based entity
// extraction, and review of what earlier writes produced.
package knowledge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/epitome-ai/epitome/internal/consent"
	"github.com/epitome-ai/epitome/internal/ctxutil"
	"github.com/epitome-ai/epitome/internal/fusion"
	"github.com/epitome-ai/epitome/internal/idempotency"
	"github.com/epitome-ai/epitome/internal/model"
	"github.com/epitome-ai/epitome/internal/search"
	"github.com/epitome-ai/epitome/internal/service/embedding"
	"github.com/epitome-ai/epitome/internal/storage"
	"github.com/epitome-ai/epitome/internal/telemetry"
)

// Service is the knowledge layer shared by every transport.
type Service struct {
	db       *storage.DB
	gate     *consent.Gate
	engine   *fusion.Engine
	idem     *idempotency.Service
	embedder embedding.Provider
	searcher search.Searcher
	logger   *slog.Logger

	recallDuration   metric.Float64Histogram
	memorizeDuration metric.Float64Histogram
	factsReturned    metric.Int64Histogram
}

// New wires the knowledge service. The fusion engine is created here because
// the service itself is its source provider.
func New(db *storage.DB, gate *consent.Gate, idem *idempotency.Service, embedder embedding.Provider, searcher search.Searcher, logger *slog.Logger) *Service {
	s := &Service{
		db:       db,
		gate:     gate,
		idem:     idem,
		embedder: embedder,
		searcher: searcher,
		logger:   logger,
	}
	s.engine = fusion.New(s, logger)

	meter := telemetry.Meter("epitome/knowledge")
	s.recallDuration, _ = meter.Float64Histogram("epitome.recall.duration",
		metric.WithDescription("Recall latency in milliseconds"), metric.WithUnit("ms"))
	s.memorizeDuration, _ = meter.Float64Histogram("epitome.memorize.duration",
		metric.WithDescription("Memorize latency in milliseconds"), metric.WithUnit("ms"))
	s.factsReturned, _ = meter.Int64Histogram("epitome.recall.facts",
		metric.WithDescription("Facts returned per recall"))

	return s
}

// Gate exposes the consent gate for transports that manage consent rules.
func (s *Service) Gate() *consent.Gate {
	return s.gate
}

// Sources returns metadata for the user's tables and vector collections.
// Names and counts only; reading actual content still passes the gate.
func (s *Service) Sources(ctx context.Context, userID uuid.UUID) (tables, collections []model.SourceMetadata, err error) {
	tables, err = s.db.ListTables(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	collections, err = s.db.ListCollections(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return tables, collections, nil
}

// audit records the tool invocation; failures are logged, never surfaced.
// The audit trail is best-effort by design: losing one entry must not fail
// the user-visible operation it describes.
func (s *Service) audit(ctx context.Context, entry model.AuditEntry) {
	if meta, ok := ctxutil.AuditMetaFromContext(ctx); ok {
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		if meta.RequestID != "" {
			entry.Details["request_id"] = meta.RequestID
		}
		if meta.Transport != "" {
			entry.Details["transport"] = meta.Transport
		}
		if meta.Endpoint != "" {
			entry.Details["endpoint"] = meta.Endpoint
		}
	}
	if err := s.db.InsertAuditEntry(ctx, entry); err != nil {
		s.logger.Error("knowledge: audit insert failed", "action", entry.Action, "error", err)
	}
}

// AsToolError maps any service error onto the uniform failure envelope codes.
// Typed *model.ToolError values pass through; known sentinels get their
// stable code; everything else is INTERNAL_ERROR.
func AsToolError(err error) *model.ToolError {
	var te *model.ToolError
	switch {
	case errors.As(err, &te):
		return te
	case errors.Is(err, storage.ErrNotFound):
		return model.NewToolError(model.ErrCodeNotFound, "not found")
	case errors.Is(err, fusion.ErrAllDenied):
		return model.NewToolError(model.ErrCodeConsentDenied, "consent denied for every candidate source")
	case errors.Is(err, fusion.ErrNoSources):
		return model.NewToolError(model.ErrCodeInternalError, "no knowledge source could be consulted")
	case errors.Is(err, idempotency.ErrHashMismatch):
		return model.NewToolError(model.ErrCodeInvalidArgs, "idempotency key reused with different arguments")
	case errors.Is(err, idempotency.ErrWaitTimeout):
		return model.NewToolError(model.ErrCodeInternalError, "an identical write is still in flight; retry shortly")
	case errors.Is(err, idempotency.ErrAbandoned):
		return model.NewToolError(model.ErrCodeInternalError, "the original write failed; retry")
	default:
		return model.NewToolError(model.ErrCodeInternalError, err.Error())
	}
}
