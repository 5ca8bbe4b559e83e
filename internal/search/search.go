// Package search provides vector search over memorized text using an
// external index, with transparent fallback to pgvector similarity in
// Postgres when the index is unreachable.
package search

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Result holds a memory ID and its raw similarity score from the index.
// The caller hydrates full memories from Postgres (source of truth).
type Result struct {
	MemoryID uuid.UUID
	Score    float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns memory IDs similar to the query vector within one
	// user's logical collection. Scores below floor are dropped.
	Search(ctx context.Context, userID uuid.UUID, collection string, embedding []float32, limit int, floor float32) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Deleter is implemented by indexes that hold their points outside the
// memories table and need explicit eviction when memories are deleted.
// PgIndex reads the memories table directly, so it does not implement this.
type Deleter interface {
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// UserDeleter is implemented by indexes that can wipe every point belonging
// to one user, for account purges.
type UserDeleter interface {
	DeleteByUser(ctx context.Context, userID uuid.UUID) error
}

// fallbackSearcher routes to primary while it is healthy and silently falls
// back to secondary otherwise. Both sides index the same memories: the
// vectorizer writes every embedding to Qdrant and to the pgvector column.
type fallbackSearcher struct {
	primary   Searcher
	secondary Searcher
	logger    *slog.Logger
}

// WithFallback wraps primary so that an unhealthy or failing index degrades
// to secondary instead of surfacing an error to retrieval.
func WithFallback(primary, secondary Searcher, logger *slog.Logger) Searcher {
	return &fallbackSearcher{primary: primary, secondary: secondary, logger: logger}
}

func (f *fallbackSearcher) Search(ctx context.Context, userID uuid.UUID, collection string, embedding []float32, limit int, floor float32) ([]Result, error) {
	if err := f.primary.Healthy(ctx); err != nil {
		f.logger.Warn("search: primary index unhealthy, using pgvector fallback", "error", err)
		return f.secondary.Search(ctx, userID, collection, embedding, limit, floor)
	}
	results, err := f.primary.Search(ctx, userID, collection, embedding, limit, floor)
	if err != nil {
		f.logger.Warn("search: primary index query failed, using pgvector fallback", "error", err)
		return f.secondary.Search(ctx, userID, collection, embedding, limit, floor)
	}
	return results, nil
}

// DeleteByIDs forwards point eviction to the primary index; the secondary
// reads the memories table, whose rows the caller already deleted.
func (f *fallbackSearcher) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if d, ok := f.primary.(Deleter); ok {
		return d.DeleteByIDs(ctx, ids)
	}
	return nil
}

// DeleteByUser forwards an account wipe to the primary index.
func (f *fallbackSearcher) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	if d, ok := f.primary.(UserDeleter); ok {
		return d.DeleteByUser(ctx, userID)
	}
	return nil
}

func (f *fallbackSearcher) Healthy(ctx context.Context) error {
	if err := f.primary.Healthy(ctx); err != nil {
		return f.secondary.Healthy(ctx)
	}
	return nil
}
