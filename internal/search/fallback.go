package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgIndex implements Searcher over the embedding column on memories using
// pgvector cosine distance. Slower and unfiltered by logical collection
// recency tuning, but it keeps recall alive through a Qdrant outage.
type PgIndex struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgIndex creates the Postgres fallback searcher.
func NewPgIndex(pool *pgxpool.Pool, logger *slog.Logger) *PgIndex {
	return &PgIndex{pool: pool, logger: logger}
}

// Search runs a cosine-similarity query against memories.embedding.
// Similarity is 1 - cosine distance, matching Qdrant's scoring closely
// enough for the shared confidence floor to apply.
func (p *PgIndex) Search(ctx context.Context, userID uuid.UUID, collection string, embedding []float32, limit int, floor float32) ([]Result, error) {
	if limit <= 0 {
		limit = 25
	}

	vec := pgvector.NewVector(embedding)
	rows, err := p.pool.Query(ctx,
		`SELECT id, 1 - (embedding <=> $2) AS similarity
		 FROM memories
		 WHERE user_id = $1
		   AND embedding IS NOT NULL
		   AND ($3 = '' OR metadata->>'collection' = $3)
		   AND 1 - (embedding <=> $2) >= $4
		 ORDER BY embedding <=> $2
		 LIMIT $5`,
		userID, vec, collection, floor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r          Result
			similarity float64
		)
		if err := rows.Scan(&r.MemoryID, &similarity); err != nil {
			return nil, fmt.Errorf("search: scan pgvector result: %w", err)
		}
		r.Score = float32(similarity)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Healthy reports whether Postgres is reachable.
func (p *PgIndex) Healthy(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("search: postgres unhealthy: %w", err)
	}
	return nil
}
