package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// EnqueueVectorize queues a piece of memorized text for background indexing
// into the named vector collection. The queue row, not a dangling goroutine,
// is the fire-and-forget handoff: the write's success response never waits
// on it, and the vectorizer worker owns the failure path.
func (db *DB) EnqueueVectorize(ctx context.Context, userID uuid.UUID, collection, sourceRef, text string) (int64, error) {
	var jobID int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO vectorize_outbox (user_id, collection, source_ref, text)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		userID, collection, sourceRef, text,
	).Scan(&jobID)
	if err != nil {
		return 0, fmt.Errorf("storage: enqueue vectorize: %w", err)
	}
	return jobID, nil
}
