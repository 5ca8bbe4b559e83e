package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/epitome-ai/epitome/internal/idempotency"
)

// BeginIdempotency reserves a key for processing via INSERT .. ON CONFLICT
// DO NOTHING. Exactly one of the racing callers gets reserved=true; the rest
// read back the current record state.
//
// Stale pending keys are not taken over — they block retries until the
// periodic CleanupIdempotencyKeys job removes them. Taking over a pending
// key would risk duplicate mutations when the original request committed
// its work but crashed before finalizing.
func (db *DB) BeginIdempotency(ctx context.Context, userID uuid.UUID, toolName, key, requestHash string) (bool, idempotency.Lookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (user_id, tool_name, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, 'pending')
		 ON CONFLICT DO NOTHING`,
		userID, toolName, key, requestHash,
	)
	if err != nil {
		return false, idempotency.Lookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, idempotency.Lookup{}, nil // caller owns processing
	}

	lookup, err := db.LookupIdempotency(ctx, userID, toolName, key)
	if err != nil {
		return false, idempotency.Lookup{}, err
	}
	return false, lookup, nil
}

// LookupIdempotency reads the current state of a key.
func (db *DB) LookupIdempotency(ctx context.Context, userID uuid.UUID, toolName, key string) (idempotency.Lookup, error) {
	var (
		hash   string
		status string
		result []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, result
		 FROM idempotency_keys
		 WHERE user_id = $1 AND tool_name = $2 AND idempotency_key = $3`,
		userID, toolName, key,
	).Scan(&hash, &status, &result)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return idempotency.Lookup{}, nil
		}
		return idempotency.Lookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}
	return idempotency.Lookup{
		Found:       true,
		Completed:   status == "completed",
		RequestHash: hash,
		Result:      json.RawMessage(result),
	}, nil
}

// CompleteIdempotency stores the final result for a previously reserved key.
func (db *DB) CompleteIdempotency(ctx context.Context, userID uuid.UUID, toolName, key string, result json.RawMessage) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', result = $4::jsonb, updated_at = now()
		 WHERE user_id = $1 AND tool_name = $2 AND idempotency_key = $3
		   AND status = 'pending'`,
		userID, toolName, key, []byte(result),
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not pending")
	}
	return nil
}

// ClearIdempotency removes a pending reservation so the client can retry.
func (db *DB) ClearIdempotency(ctx context.Context, userID uuid.UUID, toolName, key string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE user_id = $1 AND tool_name = $2 AND idempotency_key = $3
		   AND status = 'pending'`,
		userID, toolName, key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes old completed records and abandoned pending records.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, pendingTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'pending' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), pendingTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
