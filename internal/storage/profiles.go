package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/epitome-ai/epitome/internal/model"
)

// GetLatestProfile returns the most recent profile document for a user, or
// ErrNotFound if none has been stored.
func (db *DB) GetLatestProfile(ctx context.Context, userID uuid.UUID) (model.Profile, error) {
	var (
		p   model.Profile
		doc []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, doc, updated_at
		 FROM profiles
		 WHERE user_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`, userID,
	).Scan(&p.UserID, &doc, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Profile{}, ErrNotFound
		}
		return model.Profile{}, fmt.Errorf("storage: get latest profile: %w", err)
	}
	if err := json.Unmarshal(doc, &p.Doc); err != nil {
		return model.Profile{}, fmt.Errorf("storage: decode profile doc: %w", err)
	}
	return p, nil
}

// UpsertProfile appends a new profile version for the user. History is kept;
// GetLatestProfile always reads the newest row.
func (db *DB) UpsertProfile(ctx context.Context, userID uuid.UUID, doc map[string]any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: marshal profile doc: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, doc) VALUES ($1, $2::jsonb)`,
		userID, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert profile: %w", err)
	}
	return nil
}
