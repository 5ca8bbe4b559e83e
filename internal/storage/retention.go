package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// userTables names every table holding per-user rows, in an order that
// respects foreign keys. PurgeUser iterates it so a new table added to the
// schema shows up here or the purge is incomplete.
var userTables = []string{
	"vectorize_outbox",
	"audit_log",
	"idempotency_keys",
	"consent_rules",
	"graph_edges",
	"graph_entities",
	"vector_collections",
	"memories",
	"table_records",
	"user_tables",
	"profiles",
}

// PurgeUser deletes every Postgres row owned by a user in a single
// transaction and returns the total rows removed. The external vector index
// is not touched here; the caller wipes it separately.
func (db *DB) PurgeUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin purge: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, table := range userTables {
		tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID)
		if err != nil {
			return 0, fmt.Errorf("storage: purge %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit purge: %w", err)
	}
	return total, nil
}
