package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/epitome-ai/epitome/internal/model"
)

// TableRecord is one row of a user-defined relational table.
type TableRecord struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	TableName    string
	Data         map[string]any
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	SupersededBy *uuid.UUID
}

// SourceRef returns the resolvable provenance pointer for this record.
func (r TableRecord) SourceRef() string {
	return fmt.Sprintf("tables/%s/%s", r.TableName, r.ID)
}

// ListTables returns metadata for all tables owned by a user, with live
// record counts. Used as the cheap relevance pre-filter before retrieval.
func (db *DB) ListTables(ctx context.Context, userID uuid.UUID) ([]model.SourceMetadata, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT t.name, COALESCE(t.description, ''),
		        (SELECT count(*) FROM table_records r
		         WHERE r.user_id = t.user_id AND r.table_name = t.name AND r.resolved_at IS NULL)
		 FROM user_tables t
		 WHERE t.user_id = $1
		 ORDER BY t.name`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tables: %w", err)
	}
	defer rows.Close()

	var metas []model.SourceMetadata
	for rows.Next() {
		var m model.SourceMetadata
		if err := rows.Scan(&m.Name, &m.Description, &m.Count); err != nil {
			return nil, fmt.Errorf("storage: scan table meta: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// EnsureTable registers table metadata, keeping an existing description
// unless the new one is non-empty.
func (db *DB) EnsureTable(ctx context.Context, userID uuid.UUID, name, description string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO user_tables (user_id, name, description)
		 VALUES ($1, $2, NULLIF($3, ''))
		 ON CONFLICT (user_id, name)
		 DO UPDATE SET description = COALESCE(NULLIF(EXCLUDED.description, ''), user_tables.description)`,
		userID, name, description,
	)
	if err != nil {
		return fmt.Errorf("storage: ensure table: %w", err)
	}
	return nil
}

// IngestTableRecord inserts a record into a user table, registering the
// table on first use.
func (db *DB) IngestTableRecord(ctx context.Context, userID uuid.UUID, tableName string, data map[string]any) (TableRecord, error) {
	if err := db.EnsureTable(ctx, userID, tableName, ""); err != nil {
		return TableRecord{}, err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return TableRecord{}, fmt.Errorf("storage: marshal record data: %w", err)
	}

	rec := TableRecord{
		ID:        uuid.New(),
		UserID:    userID,
		TableName: tableName,
		Data:      data,
	}
	err = db.pool.QueryRow(ctx,
		`INSERT INTO table_records (id, user_id, table_name, data)
		 VALUES ($1, $2, $3, $4::jsonb)
		 RETURNING created_at`,
		rec.ID, userID, tableName, payload,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return TableRecord{}, fmt.Errorf("storage: ingest table record: %w", err)
	}
	return rec, nil
}

// GetTableRecord fetches a single record by ID.
func (db *DB) GetTableRecord(ctx context.Context, userID, recordID uuid.UUID) (TableRecord, error) {
	var (
		rec  TableRecord
		data []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, table_name, data, created_at, resolved_at, superseded_by
		 FROM table_records
		 WHERE user_id = $1 AND id = $2`, userID, recordID,
	).Scan(&rec.ID, &rec.UserID, &rec.TableName, &data, &rec.CreatedAt, &rec.ResolvedAt, &rec.SupersededBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TableRecord{}, ErrNotFound
		}
		return TableRecord{}, fmt.Errorf("storage: get table record: %w", err)
	}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return TableRecord{}, fmt.Errorf("storage: decode record data: %w", err)
	}
	return rec, nil
}

// QueryTableRecords returns the newest unresolved records of a table.
func (db *DB) QueryTableRecords(ctx context.Context, userID uuid.UUID, tableName string, limit int) ([]TableRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, table_name, data, created_at, resolved_at, superseded_by
		 FROM table_records
		 WHERE user_id = $1 AND table_name = $2 AND resolved_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT $3`, userID, tableName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query table records: %w", err)
	}
	defer rows.Close()

	var recs []TableRecord
	for rows.Next() {
		var (
			rec  TableRecord
			data []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.TableName, &data, &rec.CreatedAt, &rec.ResolvedAt, &rec.SupersededBy); err != nil {
			return nil, fmt.Errorf("storage: scan table record: %w", err)
		}
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return nil, fmt.Errorf("storage: decode record data: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ResolveTableRecord marks a record resolved, optionally pointing at the
// record that supersedes it. Resolved records stop surfacing in retrieval
// but remain for audit.
func (db *DB) ResolveTableRecord(ctx context.Context, userID, recordID uuid.UUID, supersededBy *uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE table_records
		 SET resolved_at = now(), superseded_by = $3
		 WHERE user_id = $1 AND id = $2 AND resolved_at IS NULL`,
		userID, recordID, supersededBy,
	)
	if err != nil {
		return fmt.Errorf("storage: resolve table record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTableRecord removes a record outright.
func (db *DB) DeleteTableRecord(ctx context.Context, userID, recordID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM table_records WHERE user_id = $1 AND id = $2`,
		userID, recordID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete table record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Memory is a free-text note stored outside any table, indexed for vector
// search by the background vectorizer.
type Memory struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Text      string
	Metadata  map[string]any
	CreatedAt time.Time
}

// SourceRef returns the resolvable provenance pointer for this memory.
func (m Memory) SourceRef() string {
	return fmt.Sprintf("memory/%s", m.ID)
}

// IngestMemoryText stores a free-text memory.
func (db *DB) IngestMemoryText(ctx context.Context, userID uuid.UUID, text string, metadata map[string]any) (Memory, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return Memory{}, fmt.Errorf("storage: marshal memory metadata: %w", err)
	}

	mem := Memory{ID: uuid.New(), UserID: userID, Text: text, Metadata: metadata}
	err = db.pool.QueryRow(ctx,
		`INSERT INTO memories (id, user_id, text, metadata)
		 VALUES ($1, $2, $3, $4::jsonb)
		 RETURNING created_at`,
		mem.ID, userID, text, payload,
	).Scan(&mem.CreatedAt)
	if err != nil {
		return Memory{}, fmt.Errorf("storage: ingest memory text: %w", err)
	}
	return mem, nil
}

// GetMemory fetches a memory by ID.
func (db *DB) GetMemory(ctx context.Context, userID, memoryID uuid.UUID) (Memory, error) {
	var (
		mem  Memory
		meta []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, text, metadata, created_at
		 FROM memories WHERE user_id = $1 AND id = $2`, userID, memoryID,
	).Scan(&mem.ID, &mem.UserID, &mem.Text, &meta, &mem.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Memory{}, ErrNotFound
		}
		return Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	if err := json.Unmarshal(meta, &mem.Metadata); err != nil {
		return Memory{}, fmt.Errorf("storage: decode memory metadata: %w", err)
	}
	return mem, nil
}

// GetMemories fetches a batch of memories by ID. Missing IDs are silently
// skipped; the caller reconciles against what the index returned.
func (db *DB) GetMemories(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, text, metadata, created_at
		 FROM memories WHERE user_id = $1 AND id = ANY($2)`, userID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get memories: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]Memory, len(ids))
	for rows.Next() {
		var (
			mem  Memory
			meta []byte
		)
		if err := rows.Scan(&mem.ID, &mem.UserID, &mem.Text, &meta, &mem.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		if err := json.Unmarshal(meta, &mem.Metadata); err != nil {
			return nil, fmt.Errorf("storage: decode memory metadata: %w", err)
		}
		out[mem.ID] = mem
	}
	return out, rows.Err()
}

// DeleteMemoriesByRecordRef removes the memories derived from one table
// record and returns their IDs so the caller can evict the matching index
// points. The pgvector rows go with the memories; only the external index
// needs a separate delete.
func (db *DB) DeleteMemoriesByRecordRef(ctx context.Context, userID uuid.UUID, recordRef string) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`DELETE FROM memories
		 WHERE user_id = $1 AND metadata->>'record_ref' = $2
		 RETURNING id`, userID, recordRef,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: delete memories by record ref: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan deleted memory id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListCollections returns metadata for the user's vector collections.
func (db *DB) ListCollections(ctx context.Context, userID uuid.UUID) ([]model.SourceMetadata, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT name, COALESCE(description, ''), point_count
		 FROM vector_collections
		 WHERE user_id = $1
		 ORDER BY name`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list collections: %w", err)
	}
	defer rows.Close()

	var metas []model.SourceMetadata
	for rows.Next() {
		var m model.SourceMetadata
		if err := rows.Scan(&m.Name, &m.Description, &m.Count); err != nil {
			return nil, fmt.Errorf("storage: scan collection meta: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// BumpCollection registers a collection on first use and increments its
// point count. Called by the vectorizer after a successful upsert.
func (db *DB) BumpCollection(ctx context.Context, userID uuid.UUID, name string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO vector_collections (user_id, name, point_count)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (user_id, name)
		 DO UPDATE SET point_count = vector_collections.point_count + 1`,
		userID, name,
	)
	if err != nil {
		return fmt.Errorf("storage: bump collection: %w", err)
	}
	return nil
}
