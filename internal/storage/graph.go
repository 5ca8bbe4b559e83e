package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/epitome-ai/epitome/internal/model"
)

// UpsertEntity inserts or refreshes a graph entity keyed on
// (user, type, name). Confidence only ever moves up on re-observation.
func (db *DB) UpsertEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return model.Entity{}, fmt.Errorf("storage: marshal entity properties: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO graph_entities (id, user_id, type, name, properties, confidence)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		 ON CONFLICT (user_id, type, name)
		 DO UPDATE SET
		     properties = graph_entities.properties || EXCLUDED.properties,
		     confidence = GREATEST(graph_entities.confidence, EXCLUDED.confidence)
		 RETURNING id, created_at`,
		e.ID, e.UserID, e.Type, e.Name, props, e.Confidence,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return model.Entity{}, fmt.Errorf("storage: upsert entity: %w", err)
	}
	return e, nil
}

// InsertEdge stores an edge, quarantine flag included.
func (db *DB) InsertEdge(ctx context.Context, e model.Edge) (model.Edge, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return model.Edge{}, fmt.Errorf("storage: marshal edge properties: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO graph_edges
		     (id, user_id, source_id, target_id, relation, properties, confidence, origin, quarantined, quarantine_reason)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, NULLIF($10, ''))
		 RETURNING created_at`,
		e.ID, e.UserID, e.SourceID, e.TargetID, e.Relation, props, e.Confidence,
		e.Origin, e.Quarantined, e.QuarantineReason,
	).Scan(&e.CreatedAt)
	if err != nil {
		return model.Edge{}, fmt.Errorf("storage: insert edge: %w", err)
	}
	return e, nil
}

// GraphFact is one traversed edge with both endpoints resolved, ready for
// the fusion engine to render as a fact.
type GraphFact struct {
	EdgeID     uuid.UUID
	SourceName string
	SourceType string
	Relation   string
	TargetName string
	TargetType string
	Properties map[string]any
	Confidence float32
	Depth      int
}

// TraverseGraph walks outward from entities whose name matches topic,
// following non-quarantined edges up to maxHops, newest first within each
// depth. Quarantined edges are excluded from retrieval until reviewed.
func (db *DB) TraverseGraph(ctx context.Context, userID uuid.UUID, topic string, maxHops, limit int) ([]GraphFact, error) {
	if maxHops <= 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.pool.Query(ctx,
		`WITH RECURSIVE seeds AS (
		     SELECT id FROM graph_entities
		     WHERE user_id = $1 AND name ILIKE '%' || $2 || '%'
		 ),
		 walk AS (
		     SELECT e.id AS edge_id, e.source_id, e.target_id, 1 AS depth
		     FROM graph_edges e
		     WHERE e.user_id = $1 AND NOT e.quarantined
		       AND (e.source_id IN (SELECT id FROM seeds) OR e.target_id IN (SELECT id FROM seeds))
		     UNION
		     SELECT e.id, e.source_id, e.target_id, w.depth + 1
		     FROM graph_edges e
		     JOIN walk w ON (e.source_id = w.target_id OR e.target_id = w.source_id)
		     WHERE e.user_id = $1 AND NOT e.quarantined AND w.depth < $3
		 )
		 SELECT DISTINCT ON (e.id)
		     e.id, src.name, src.type, e.relation, dst.name, dst.type,
		     e.properties, e.confidence, w.depth
		 FROM walk w
		 JOIN graph_edges e ON e.id = w.edge_id
		 JOIN graph_entities src ON src.id = e.source_id
		 JOIN graph_entities dst ON dst.id = e.target_id
		 ORDER BY e.id, w.depth
		 LIMIT $4`,
		userID, topic, maxHops, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: traverse graph: %w", err)
	}
	defer rows.Close()

	var facts []GraphFact
	for rows.Next() {
		var (
			f     GraphFact
			props []byte
		)
		if err := rows.Scan(&f.EdgeID, &f.SourceName, &f.SourceType, &f.Relation,
			&f.TargetName, &f.TargetType, &props, &f.Confidence, &f.Depth); err != nil {
			return nil, fmt.Errorf("storage: scan graph fact: %w", err)
		}
		if len(props) > 0 {
			if err := json.Unmarshal(props, &f.Properties); err != nil {
				return nil, fmt.Errorf("storage: decode edge properties: %w", err)
			}
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// ListQuarantinedEdges returns edges awaiting review.
func (db *DB) ListQuarantinedEdges(ctx context.Context, userID uuid.UUID, limit int) ([]model.Edge, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, source_id, target_id, relation, properties, confidence,
		        origin, quarantined, COALESCE(quarantine_reason, ''), created_at
		 FROM graph_edges
		 WHERE user_id = $1 AND quarantined
		 ORDER BY created_at DESC
		 LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list quarantined edges: %w", err)
	}
	defer rows.Close()

	var edges []model.Edge
	for rows.Next() {
		var (
			e     model.Edge
			props []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.SourceID, &e.TargetID, &e.Relation,
			&props, &e.Confidence, &e.Origin, &e.Quarantined, &e.QuarantineReason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan edge: %w", err)
		}
		if len(props) > 0 {
			if err := json.Unmarshal(props, &e.Properties); err != nil {
				return nil, fmt.Errorf("storage: decode edge properties: %w", err)
			}
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ReleaseEdge clears an edge's quarantine flag after review.
func (db *DB) ReleaseEdge(ctx context.Context, userID, edgeID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE graph_edges
		 SET quarantined = false, quarantine_reason = NULL
		 WHERE user_id = $1 AND id = $2 AND quarantined`,
		userID, edgeID,
	)
	if err != nil {
		return fmt.Errorf("storage: release edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
