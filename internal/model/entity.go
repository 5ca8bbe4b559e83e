package model

import (
	"time"

	"github.com/google/uuid"
)

// Entity is a node in the per-user knowledge graph, unique on
// (user, type, name).
type Entity struct {
	ID         uuid.UUID      `json:"id"`
	UserID     uuid.UUID      `json:"user_id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	Confidence float32        `json:"confidence"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Edge is a typed relation between two entities. Edges that fail relation
// matrix validation are stored but quarantined: excluded from retrieval
// until a review releases them.
type Edge struct {
	ID               uuid.UUID      `json:"id"`
	UserID           uuid.UUID      `json:"user_id"`
	SourceID         uuid.UUID      `json:"source_id"`
	TargetID         uuid.UUID      `json:"target_id"`
	Relation         string         `json:"relation"`
	Properties       map[string]any `json:"properties,omitempty"`
	Confidence       float32        `json:"confidence"`
	Origin           string         `json:"origin"` // source ref of the write that produced the edge
	Quarantined      bool           `json:"quarantined"`
	QuarantineReason string         `json:"quarantine_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ProposedEdge is an edge candidate from extraction, before the endpoints
// have been persisted.
type ProposedEdge struct {
	Relation   string         `json:"relation"`
	Properties map[string]any `json:"properties,omitempty"`
	SourceRef  string         `json:"source_ref"`
}
