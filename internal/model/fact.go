package model

import "time"

// SourceKind identifies which class of store a fact came from.
type SourceKind string

const (
	SourceProfile SourceKind = "profile"
	SourceTable   SourceKind = "table"
	SourceVector  SourceKind = "vector"
	SourceGraph   SourceKind = "graph"
)

// Fact is one retrieved unit of knowledge with its provenance. Provenance is
// a stable ref ("tables/<name>/<id>", "memory/<id>", "graph/<edge-id>",
// "profile/<path>") that a caller can hand back to review or resolve.
type Fact struct {
	SourceKind SourceKind `json:"source_kind"`
	Text       string     `json:"text"`
	Confidence float32    `json:"confidence"`
	Provenance string     `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`

	// Score is the fused ranking score, filled in after dedup.
	Score float64 `json:"score"`

	// SecondaryRefs lists provenance of duplicates collapsed into this fact.
	SecondaryRefs []string `json:"secondary_refs,omitempty"`
}

// SourceMetadata is the cheap per-source summary used for relevance
// pre-filtering: name, free-text description, and a live item count.
type SourceMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Count       int64  `json:"count"`
}

// RetrievalResult is the fused output of one recall: ranked facts plus the
// ordered warnings accumulated while consulting sources.
type RetrievalResult struct {
	Facts    []Fact   `json:"facts"`
	Warnings []string `json:"warnings,omitempty"`
}
