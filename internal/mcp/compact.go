package mcp

import (
	"fmt"
	"math"

	"github.com/epitome-ai/epitome/internal/model"
)

const maxCompactText = 400

// compactFact returns a minimal representation of a fact for MCP responses.
// Drops internal bookkeeping agents don't act on and rounds scores so the
// payload stays compact and stable.
func compactFact(f model.Fact) map[string]any {
	m := map[string]any{
		"source":     string(f.SourceKind),
		"text":       truncate(f.Text, maxCompactText),
		"confidence": round3(float64(f.Confidence)),
		"score":      round3(f.Score),
		"provenance": f.Provenance,
	}
	if !f.CreatedAt.IsZero() {
		m["created_at"] = f.CreatedAt
	}
	// Corroboration: refs of deduplicated facts that said the same thing.
	if len(f.SecondaryRefs) > 0 {
		m["also_from"] = f.SecondaryRefs
	}
	return m
}

func compactFacts(facts []model.Fact) []map[string]any {
	out := make([]map[string]any, 0, len(facts))
	for _, f := range facts {
		out = append(out, compactFact(f))
	}
	return out
}

// compactEdge returns a minimal representation of a quarantined edge for
// review listings, including the reason so the caller can decide whether
// to release it.
func compactEdge(e model.Edge) map[string]any {
	m := map[string]any{
		"edge_id":    e.ID,
		"relation":   e.Relation,
		"source_id":  e.SourceID,
		"target_id":  e.TargetID,
		"confidence": round3(float64(e.Confidence)),
		"created_at": e.CreatedAt,
	}
	if e.QuarantineReason != "" {
		m["reason"] = e.QuarantineReason
	}
	if e.Origin != "" {
		m["origin"] = e.Origin
	}
	if len(e.Properties) > 0 {
		m["properties"] = e.Properties
	}
	return m
}

func compactEdges(edges []model.Edge) []map[string]any {
	out := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		out = append(out, compactEdge(e))
	}
	return out
}

// summarizeRecall produces a one-sentence synthesis of a recall response.
// Template-based, no LLM dependency.
func summarizeRecall(facts []model.Fact, warnings []string) string {
	if len(facts) == 0 {
		if len(warnings) > 0 {
			return fmt.Sprintf("No facts found (%d source warning(s)).", len(warnings))
		}
		return "No facts found for this topic."
	}
	kinds := map[model.SourceKind]int{}
	for _, f := range facts {
		kinds[f.SourceKind]++
	}
	s := fmt.Sprintf("%d fact(s) from %d source kind(s).", len(facts), len(kinds))
	if len(warnings) > 0 {
		s += fmt.Sprintf(" %d source(s) degraded or skipped.", len(warnings))
	}
	return s
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
