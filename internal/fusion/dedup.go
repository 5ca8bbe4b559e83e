package fusion

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/epitome-ai/epitome/internal/model"
)

// Source weights for ranking. Structured, user-curated sources outrank raw
// vector hits; a graph fact whose entity actually appears in the topic gets
// a further boost.
const (
	weightProfile    = 1.0
	weightGraph      = 0.85
	weightGraphMatch = 0.95
	weightTable      = 0.85
	weightVector     = 0.7
)

// dedupe collapses facts whose normalized text is identical, keeping the
// highest-confidence copy and recording the losers' provenance as secondary
// references.
func dedupe(facts []model.Fact) []model.Fact {
	if len(facts) < 2 {
		return facts
	}

	byText := make(map[string]int, len(facts))
	out := make([]model.Fact, 0, len(facts))
	for _, f := range facts {
		key := normalizeText(f.Text)
		i, seen := byText[key]
		if !seen {
			byText[key] = len(out)
			out = append(out, f)
			continue
		}
		winner, loser := out[i], f
		if moreAuthoritative(f, winner) {
			winner, loser = f, out[i]
		}
		winner.SecondaryRefs = uniqueRefs(
			append(append(winner.SecondaryRefs, loser.SecondaryRefs...), loser.Provenance),
			winner.Provenance)
		out[i] = winner
	}
	return out
}

// moreAuthoritative decides which of two equal-text facts supplies the
// primary provenance: higher confidence, then heavier source kind, then the
// lexically smaller ref, so merge order cannot change the outcome.
func moreAuthoritative(a, b model.Fact) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if wa, wb := kindWeight(a.SourceKind), kindWeight(b.SourceKind); wa != wb {
		return wa > wb
	}
	return a.Provenance < b.Provenance
}

func uniqueRefs(refs []string, primary string) []string {
	seen := map[string]bool{primary: true}
	out := refs[:0]
	for _, r := range refs {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// rank scores every fact and sorts highest first, breaking ties by recency
// then provenance for a stable ordering.
func rank(facts []model.Fact, topic string) {
	topicLower := strings.ToLower(topic)
	for i := range facts {
		facts[i].Score = score(facts[i], topicLower)
	}
	sort.SliceStable(facts, func(i, j int) bool {
		if facts[i].Score != facts[j].Score {
			return facts[i].Score > facts[j].Score
		}
		if !facts[i].CreatedAt.Equal(facts[j].CreatedAt) {
			return facts[i].CreatedAt.After(facts[j].CreatedAt)
		}
		return facts[i].Provenance < facts[j].Provenance
	})
}

func score(f model.Fact, topicLower string) float64 {
	w := kindWeight(f.SourceKind)
	if f.SourceKind == model.SourceGraph {
		if subject := graphSubject(f.Text); subject != "" && strings.Contains(topicLower, strings.ToLower(subject)) {
			w = weightGraphMatch
		}
	}
	return float64(f.Confidence) * w
}

func kindWeight(k model.SourceKind) float64 {
	switch k {
	case model.SourceProfile:
		return weightProfile
	case model.SourceTable:
		return weightTable
	case model.SourceGraph:
		return weightGraph
	default:
		return weightVector
	}
}

// graphSubject extracts the leading entity name from a graph fact rendered
// as "Name relation Target".
func graphSubject(text string) string {
	if i := strings.IndexByte(text, ' '); i > 0 {
		return text[:i]
	}
	return ""
}

// normalizeText lowercases and collapses whitespace and trailing punctuation
// so trivially different renderings of the same fact collide.
func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!?")
	return strings.Join(strings.Fields(s), " ")
}

// profileFacts flattens the latest profile document into one fact per leaf
// field, dotted-path keyed, all carrying the same provenance.
func profileFacts(p model.Profile) []model.Fact {
	facts := make([]model.Fact, 0, len(p.Doc))
	flattenProfile("", p.Doc, p.UpdatedAt, &facts)
	sort.Slice(facts, func(i, j int) bool { return facts[i].Text < facts[j].Text })
	return facts
}

func flattenProfile(prefix string, doc map[string]any, updatedAt time.Time, out *[]model.Fact) {
	for key, val := range doc {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := val.(type) {
		case map[string]any:
			flattenProfile(path, v, updatedAt, out)
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				if s := renderScalar(item); s != "" {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				*out = append(*out, profileFact(path, strings.Join(parts, ", "), updatedAt))
			}
		default:
			if s := renderScalar(v); s != "" {
				*out = append(*out, profileFact(path, s, updatedAt))
			}
		}
	}
}

func profileFact(path, value string, updatedAt time.Time) model.Fact {
	return model.Fact{
		SourceKind: model.SourceProfile,
		Text:       path + ": " + value,
		Confidence: 0.95,
		Provenance: "profile/" + path,
		CreatedAt:  updatedAt,
	}
}

func renderScalar(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return fmt.Sprint(v)
	}
}
