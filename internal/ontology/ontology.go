// Package ontology keeps the knowledge graph internally consistent.
//
// It provides rule-based entity extraction from structured records, relation
// normalization over a fixed alias table, and edge validation against a
// static relation matrix. The matrix and alias table are immutable lookup
// tables built at package init — never mutated at runtime.
package ontology

import "strings"

// Entity types recognized by the relation matrix.
const (
	TypePerson       = "person"
	TypeOrganization = "organization"
	TypeActivity     = "activity"
	TypeTopic        = "topic"
	TypeFood         = "food"
	TypeLocation     = "location"
)

// RelationRule names the endpoint types a relation expects.
type RelationRule struct {
	SourceTypes []string
	TargetTypes []string
}

// relationMatrix maps each canonical relation to its expected endpoint types.
var relationMatrix = map[string]RelationRule{
	"works_at":      {SourceTypes: []string{TypePerson}, TargetTypes: []string{TypeOrganization}},
	"attended":      {SourceTypes: []string{TypePerson}, TargetTypes: []string{TypeOrganization}},
	"interested_in": {SourceTypes: []string{TypePerson}, TargetTypes: []string{TypeActivity, TypeTopic}},
	"has_skill":     {SourceTypes: []string{TypePerson}, TargetTypes: []string{TypeTopic}},
	"family_member": {SourceTypes: []string{TypePerson}, TargetTypes: []string{TypePerson}},
	"likes":         {SourceTypes: []string{TypePerson}, TargetTypes: []string{TypeFood, TypeActivity, TypeTopic}},
	"lives_in":      {SourceTypes: []string{TypePerson}, TargetTypes: []string{TypeLocation}},
	"member_of":     {SourceTypes: []string{TypePerson}, TargetTypes: []string{TypeOrganization}},
}

// relationAliases maps legacy relation names to canonical ones.
var relationAliases = map[string]string{
	"child_of":    "family_member",
	"parent_of":   "family_member",
	"spouse_of":   "family_member",
	"sibling_of":  "family_member",
	"married_to":  "family_member",
	"read_by":     "interested_in",
	"hobby_of":    "interested_in",
	"enjoys":      "likes",
	"employed_by": "works_at",
	"employee_of": "works_at",
	"studied_at":  "attended",
	"educated_at": "attended",
	"skilled_in":  "has_skill",
	"knows_about": "has_skill",
	"resides_in":  "lives_in",
	"located_in":  "lives_in",
	"belongs_to":  "member_of",
}

// NormalizeRelation trims and lower-cases raw, resolves legacy aliases to
// canonical relation names, and passes unknown relations through unchanged.
func NormalizeRelation(raw string) string {
	rel := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := relationAliases[rel]; ok {
		return canonical
	}
	return rel
}

// Validation is the outcome of checking an edge against the relation matrix.
// Valid is true for every well-formed edge; Quarantine flags edges whose
// relation is unknown or whose endpoint types don't match expectations.
type Validation struct {
	Valid      bool
	Quarantine bool
	Reason     string
}

// ValidateEdge checks (sourceType, relation, targetType) against the relation
// matrix. Edges are never hard-rejected here: origin data is agent-supplied
// and may be legitimately unconventional, so unexpected pairings and unknown
// relations are accepted but quarantined for review.
func ValidateEdge(sourceType, targetType, relation string) Validation {
	rel := NormalizeRelation(relation)

	rule, known := relationMatrix[rel]
	if !known {
		return Validation{Valid: true, Quarantine: true, Reason: "unknown relation " + rel}
	}
	if !containsType(rule.SourceTypes, sourceType) {
		return Validation{Valid: true, Quarantine: true, Reason: "unexpected source type " + sourceType + " for " + rel}
	}
	if !containsType(rule.TargetTypes, targetType) {
		return Validation{Valid: true, Quarantine: true, Reason: "unexpected target type " + targetType + " for " + rel}
	}
	return Validation{Valid: true}
}

// KnownRelation reports whether rel (after normalization) is in the matrix.
func KnownRelation(rel string) bool {
	_, ok := relationMatrix[NormalizeRelation(rel)]
	return ok
}

func containsType(types []string, t string) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
