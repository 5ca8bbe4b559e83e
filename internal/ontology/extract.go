package ontology

import (
	"fmt"
	"strings"

	"github.com/epitome-ai/epitome/internal/model"
)

// Extraction is one entity derived from a record, optionally with a proposed
// edge back to the record's implicit subject (the profile owner).
type Extraction struct {
	Type       string
	Name       string
	Properties map[string]any
	Confidence float32

	// Edge, when non-nil, proposes a relation from the subject to this
	// entity. Its SourceRef links nested person entities back to where in
	// the record they were found (e.g. "family/sister").
	Edge *model.ProposedEdge
}

// fieldRule maps a recognized field-name group to the entity type and
// relation it emits.
type fieldRule struct {
	entityType string
	relation   string
}

var fieldRules = map[string]fieldRule{
	"work":       {TypeOrganization, "works_at"},
	"career":     {TypeOrganization, "works_at"},
	"job":        {TypeOrganization, "works_at"},
	"employer":   {TypeOrganization, "works_at"},
	"education":  {TypeOrganization, "attended"},
	"school":     {TypeOrganization, "attended"},
	"university": {TypeOrganization, "attended"},
	"interests":  {TypeActivity, "interested_in"},
	"hobbies":    {TypeActivity, "interested_in"},
	"skills":     {TypeTopic, "has_skill"},
	"expertise":  {TypeTopic, "has_skill"},
}

// familyFields name nested person sub-objects.
var familyFields = map[string]bool{
	"family":   true,
	"spouse":   true,
	"partner":  true,
	"children": true,
	"parents":  true,
	"mother":   true,
	"father":   true,
	"sibling":  true,
	"siblings": true,
}

// tableKeywords drives generic fallback inference when the table name is
// unrecognized: a keyword in the name picks the entity type and relation for
// the record's name/title field.
var tableKeywords = []struct {
	keyword    string
	entityType string
	relation   string
}{
	{"book", TypeTopic, "interested_in"},
	{"reading", TypeTopic, "interested_in"},
	{"recipe", TypeFood, "likes"},
	{"food", TypeFood, "likes"},
	{"restaurant", TypeLocation, "likes"},
	{"travel", TypeLocation, "lives_in"},
	{"place", TypeLocation, "lives_in"},
	{"contact", TypePerson, "family_member"},
	{"course", TypeTopic, "has_skill"},
}

// ExtractEntities derives graph entities from a structured record using
// purely rule-based pattern matching on field names and values — no learned
// model. Recognized field groups each emit one entity per value; nested
// family sub-objects become person entities carrying a SourceRef back to the
// named person; unrecognized tables fall back to keyword inference on the
// table name.
func ExtractEntities(tableName string, data map[string]any) []Extraction {
	var out []Extraction

	matched := false
	for field, value := range data {
		key := strings.ToLower(field)

		if rule, ok := fieldRules[key]; ok {
			matched = true
			out = append(out, extractForRule(rule, value)...)
			continue
		}
		if familyFields[key] {
			matched = true
			out = append(out, extractFamily(key, value)...)
		}
	}

	if !matched {
		out = append(out, extractByTableKeyword(tableName, data)...)
	}
	return out
}

// extractForRule emits one entity per value under a recognized field.
func extractForRule(rule fieldRule, value any) []Extraction {
	var out []Extraction
	for _, v := range flattenValues(value) {
		switch val := v.(type) {
		case string:
			if val == "" {
				continue
			}
			out = append(out, Extraction{
				Type:       rule.entityType,
				Name:       val,
				Confidence: 0.8,
				Edge:       &model.ProposedEdge{Relation: rule.relation},
			})
		case map[string]any:
			name := firstString(val, "company", "employer", "organization", "school", "name", "title")
			if name == "" {
				continue
			}
			props := map[string]any{}
			edgeProps := map[string]any{}
			if role := firstString(val, "role", "title", "position"); role != "" {
				edgeProps["role"] = role
			}
			if rule.relation == "works_at" {
				// Employment is assumed current unless the record says otherwise.
				current := true
				if c, ok := val["current"].(bool); ok {
					current = c
				} else if c, ok := val["is_current"].(bool); ok {
					current = c
				}
				edgeProps["is_current"] = current
			}
			for k, pv := range val {
				switch strings.ToLower(k) {
				case "company", "employer", "organization", "school", "name", "title", "role", "position", "current", "is_current":
				default:
					props[k] = pv
				}
			}
			if len(props) == 0 {
				props = nil
			}
			out = append(out, Extraction{
				Type:       rule.entityType,
				Name:       name,
				Properties: props,
				Confidence: 0.9,
				Edge:       &model.ProposedEdge{Relation: rule.relation, Properties: edgeProps},
			})
		}
	}
	return out
}

// extractFamily turns nested family/person sub-objects into person entities
// linked back to the subject via family_member, with a SourceRef naming where
// in the record they were found.
func extractFamily(field string, value any) []Extraction {
	var out []Extraction
	for _, v := range flattenValues(value) {
		switch val := v.(type) {
		case string:
			if val == "" {
				continue
			}
			out = append(out, Extraction{
				Type:       TypePerson,
				Name:       val,
				Confidence: 0.7,
				Edge:       &model.ProposedEdge{Relation: "family_member", SourceRef: field},
			})
		case map[string]any:
			name := firstString(val, "name")
			if name == "" {
				continue
			}
			props := map[string]any{}
			edgeProps := map[string]any{}
			if rel := firstString(val, "relation", "relationship"); rel != "" {
				edgeProps["relationship"] = rel
			}
			for k, pv := range val {
				switch strings.ToLower(k) {
				case "name", "relation", "relationship":
				default:
					props[k] = pv
				}
			}
			if len(props) == 0 {
				props = nil
			}
			out = append(out, Extraction{
				Type:       TypePerson,
				Name:       name,
				Properties: props,
				Confidence: 0.8,
				Edge: &model.ProposedEdge{
					Relation:   "family_member",
					Properties: edgeProps,
					SourceRef:  fmt.Sprintf("%s/%s", field, strings.ToLower(name)),
				},
			})
		}
	}
	return out
}

func extractByTableKeyword(tableName string, data map[string]any) []Extraction {
	name := firstString(data, "name", "title", "label")
	if name == "" {
		return nil
	}
	lower := strings.ToLower(tableName)
	for _, kw := range tableKeywords {
		if strings.Contains(lower, kw.keyword) {
			return []Extraction{{
				Type:       kw.entityType,
				Name:       name,
				Confidence: 0.5,
				Edge:       &model.ProposedEdge{Relation: kw.relation},
			}}
		}
	}
	return nil
}

// flattenValues yields the scalar-or-object values under a field, unwrapping
// one level of array nesting. Array order is preserved.
func flattenValues(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case nil:
		return nil
	default:
		return []any{val}
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
