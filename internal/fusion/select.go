package fusion

import (
	"sort"
	"strings"
	"unicode"

	"github.com/epitome-ai/epitome/internal/model"
)

// selectByTopic keeps the sources whose name or description lexically
// overlaps the topic, most populated first, capped at limit. With no overlap
// at all it falls back to the most populated sources so a vague topic still
// reaches fresh data.
func selectByTopic(sources []model.SourceMetadata, topic string, limit int) []model.SourceMetadata {
	if limit <= 0 || len(sources) == 0 {
		return nil
	}

	topicTokens := tokenize(topic)

	matched := make([]model.SourceMetadata, 0, len(sources))
	for _, s := range sources {
		if overlaps(topicTokens, tokenize(s.Name+" "+s.Description)) {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		matched = append(matched, sources...)
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Count > matched[j].Count })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// overlaps reports whether any topic token and source token share a prefix
// relationship ("preference" matches "preferences", "work" matches
// "work_history"). Tokens shorter than three runes are ignored to keep
// stopwords from matching everything.
func overlaps(topicTokens, sourceTokens []string) bool {
	for _, t := range topicTokens {
		if len(t) < 3 {
			continue
		}
		for _, s := range sourceTokens {
			if len(s) < 3 {
				continue
			}
			if strings.HasPrefix(s, t) || strings.HasPrefix(t, s) {
				return true
			}
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
