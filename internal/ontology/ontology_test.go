package ontology

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRelation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"canonical passes through", "works_at", "works_at"},
		{"alias resolves", "employed_by", "works_at"},
		{"family alias", "child_of", "family_member"},
		{"case and whitespace", "  CHILD_OF  ", "family_member"},
		{"mixed case canonical", "Likes", "likes"},
		{"unknown passes through lowered", "  Mentored_By ", "mentored_by"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRelation(tt.raw))
		})
	}
}

func TestValidateEdge(t *testing.T) {
	t.Run("matching endpoints pass clean", func(t *testing.T) {
		v := ValidateEdge(TypePerson, TypeOrganization, "works_at")
		assert.True(t, v.Valid)
		assert.False(t, v.Quarantine)
		assert.Empty(t, v.Reason)
	})

	t.Run("alias normalized before lookup", func(t *testing.T) {
		v := ValidateEdge(TypePerson, TypePerson, "spouse_of")
		assert.True(t, v.Valid)
		assert.False(t, v.Quarantine)
	})

	t.Run("unexpected source type quarantines", func(t *testing.T) {
		v := ValidateEdge(TypeOrganization, TypeFood, "likes")
		assert.True(t, v.Valid, "odd edges are kept, never rejected")
		assert.True(t, v.Quarantine)
		assert.Contains(t, v.Reason, "unexpected source type")
	})

	t.Run("unexpected target type quarantines", func(t *testing.T) {
		v := ValidateEdge(TypePerson, TypeLocation, "works_at")
		assert.True(t, v.Valid)
		assert.True(t, v.Quarantine)
		assert.Contains(t, v.Reason, "unexpected target type")
	})

	t.Run("unknown relation quarantines", func(t *testing.T) {
		v := ValidateEdge(TypePerson, TypePerson, "mentored_by")
		assert.True(t, v.Valid)
		assert.True(t, v.Quarantine)
		assert.Contains(t, v.Reason, "unknown relation")
	})

	t.Run("multi-target relation accepts any listed type", func(t *testing.T) {
		for _, target := range []string{TypeFood, TypeActivity, TypeTopic} {
			v := ValidateEdge(TypePerson, target, "likes")
			assert.False(t, v.Quarantine, "target %s", target)
		}
	})
}

func TestKnownRelation(t *testing.T) {
	assert.True(t, KnownRelation("works_at"))
	assert.True(t, KnownRelation("employed_by"), "aliases count as known")
	assert.True(t, KnownRelation(" LIKES "))
	assert.False(t, KnownRelation("mentored_by"))
	assert.False(t, KnownRelation(""))
}
