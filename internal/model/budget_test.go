package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBudget(t *testing.T) {
	tests := []struct {
		in   string
		want RetrievalBudget
		ok   bool
	}{
		{"small", BudgetSmall, true},
		{"medium", BudgetMedium, true},
		{"deep", BudgetDeep, true},
		{"", BudgetMedium, true},
		{"huge", "", false},
		{"Small", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseBudget(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestBudgetCaps(t *testing.T) {
	small := BudgetSmall.Caps()
	assert.Equal(t, 0, small.GraphHops)
	assert.Equal(t, 10, small.MaxFacts)

	medium := BudgetMedium.Caps()
	assert.Equal(t, 2, medium.GraphHops)
	assert.Equal(t, 25, medium.MaxFacts)

	deep := BudgetDeep.Caps()
	assert.Equal(t, 3, deep.GraphHops)
	assert.Equal(t, 50, deep.MaxFacts)
	assert.Less(t, deep.VectorConfidenceFloor, medium.VectorConfidenceFloor,
		"deep dips further into low-confidence vector hits")

	assert.Equal(t, medium, RetrievalBudget("bogus").Caps(), "unknown budgets fall back to medium")
}
