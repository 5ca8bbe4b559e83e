package model

// RetrievalBudget bounds how much work a single recall may do.
type RetrievalBudget string

const (
	BudgetSmall  RetrievalBudget = "small"
	BudgetMedium RetrievalBudget = "medium"
	BudgetDeep   RetrievalBudget = "deep"
)

// BudgetCaps are the concrete limits a budget resolves to.
type BudgetCaps struct {
	MaxTables             int
	MaxCollections        int
	GraphHops             int
	MaxFacts              int
	VectorConfidenceFloor float32
}

var budgetCaps = map[RetrievalBudget]BudgetCaps{
	BudgetSmall:  {MaxTables: 2, MaxCollections: 2, GraphHops: 0, MaxFacts: 10, VectorConfidenceFloor: 0.5},
	BudgetMedium: {MaxTables: 5, MaxCollections: 5, GraphHops: 2, MaxFacts: 25, VectorConfidenceFloor: 0.5},
	BudgetDeep:   {MaxTables: 10, MaxCollections: 10, GraphHops: 3, MaxFacts: 50, VectorConfidenceFloor: 0.25},
}

// ParseBudget maps a caller-supplied budget string to a known budget.
// Empty defaults to medium; anything unrecognized is rejected by ok=false.
func ParseBudget(s string) (RetrievalBudget, bool) {
	switch RetrievalBudget(s) {
	case "":
		return BudgetMedium, true
	case BudgetSmall, BudgetMedium, BudgetDeep:
		return RetrievalBudget(s), true
	default:
		return "", false
	}
}

// Caps resolves the budget's limits; an unknown value gets medium's caps so
// internal callers can never zero out retrieval by mistake.
func (b RetrievalBudget) Caps() BudgetCaps {
	if caps, ok := budgetCaps[b]; ok {
		return caps
	}
	return budgetCaps[BudgetMedium]
}
