package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/epitome-ai/epitome/internal/fusion"
	"github.com/epitome-ai/epitome/internal/model"
	"github.com/epitome-ai/epitome/internal/storage"
)

// RecallInput is one retrieval request.
type RecallInput struct {
	Topic  string
	Budget string
}

// Recall answers a topic from every permitted source within the budget.
func (s *Service) Recall(ctx context.Context, userID uuid.UUID, agentID string, in RecallInput) (model.RetrievalResult, error) {
	start := time.Now()

	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return model.RetrievalResult{}, model.NewToolError(model.ErrCodeInvalidArgs, "topic is required")
	}
	if len(topic) > model.MaxTopicLen {
		return model.RetrievalResult{}, model.NewToolError(model.ErrCodeInvalidArgs,
			fmt.Sprintf("topic exceeds maximum length of %d characters", model.MaxTopicLen))
	}
	budget, ok := model.ParseBudget(in.Budget)
	if !ok {
		return model.RetrievalResult{}, model.NewToolError(model.ErrCodeInvalidArgs,
			fmt.Sprintf("unknown budget %q (small, medium, deep)", in.Budget))
	}

	// Metadata loads are cheap and degrade independently: a failed load
	// removes that source class from selection and becomes a warning.
	var metaWarnings []string

	tables, err := s.db.ListTables(ctx, userID)
	if err != nil {
		s.logger.Warn("knowledge: list tables failed", "error", err)
		metaWarnings = append(metaWarnings, "table metadata unavailable")
	}
	collections, err := s.db.ListCollections(ctx, userID)
	if err != nil {
		s.logger.Warn("knowledge: list collections failed", "error", err)
		metaWarnings = append(metaWarnings, "collection metadata unavailable")
	}

	var profile *model.Profile
	switch p, err := s.db.GetLatestProfile(ctx, userID); {
	case err == nil:
		profile = &p
	case errors.Is(err, storage.ErrNotFound):
		// No profile yet; not a warning.
	default:
		s.logger.Warn("knowledge: load profile failed", "error", err)
		metaWarnings = append(metaWarnings, "profile unavailable")
	}

	result, err := s.engine.Retrieve(ctx, fusion.Request{
		UserID:       userID,
		AgentID:      agentID,
		Topic:        topic,
		Budget:       budget,
		Consent:      s.gate,
		Tables:       tables,
		Collections:  collections,
		Profile:      profile,
		MetaWarnings: metaWarnings,
	})
	if err != nil {
		return model.RetrievalResult{}, err
	}

	s.audit(ctx, model.AuditEntry{
		UserID: userID, AgentID: agentID, Action: "recall", Resource: "topic:" + topic,
		Details: map[string]any{"budget": string(budget), "facts": len(result.Facts)},
	})
	s.recallDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	s.factsReturned.Record(ctx, int64(len(result.Facts)))
	return result, nil
}

// TableFacts implements fusion.Provider over unresolved table records.
func (s *Service) TableFacts(ctx context.Context, userID uuid.UUID, table, topic string, limit int) ([]model.Fact, error) {
	records, err := s.db.QueryTableRecords(ctx, userID, table, limit)
	if err != nil {
		return nil, err
	}
	facts := make([]model.Fact, 0, len(records))
	for _, rec := range records {
		facts = append(facts, model.Fact{
			SourceKind: model.SourceTable,
			Text:       table + ": " + renderRecord(rec.Data),
			Confidence: 0.8,
			Provenance: rec.SourceRef(),
			CreatedAt:  rec.CreatedAt,
		})
	}
	return facts, nil
}

// VectorFacts implements fusion.Provider over the vector index. The raw
// similarity score doubles as the confidence; hits under the budget's floor
// were already dropped by the index.
func (s *Service) VectorFacts(ctx context.Context, userID uuid.UUID, collection, topic string, limit int, confidenceFloor float32) ([]model.Fact, error) {
	queryVec, err := s.embedder.Embed(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("embed topic: %w", err)
	}

	results, err := s.searcher.Search(ctx, userID, collection, queryVec.Slice(), limit, confidenceFloor)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.MemoryID
	}
	memories, err := s.db.GetMemories(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	facts := make([]model.Fact, 0, len(results))
	for _, r := range results {
		mem, ok := memories[r.MemoryID]
		if !ok {
			// Deleted between index search and hydration.
			continue
		}
		facts = append(facts, model.Fact{
			SourceKind: model.SourceVector,
			Text:       mem.Text,
			Confidence: r.Score,
			Provenance: mem.SourceRef(),
			CreatedAt:  mem.CreatedAt,
		})
	}
	return facts, nil
}

// GraphFacts implements fusion.Provider by walking the knowledge graph
// outward from entities matching the topic. Confidence decays 10% per hop so
// distant edges rank below direct ones.
func (s *Service) GraphFacts(ctx context.Context, userID uuid.UUID, topic string, maxHops, limit int) ([]model.Fact, error) {
	edges, err := s.db.TraverseGraph(ctx, userID, topic, maxHops, limit)
	if err != nil {
		return nil, err
	}
	facts := make([]model.Fact, 0, len(edges))
	for _, e := range edges {
		decay := 1.0 - 0.1*float64(e.Depth-1)
		if decay < 0.5 {
			decay = 0.5
		}
		facts = append(facts, model.Fact{
			SourceKind: model.SourceGraph,
			Text:       renderEdge(e),
			Confidence: e.Confidence * float32(decay),
			Provenance: "graph/" + e.EdgeID.String(),
		})
	}
	return facts, nil
}

// renderRecord flattens a structured record into "key: value" pairs with
// stable key order, so identical records render to identical fact text.
func renderRecord(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+renderValue(data[k]))
	}
	return strings.Join(parts, "; ")
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any:
		return renderRecord(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, renderValue(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(val)
	}
}

// renderEdge turns a traversed edge into "Source relation Target" prose, with
// edge properties appended when present.
func renderEdge(e storage.GraphFact) string {
	text := e.SourceName + " " + e.Relation + " " + e.TargetName
	if len(e.Properties) > 0 {
		text += " (" + renderRecord(e.Properties) + ")"
	}
	return text
}
