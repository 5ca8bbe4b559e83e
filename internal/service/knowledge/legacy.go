package knowledge

import (
	"context"

	"github.com/google/uuid"

	"github.com/epitome-ai/epitome/internal/consent"
	"github.com/epitome-ai/epitome/internal/model"
	"github.com/epitome-ai/epitome/internal/storage"
)

// Direct single-source operations kept for callers that predate fused
// retrieval. Each one still passes the consent gate; only the fusion layer
// is bypassed.

// QueryTable returns unresolved records from one table, newest first.
func (s *Service) QueryTable(ctx context.Context, userID uuid.UUID, agentID, table string, limit int) ([]storage.TableRecord, error) {
	if err := model.ValidateTableName(table); err != nil {
		return nil, model.NewToolError(model.ErrCodeInvalidArgs, err.Error())
	}
	if err := s.gate.Require(ctx, userID, agentID, "tables/"+table, consent.PermissionRead); err != nil {
		return nil, err
	}

	records, err := s.db.QueryTableRecords(ctx, userID, table, limit)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, model.AuditEntry{
		UserID: userID, AgentID: agentID, Action: "query_table", Resource: "tables/" + table,
		Details: map[string]any{"records": len(records)},
	})
	return records, nil
}

// QueryGraph traverses the knowledge graph around a topic without fusion.
func (s *Service) QueryGraph(ctx context.Context, userID uuid.UUID, agentID, topic string, maxHops, limit int) ([]model.Fact, error) {
	if err := s.gate.Require(ctx, userID, agentID, "graph", consent.PermissionRead); err != nil {
		return nil, err
	}
	facts, err := s.GraphFacts(ctx, userID, topic, maxHops, limit)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, model.AuditEntry{
		UserID: userID, AgentID: agentID, Action: "query_graph", Resource: "graph",
		Details: map[string]any{"topic": topic, "facts": len(facts)},
	})
	return facts, nil
}

// SearchVectors runs a similarity search over one collection without fusion.
func (s *Service) SearchVectors(ctx context.Context, userID uuid.UUID, agentID, collection, query string, limit int) ([]model.Fact, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if err := s.gate.Require(ctx, userID, agentID, "vectors/"+collection, consent.PermissionRead); err != nil {
		return nil, err
	}
	facts, err := s.VectorFacts(ctx, userID, collection, query, limit, 0)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, model.AuditEntry{
		UserID: userID, AgentID: agentID, Action: "search_vectors", Resource: "vectors/" + collection,
		Details: map[string]any{"facts": len(facts)},
	})
	return facts, nil
}

// GetProfile returns the latest profile document.
func (s *Service) GetProfile(ctx context.Context, userID uuid.UUID, agentID string) (model.Profile, error) {
	if err := s.gate.Require(ctx, userID, agentID, "profile", consent.PermissionRead); err != nil {
		return model.Profile{}, err
	}
	return s.db.GetLatestProfile(ctx, userID)
}
