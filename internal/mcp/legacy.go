package mcp

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/epitome-ai/epitome/internal/service/knowledge"
	"github.com/epitome-ai/epitome/internal/storage"
)

// registerLegacyTools exposes the pre-fusion single-source tools. They are
// off by default; deployments that still have callers scripted against the
// old surface enable them with EPITOME_LEGACY_TOOLS. Every one still passes
// the consent gate.
func (s *Server) registerLegacyTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("query_table",
			mcplib.WithDescription("Query one structured table directly. Prefer epitome_recall, which searches all permitted sources at once."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("table",
				mcplib.Description("Table name (lowercase identifier)"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum records to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(25),
			),
		),
		s.handleQueryTable,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("add_record",
			mcplib.WithDescription("Insert one structured record into a table. Prefer epitome_memorize, which also extracts entities into the graph."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("table",
				mcplib.Description("Table name (lowercase identifier)"),
				mcplib.Required(),
			),
			mcplib.WithObject("data",
				mcplib.Description("Record fields"),
				mcplib.Required(),
			),
			mcplib.WithString("idempotency_key",
				mcplib.Description("Unique key for this write; reuse it on retries"),
			),
		),
		s.handleAddRecord,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("query_graph",
			mcplib.WithDescription("Traverse the knowledge graph around a topic. Prefer epitome_recall with budget=deep."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("topic",
				mcplib.Description("Entity name or phrase to traverse from"),
				mcplib.Required(),
			),
			mcplib.WithNumber("max_hops",
				mcplib.Description("Traversal depth"),
				mcplib.Min(1),
				mcplib.Max(3),
				mcplib.DefaultNumber(2),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum facts to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(25),
			),
		),
		s.handleQueryGraph,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("search_vectors",
			mcplib.WithDescription("Similarity-search one memory collection. Prefer epitome_recall, which fuses semantic results with the other sources."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("What to search for"),
				mcplib.Required(),
			),
			mcplib.WithString("collection",
				mcplib.Description("Collection to search (default: memories)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum facts to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleSearchVectors,
	)
}

func (s *Server) handleQueryTable(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, agentID, te := s.identity(ctx)
	if te != nil {
		return failureResult(te), nil
	}
	if te := s.allow(ctx, userID, agentID); te != nil {
		return failureResult(te), nil
	}

	ctx = auditCtx(ctx, userID, agentID, "query_table")
	records, err := s.svc.QueryTable(ctx, userID, agentID,
		request.GetString("table", ""), request.GetInt("limit", 25))
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{
		"records": compactRecords(records),
		"total":   len(records),
	}, nil), nil
}

func (s *Server) handleAddRecord(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, agentID, te := s.identity(ctx)
	if te != nil {
		return failureResult(te), nil
	}
	if te := s.allow(ctx, userID, agentID); te != nil {
		return failureResult(te), nil
	}

	args := request.GetArguments()
	data, _ := args["data"].(map[string]any)

	ctx = auditCtx(ctx, userID, agentID, "add_record")
	result, err := s.svc.Memorize(ctx, userID, agentID, knowledge.MemorizeInput{
		Table:          request.GetString("table", ""),
		Data:           data,
		IdempotencyKey: request.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result, nil), nil
}

func (s *Server) handleQueryGraph(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, agentID, te := s.identity(ctx)
	if te != nil {
		return failureResult(te), nil
	}
	if te := s.allow(ctx, userID, agentID); te != nil {
		return failureResult(te), nil
	}

	ctx = auditCtx(ctx, userID, agentID, "query_graph")
	facts, err := s.svc.QueryGraph(ctx, userID, agentID,
		request.GetString("topic", ""), request.GetInt("max_hops", 2), request.GetInt("limit", 25))
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{
		"facts": compactFacts(facts),
		"total": len(facts),
	}, nil), nil
}

func (s *Server) handleSearchVectors(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, agentID, te := s.identity(ctx)
	if te != nil {
		return failureResult(te), nil
	}
	if te := s.allow(ctx, userID, agentID); te != nil {
		return failureResult(te), nil
	}

	ctx = auditCtx(ctx, userID, agentID, "search_vectors")
	facts, err := s.svc.SearchVectors(ctx, userID, agentID,
		request.GetString("collection", ""), request.GetString("query", ""),
		request.GetInt("limit", 10))
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{
		"facts": compactFacts(facts),
		"total": len(facts),
	}, nil), nil
}

func compactRecords(records []storage.TableRecord) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		m := map[string]any{
			"record_id":  r.ID,
			"table":      r.TableName,
			"data":       r.Data,
			"created_at": r.CreatedAt,
			"provenance": r.SourceRef(),
		}
		if r.SupersededBy != nil {
			m["superseded_by"] = r.SupersededBy
		}
		out = append(out, m)
	}
	return out
}
