package mcp

import (
	"context"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/epitome-ai/epitome/internal/model"
	"github.com/epitome-ai/epitome/internal/service/knowledge"
)

func (s *Server) registerTools() {
	// epitome_recall — fused retrieval across every permitted source.
	s.mcpServer.AddTool(
		mcplib.NewTool("epitome_recall",
			mcplib.WithDescription(`Recall what is known about a topic from the user's knowledge store.

WHEN TO USE: BEFORE answering anything that might depend on the user's
stored context — preferences, history, people, places, ongoing work.
Call this FIRST with a short topic phrase; the store fans out to the
profile, structured tables, semantic memories, and the knowledge graph,
then returns one deduplicated, ranked fact list.

WHAT YOU GET BACK:
- facts: ranked facts, each with source_kind, confidence, and a provenance
  ref you can hand to epitome_review
- warnings: sources that were skipped (consent) or failed (degraded)

BUDGETS: "small" for a quick lookup, "medium" (default) for normal use,
"deep" to also walk the knowledge graph further.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("topic",
				mcplib.Description("What to recall, as a short phrase: 'dietary preferences', 'sister', 'current job'"),
				mcplib.Required(),
			),
			mcplib.WithString("budget",
				mcplib.Description("Retrieval budget: small, medium, or deep"),
				mcplib.Enum("small", "medium", "deep"),
			),
		),
		s.handleRecall,
	)

	// epitome_memorize — idempotent write with entity extraction.
	s.mcpServer.AddTool(
		mcplib.NewTool("epitome_memorize",
			mcplib.WithDescription(`Store something the user told you into their knowledge store.

IMPORTANT: Call epitome_recall FIRST to see what is already known.
Memorizing without recalling risks storing duplicates or contradicting
existing facts.

TWO SHAPES:
- Structured: set table + data for anything with fields ("work",
  "preferences", table "profile" merges into the profile document).
  Entities and relations are derived automatically; implausible
  relations are stored quarantined for later review, never dropped.
- Free text: set text for prose worth remembering. It is committed
  immediately and indexed for semantic recall in the background.

ALWAYS pass idempotency_key (any unique string per logical write) so a
network retry cannot double-store. Retrying with the same key and the
same arguments replays the original result.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("table",
				mcplib.Description("Target table for structured data (lowercase identifier, or 'profile')"),
			),
			mcplib.WithObject("data",
				mcplib.Description("Structured fields to store, e.g. {\"work\": {\"company\": \"Acme\", \"role\": \"Engineer\"}}"),
			),
			mcplib.WithString("text",
				mcplib.Description("Free text to remember (mutually exclusive with data)"),
			),
			mcplib.WithString("collection",
				mcplib.Description("Vector collection for semantic indexing (default: memories)"),
			),
			mcplib.WithString("idempotency_key",
				mcplib.Description("Unique key for this logical write; reuse it on retries"),
			),
		),
		s.handleMemorize,
	)

	// epitome_review — inspect and settle what writes produced.
	s.mcpServer.AddTool(
		mcplib.NewTool("epitome_review",
			mcplib.WithDescription(`Review what earlier writes produced and settle it.

ACTIONS:
- list: show graph edges held in quarantine (implausible relations that
  retrieval ignores until released)
- release: clear one edge's quarantine after confirming it with the user
  (requires edge_id)
- resolve: mark a table record as handled, optionally superseded by a
  newer record (requires record_id)
- discard: delete a table record that turned out to be wrong
  (requires record_id)

Use the provenance refs from epitome_recall to find record IDs.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("action",
				mcplib.Description("One of: list, release, resolve, discard"),
				mcplib.Required(),
				mcplib.Enum("list", "release", "resolve", "discard"),
			),
			mcplib.WithString("edge_id",
				mcplib.Description("Quarantined edge UUID (for release)"),
			),
			mcplib.WithString("record_id",
				mcplib.Description("Table record UUID (for resolve and discard)"),
			),
			mcplib.WithString("superseded_by",
				mcplib.Description("UUID of the record that replaces this one (optional, for resolve)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum quarantined edges to list"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(50),
			),
			mcplib.WithString("idempotency_key",
				mcplib.Description("Unique key for mutating actions; reuse it on retries"),
			),
		),
		s.handleReview,
	)
}

func (s *Server) handleRecall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, agentID, te := s.identity(ctx)
	if te != nil {
		return failureResult(te), nil
	}
	if te := s.allow(ctx, userID, agentID); te != nil {
		return failureResult(te), nil
	}

	ctx = auditCtx(ctx, userID, agentID, "epitome_recall")
	start := time.Now()
	result, err := s.svc.Recall(ctx, userID, agentID, knowledge.RecallInput{
		Topic:  request.GetString("topic", ""),
		Budget: request.GetString("budget", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}

	s.recallTracker.Record(agentID)

	return successResult(map[string]any{
		"facts":   compactFacts(result.Facts),
		"total":   len(result.Facts),
		"summary": summarizeRecall(result.Facts, result.Warnings),
	}, &model.ToolMeta{
		Warnings: result.Warnings,
		Budget:   request.GetString("budget", string(model.BudgetMedium)),
		Elapsed:  time.Since(start).String(),
	}), nil
}

func (s *Server) handleMemorize(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, agentID, te := s.identity(ctx)
	if te != nil {
		return failureResult(te), nil
	}
	if te := s.allow(ctx, userID, agentID); te != nil {
		return failureResult(te), nil
	}

	args := request.GetArguments()
	data, _ := args["data"].(map[string]any)

	ctx = auditCtx(ctx, userID, agentID, "epitome_memorize")
	result, err := s.svc.Memorize(ctx, userID, agentID, knowledge.MemorizeInput{
		Table:          request.GetString("table", ""),
		Data:           data,
		Text:           request.GetString("text", ""),
		Collection:     request.GetString("collection", ""),
		IdempotencyKey: request.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}

	var warnings []string
	// Advisory nudge when the caller memorizes without a recent recall. The
	// write still succeeds — this is guidance, not a gate.
	if !s.recallTracker.WasRecalled(agentID) {
		warnings = append(warnings,
			"no epitome_recall preceded this write; recalling first avoids duplicates and contradictions")
	}

	return successResult(result, &model.ToolMeta{Warnings: warnings}), nil
}

func (s *Server) handleReview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, agentID, te := s.identity(ctx)
	if te != nil {
		return failureResult(te), nil
	}
	if te := s.allow(ctx, userID, agentID); te != nil {
		return failureResult(te), nil
	}

	ctx = auditCtx(ctx, userID, agentID, "epitome_review")
	result, err := s.svc.Review(ctx, userID, agentID, knowledge.ReviewInput{
		Action:         request.GetString("action", ""),
		EdgeID:         request.GetString("edge_id", ""),
		RecordID:       request.GetString("record_id", ""),
		SupersededBy:   request.GetString("superseded_by", ""),
		Limit:          request.GetInt("limit", 50),
		IdempotencyKey: request.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}

	if result.Action == "list" {
		return successResult(map[string]any{
			"edges": compactEdges(result.Edges),
			"total": len(result.Edges),
		}, nil), nil
	}
	return successResult(result, nil), nil
}
