package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-answering — guides the agent through recalling stored context first.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-answering",
			mcplib.WithPromptDescription("Recall the user's stored context before answering"),
			mcplib.WithArgument("topic",
				mcplib.ArgumentDescription("What the conversation is about (e.g., dinner plans, job search, family)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeAnsweringPrompt,
	)

	// after-learning — reminds the agent to memorize something the user shared.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("after-learning",
			mcplib.WithPromptDescription("Store something the user just shared"),
			mcplib.WithArgument("fact",
				mcplib.ArgumentDescription("What the user shared, in one sentence"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAfterLearningPrompt,
	)

	// agent-setup — full system prompt snippet explaining the recall/memorize workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Epitome knowledge workflow (recall-before/memorize-after)"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleBeforeAnsweringPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	topic := request.Params.Arguments["topic"]
	if topic == "" {
		return nil, fmt.Errorf("topic argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Recall stored context about %s before answering", topic),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before answering anything about %q, follow these steps:

1. CALL epitome_recall with topic="%s" to see what is already known.

2. REVIEW the response:
   - Weigh facts by confidence and score; higher-ranked facts are better
     corroborated or more recent.
   - Check provenance: profile facts are self-reported, table facts are
     structured records, memory facts are things the user once said.
   - If warnings list skipped sources, some context may be missing —
     avoid stating the absence of a fact as certain.

3. ANSWER using what you recalled. Do not ask the user for information
   the store already holds.

4. If the user shares something new along the way, STORE it with
   epitome_memorize so the next conversation can start from it.`, topic, topic),
				},
			},
		},
	}, nil
}

func (s *Server) handleAfterLearningPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	fact := request.Params.Arguments["fact"]
	if fact == "" {
		return nil, fmt.Errorf("fact argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Store what the user just shared",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`The user just shared something worth remembering: %q

CALL epitome_memorize with:
- table + data when the fact has structure (a job, an address, a
  preference with fields). Use table="profile" for facts about who the
  user is; entities and relations are derived from the data automatically.
- text when it is prose: an anecdote, a plan, a passing remark.
- idempotency_key: any unique string for this write, so a retry cannot
  store it twice.

First call epitome_recall on the same subject if you have not already —
the store may hold an older version of this fact that yours supersedes.`, fact),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Epitome knowledge workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Epitome, the user's personal knowledge store. It holds
their profile, structured tables, free-text memories, and a knowledge graph
of the people, places, and organizations in their life. You only see what
the user has consented to share with you.

## The Pattern: Recall Before, Memorize After

### Before answering:
Call epitome_recall with a short topic phrase. The store fans out to every
source you are permitted to read and returns one ranked, deduplicated fact
list. Use it instead of asking the user things they already told an agent.

### After learning:
When the user shares something durable, call epitome_memorize. Structured
facts go into tables (and feed the knowledge graph); prose goes in as text
and becomes semantically searchable.

## Available Tools

- epitome_recall: fused retrieval across all permitted sources (use FIRST)
- epitome_memorize: idempotent write of structured data or free text
- epitome_review: list/release quarantined relations, resolve or discard records

## Budgets

- small: quick lookup, profile and top tables only
- medium: the default, includes graph neighbors
- deep: widest fan-out, walks the graph further

## Ground Rules

- Always pass idempotency_key on writes; retries must not double-store.
- Facts carry provenance refs. Quote them when the user asks where a
  fact came from, and hand them to epitome_review when a fact is wrong.
- A consent denial is an answer, not an error to work around.`,
				},
			},
		},
	}, nil
}
