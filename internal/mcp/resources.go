package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/epitome-ai/epitome/internal/service/knowledge"
)

func (s *Server) registerResources() {
	// epitome://profile — the user's latest profile document.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"epitome://profile",
			"User Profile",
			mcplib.WithResourceDescription("The user's latest profile document"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleProfileResource,
	)

	// epitome://sources — what sources exist and how much they hold.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"epitome://sources",
			"Knowledge Sources",
			mcplib.WithResourceDescription("Tables and vector collections in the knowledge store, with record counts"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSourcesResource,
	)

	// epitome://quarantine — edges awaiting review.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"epitome://quarantine",
			"Quarantined Relations",
			mcplib.WithResourceDescription("Graph relations held back by validation, awaiting review"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleQuarantineResource,
	)
}

func (s *Server) handleProfileResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, agentID, te := s.identity(ctx)
	if te != nil {
		return nil, fmt.Errorf("mcp: profile resource: %s", te.Message)
	}

	profile, err := s.svc.GetProfile(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("mcp: profile resource: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"profile":    profile.Doc,
		"updated_at": profile.UpdatedAt,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal profile: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "epitome://profile",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSourcesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, _, te := s.identity(ctx)
	if te != nil {
		return nil, fmt.Errorf("mcp: sources resource: %s", te.Message)
	}

	tables, collections, err := s.svc.Sources(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mcp: sources resource: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"tables":      tables,
		"collections": collections,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal sources: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "epitome://sources",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleQuarantineResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, agentID, te := s.identity(ctx)
	if te != nil {
		return nil, fmt.Errorf("mcp: quarantine resource: %s", te.Message)
	}

	result, err := s.svc.Review(ctx, userID, agentID, knowledge.ReviewInput{Action: "list", Limit: 50})
	if err != nil {
		return nil, fmt.Errorf("mcp: quarantine resource: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"edges": compactEdges(result.Edges),
		"total": len(result.Edges),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal quarantine: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "epitome://quarantine",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
