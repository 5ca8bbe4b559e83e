// Package mcp implements the Model Context Protocol surface of Epitome.
//
// Agents interact with the knowledge store through three tools — recall,
// memorize, review — plus optional legacy single-source tools. Every tool
// returns the same JSON envelope: {"success": true, "data": ...} or
// {"success": false, "code": ..., "retryable": ...}.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/epitome-ai/epitome/internal/ctxutil"
	"github.com/epitome-ai/epitome/internal/model"
	"github.com/epitome-ai/epitome/internal/ratelimit"
	"github.com/epitome-ai/epitome/internal/service/knowledge"
)

// Server wraps the MCP server with the knowledge service.
type Server struct {
	mcpServer     *mcpserver.MCPServer
	svc           *knowledge.Service
	limiter       ratelimit.Limiter
	logger        *slog.Logger
	recallTracker *recallTracker

	// Static identity for stdio transports that carry no JWT. HTTP
	// transports populate claims via middleware instead.
	staticUserID  uuid.UUID
	staticAgentID string
}

// Option customizes the MCP server.
type Option func(*Server)

// WithLegacyTools exposes the pre-fusion single-source tools alongside the
// fused surface.
func WithLegacyTools() Option {
	return func(s *Server) { s.registerLegacyTools() }
}

// WithStaticIdentity sets the identity used when no claims are present in
// the request context (stdio transport).
func WithStaticIdentity(userID uuid.UUID, agentID string) Option {
	return func(s *Server) {
		s.staticUserID = userID
		s.staticAgentID = agentID
	}
}

// New creates and configures a new MCP server with all resources, prompts,
// and tools.
func New(svc *knowledge.Service, limiter ratelimit.Limiter, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		svc:           svc,
		limiter:       limiter,
		logger:        logger,
		recallTracker: newRecallTracker(10 * time.Minute),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"epitome",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// identity resolves the calling agent. HTTP auth middleware stores claims in
// the context; stdio deployments fall back to the static identity.
func (s *Server) identity(ctx context.Context) (uuid.UUID, string, *model.ToolError) {
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		return claims.UserID, claims.AgentID, nil
	}
	if s.staticUserID != uuid.Nil && s.staticAgentID != "" {
		return s.staticUserID, s.staticAgentID, nil
	}
	return uuid.Nil, "", model.NewToolError(model.ErrCodeConsentDenied, "no authenticated identity")
}

// auditCtx stamps the audit metadata for one tool invocation, keeping any
// request id the HTTP transport already put on the context.
func auditCtx(ctx context.Context, userID uuid.UUID, agentID, tool string) context.Context {
	meta, _ := ctxutil.AuditMetaFromContext(ctx)
	meta.UserID = userID
	meta.AgentID = agentID
	meta.Transport = "mcp"
	meta.Endpoint = tool
	return ctxutil.WithAuditMeta(ctx, meta)
}

// allow applies the per-(user, agent) rate limit. Limiter malfunctions fail
// open; an exhausted bucket returns a RATE_LIMITED envelope.
func (s *Server) allow(ctx context.Context, userID uuid.UUID, agentID string) *model.ToolError {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "user:"+userID.String()+":agent:"+agentID)
	if err != nil {
		s.logger.Warn("mcp: rate limiter error, failing open", "error", err)
		return nil
	}
	if !ok {
		return model.NewToolError(model.ErrCodeRateLimited, "too many requests")
	}
	return nil
}

// successResult wraps data in the uniform success envelope.
func successResult(data any, meta *model.ToolMeta) *mcplib.CallToolResult {
	if meta != nil && meta.At.IsZero() {
		meta.At = time.Now().UTC()
	}
	payload, _ := json.MarshalIndent(model.ToolSuccess{Success: true, Data: data, Meta: meta}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(payload)},
		},
	}
}

// failureResult wraps a typed error in the uniform failure envelope.
func failureResult(te *model.ToolError) *mcplib.CallToolResult {
	payload, _ := json.Marshal(model.ToolFailure{
		Success:   false,
		Code:      te.Code,
		Message:   te.Message,
		Retryable: te.Retryable,
		Details:   te.Details,
	})
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(payload)},
		},
		IsError: true,
	}
}

// errorResult is failureResult for untyped errors.
func errorResult(err error) *mcplib.CallToolResult {
	return failureResult(knowledge.AsToolError(err))
}
