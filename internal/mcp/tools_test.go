package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/epitome-ai/epitome/internal/auth"
	"github.com/epitome-ai/epitome/internal/ctxutil"
	"github.com/epitome-ai/epitome/internal/model"
)

// denyLimiter always reports the bucket as exhausted.
type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string) (bool, error) { return false, nil }
func (denyLimiter) Close() error                                        { return nil }

// brokenLimiter always errors; the server must fail open.
type brokenLimiter struct{}

func (brokenLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return false, context.DeadlineExceeded
}
func (brokenLimiter) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// bareServer builds a Server without going through New, for handler paths
// that must fail before the knowledge service is ever touched.
func bareServer(opts ...Option) *Server {
	s := &Server{
		logger:        testLogger(),
		recallTracker: newRecallTracker(10 * time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func recallRequest(args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "epitome_recall",
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("result has no text content")
	return ""
}

func parseFailure(t *testing.T, result *mcplib.CallToolResult) model.ToolFailure {
	t.Helper()
	require.True(t, result.IsError, "expected an error envelope")
	var f model.ToolFailure
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &f))
	assert.False(t, f.Success)
	return f
}

func TestIdentity_NoClaimsNoStatic(t *testing.T) {
	s := bareServer()

	result, err := s.handleRecall(context.Background(), recallRequest(map[string]any{"topic": "anything"}))
	require.NoError(t, err)

	f := parseFailure(t, result)
	assert.Equal(t, model.ErrCodeConsentDenied, f.Code)
	assert.False(t, f.Retryable)
}

func TestIdentity_ClaimsFromContext(t *testing.T) {
	s := bareServer()
	userID := uuid.New()

	ctx := ctxutil.WithClaims(context.Background(), &auth.Claims{
		AgentID: "assistant",
		UserID:  userID,
	})

	gotUser, gotAgent, te := s.identity(ctx)
	require.Nil(t, te)
	assert.Equal(t, userID, gotUser)
	assert.Equal(t, "assistant", gotAgent)
}

func TestIdentity_StaticFallback(t *testing.T) {
	userID := uuid.New()
	s := bareServer(WithStaticIdentity(userID, "local-agent"))

	gotUser, gotAgent, te := s.identity(context.Background())
	require.Nil(t, te)
	assert.Equal(t, userID, gotUser)
	assert.Equal(t, "local-agent", gotAgent)

	// Context claims take precedence over the static identity.
	other := uuid.New()
	ctx := ctxutil.WithClaims(context.Background(), &auth.Claims{AgentID: "remote", UserID: other})
	gotUser, gotAgent, te = s.identity(ctx)
	require.Nil(t, te)
	assert.Equal(t, other, gotUser)
	assert.Equal(t, "remote", gotAgent)
}

func TestHandleRecall_RateLimited(t *testing.T) {
	s := bareServer(WithStaticIdentity(uuid.New(), "local-agent"))
	s.limiter = denyLimiter{}

	result, err := s.handleRecall(context.Background(), recallRequest(map[string]any{"topic": "anything"}))
	require.NoError(t, err)

	f := parseFailure(t, result)
	assert.Equal(t, model.ErrCodeRateLimited, f.Code)
	assert.True(t, f.Retryable, "RATE_LIMITED must be retryable")
}

func TestAllow_FailsOpenOnLimiterError(t *testing.T) {
	s := bareServer()
	s.limiter = brokenLimiter{}

	te := s.allow(context.Background(), uuid.New(), "agent")
	assert.Nil(t, te, "limiter errors must not block the call")
}

func TestAllow_NilLimiter(t *testing.T) {
	s := bareServer()
	te := s.allow(context.Background(), uuid.New(), "agent")
	assert.Nil(t, te)
}

func TestSuccessResult_Envelope(t *testing.T) {
	result := successResult(map[string]any{"hello": "world"}, &model.ToolMeta{
		Warnings: []string{"skipped tables/notes: consent denied"},
		Budget:   "medium",
	})
	require.False(t, result.IsError)

	var env model.ToolSuccess
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &env))
	assert.True(t, env.Success)
	require.NotNil(t, env.Meta)
	assert.Equal(t, "medium", env.Meta.Budget)
	assert.False(t, env.Meta.At.IsZero(), "meta timestamp must be stamped")
	assert.Len(t, env.Meta.Warnings, 1)
}

func TestFailureResult_RetryableCodes(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{model.ErrCodeConsentDenied, false},
		{model.ErrCodeInvalidArgs, false},
		{model.ErrCodeNotFound, false},
		{model.ErrCodeSchemaError, false},
		{model.ErrCodeInternalError, true},
		{model.ErrCodeRateLimited, true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			result := failureResult(model.NewToolError(tt.code, "boom"))
			f := parseFailure(t, result)
			assert.Equal(t, tt.code, f.Code)
			assert.Equal(t, tt.retryable, f.Retryable)
		})
	}
}
