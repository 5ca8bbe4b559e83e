package knowledge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epitome-ai/epitome/internal/fusion"
	"github.com/epitome-ai/epitome/internal/idempotency"
	"github.com/epitome-ai/epitome/internal/model"
	"github.com/epitome-ai/epitome/internal/storage"
)

// validationService builds a Service whose dependencies are never reached:
// only argument-validation paths may run against it.
func validationService(t *testing.T) *Service {
	t.Helper()
	return New(nil, nil, nil, nil, nil, slog.New(slog.DiscardHandler))
}

func TestRecall_ValidatesArguments(t *testing.T) {
	svc := validationService(t)
	ctx := context.Background()
	userID := uuid.New()

	assertInvalidArgs := func(t *testing.T, err error, fragment string) {
		t.Helper()
		var te *model.ToolError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, model.ErrCodeInvalidArgs, te.Code)
		assert.Contains(t, te.Message, fragment)
	}

	t.Run("empty topic", func(t *testing.T) {
		_, err := svc.Recall(ctx, userID, "agent", RecallInput{Topic: "   "})
		assertInvalidArgs(t, err, "topic is required")
	})

	t.Run("oversized topic", func(t *testing.T) {
		_, err := svc.Recall(ctx, userID, "agent", RecallInput{Topic: strings.Repeat("x", model.MaxTopicLen+1)})
		assertInvalidArgs(t, err, "maximum length")
	})

	t.Run("unknown budget", func(t *testing.T) {
		_, err := svc.Recall(ctx, userID, "agent", RecallInput{Topic: "coffee", Budget: "enormous"})
		assertInvalidArgs(t, err, "budget")
	})
}

func TestValidateMemorize(t *testing.T) {
	tests := []struct {
		name    string
		in      MemorizeInput
		wantErr string
	}{
		{
			name:    "neither data nor text",
			in:      MemorizeInput{},
			wantErr: "exactly one of data or text",
		},
		{
			name:    "both data and text",
			in:      MemorizeInput{Table: "t", Data: map[string]any{"k": "v"}, Text: "note"},
			wantErr: "exactly one of data or text",
		},
		{
			name:    "data without table",
			in:      MemorizeInput{Data: map[string]any{"k": "v"}},
			wantErr: "table is required",
		},
		{
			name:    "bad table name",
			in:      MemorizeInput{Table: "Drop-Table", Data: map[string]any{"k": "v"}},
			wantErr: "table name",
		},
		{
			name:    "oversized text",
			in:      MemorizeInput{Text: strings.Repeat("x", model.MaxTextLen+1)},
			wantErr: "maximum length",
		},
		{
			name:    "bad collection name",
			in:      MemorizeInput{Text: "note", Collection: "My Notes"},
			wantErr: "invalid collection",
		},
		{
			name: "valid structured write",
			in:   MemorizeInput{Table: "preferences", Data: map[string]any{"coffee": "black"}},
		},
		{
			name: "profile table bypasses identifier rules",
			in:   MemorizeInput{Table: "profile", Data: map[string]any{"name": "Yui"}},
		},
		{
			name: "valid text write",
			in:   MemorizeInput{Text: "  prefers window seats  "},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMemorize(&tt.in)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var te *model.ToolError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, model.ErrCodeInvalidArgs, te.Code)
			assert.Contains(t, te.Message, tt.wantErr)
		})
	}
}

func TestValidateMemorize_Defaults(t *testing.T) {
	in := MemorizeInput{Text: "  trimmed  "}
	require.NoError(t, validateMemorize(&in))
	assert.Equal(t, "trimmed", in.Text)
	assert.Equal(t, DefaultCollection, in.Collection)
}

func TestReview_UnknownAction(t *testing.T) {
	svc := validationService(t)

	_, err := svc.Review(context.Background(), uuid.New(), "agent", ReviewInput{Action: "purge"})
	var te *model.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.ErrCodeInvalidArgs, te.Code)
	assert.Contains(t, te.Message, "unknown action")
}

func TestAsToolError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  string
		retryable bool
	}{
		{"typed error passes through", model.NewToolError(model.ErrCodeSchemaError, "bad shape"), model.ErrCodeSchemaError, false},
		{"wrapped typed error", errors.Join(errors.New("ctx"), model.NewToolError(model.ErrCodeConsentDenied, "no")), model.ErrCodeConsentDenied, false},
		{"not found sentinel", storage.ErrNotFound, model.ErrCodeNotFound, false},
		{"all denied", fusion.ErrAllDenied, model.ErrCodeConsentDenied, false},
		{"no sources", fusion.ErrNoSources, model.ErrCodeInternalError, true},
		{"hash mismatch", idempotency.ErrHashMismatch, model.ErrCodeInvalidArgs, false},
		{"wait timeout", idempotency.ErrWaitTimeout, model.ErrCodeInternalError, true},
		{"abandoned", idempotency.ErrAbandoned, model.ErrCodeInternalError, true},
		{"unknown error", errors.New("disk on fire"), model.ErrCodeInternalError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := AsToolError(tt.err)
			assert.Equal(t, tt.wantCode, te.Code)
			assert.Equal(t, tt.retryable, te.Retryable)
		})
	}
}

func TestRenderRecord(t *testing.T) {
	text := renderRecord(map[string]any{
		"b_list": []any{"x", "y"},
		"a_str":  "hello",
		"c_obj":  map[string]any{"k": "v"},
	})
	assert.Equal(t, "a_str: hello; b_list: x, y; c_obj: k: v", text)
}

func TestRenderEdge(t *testing.T) {
	plain := renderEdge(storage.GraphFact{SourceName: "Yui", Relation: "works_at", TargetName: "Acme"})
	assert.Equal(t, "Yui works_at Acme", plain)

	withProps := renderEdge(storage.GraphFact{
		SourceName: "Yui", Relation: "works_at", TargetName: "Acme",
		Properties: map[string]any{"role": "Engineer"},
	})
	assert.Equal(t, "Yui works_at Acme (role: Engineer)", withProps)
}
