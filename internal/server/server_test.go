package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epitome-ai/epitome/internal/auth"
	"github.com/epitome-ai/epitome/internal/search"
	"github.com/epitome-ai/epitome/internal/storage"
	"github.com/epitome-ai/epitome/internal/testutil"
)

var (
	testDB     *storage.DB
	testJWTMgr *auth.JWTManager
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test database: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	defer testDB.Close()

	testJWTMgr, err = auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create JWT manager: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func newTestServer(t *testing.T, secretHash string) *Server {
	t.Helper()
	return New(Config{
		DB:                  testDB,
		JWTMgr:              testJWTMgr,
		Logger:              testutil.TestLogger(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		BootstrapSecretHash: secretHash,
	})
}

func bearerFor(t *testing.T, userID uuid.UUID, agentID string) string {
	t.Helper()
	token, _, err := testJWTMgr.IssueToken(userID, agentID)
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(t *testing.T, srv *Server, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

func TestHealth_NoAuthRequired(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "test", data["version"])
	deps := data["dependencies"].(map[string]any)
	assert.Equal(t, "ok", deps["postgres"])

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAuth_MissingToken(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodGet, "/v1/consent", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, rec))
}

func TestAuth_MalformedHeader(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodGet, "/v1/consent", "Token abc", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_InvalidToken(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodGet, "/v1/consent", "Bearer not.a.jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthToken_DisabledWithoutHash(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodPost, "/auth/token", "", map[string]any{
		"secret": "anything", "user_id": uuid.New().String(), "agent_id": "assistant",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthToken_MintsWithValidSecret(t *testing.T) {
	hash, err := auth.HashAPIKey("bootstrap-secret")
	require.NoError(t, err)
	srv := newTestServer(t, hash)
	userID := uuid.New()

	rec := doJSON(t, srv, http.MethodPost, "/auth/token", "", map[string]any{
		"secret": "bootstrap-secret", "user_id": userID.String(), "agent_id": "assistant",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	token, _ := data["token"].(string)
	require.NotEmpty(t, token)

	claims, err := testJWTMgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "assistant", claims.AgentID)
}

func TestAuthToken_WrongSecret(t *testing.T) {
	hash, err := auth.HashAPIKey("bootstrap-secret")
	require.NoError(t, err)
	srv := newTestServer(t, hash)

	rec := doJSON(t, srv, http.MethodPost, "/auth/token", "", map[string]any{
		"secret": "wrong", "user_id": uuid.New().String(), "agent_id": "assistant",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthToken_BadUserID(t *testing.T) {
	hash, err := auth.HashAPIKey("bootstrap-secret")
	require.NoError(t, err)
	srv := newTestServer(t, hash)

	rec := doJSON(t, srv, http.MethodPost, "/auth/token", "", map[string]any{
		"secret": "bootstrap-secret", "user_id": "not-a-uuid", "agent_id": "assistant",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGS", decodeError(t, rec))
}

func TestConsent_UpsertAndList(t *testing.T) {
	srv := newTestServer(t, "")
	userID := uuid.New()
	authz := bearerFor(t, userID, "assistant")

	rec := doJSON(t, srv, http.MethodPost, "/v1/consent", authz, map[string]any{
		"agent_id": "assistant", "resource": "tables/preferences", "permission": "read", "allowed": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeData(t, rec)
	assert.Equal(t, "tables/preferences", created["resource"])
	assert.Equal(t, true, created["allowed"])

	rec = doJSON(t, srv, http.MethodGet, "/v1/consent", authz, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeData(t, rec)
	assert.Equal(t, "assistant", listed["agent_id"])
	rules := listed["rules"].([]any)
	require.Len(t, rules, 1)
}

func TestConsent_UpsertValidation(t *testing.T) {
	srv := newTestServer(t, "")
	authz := bearerFor(t, uuid.New(), "assistant")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing resource", map[string]any{"agent_id": "a", "permission": "read", "allowed": true}},
		{"missing agent", map[string]any{"resource": "tables", "permission": "read", "allowed": true}},
		{"bad permission", map[string]any{"agent_id": "a", "resource": "tables", "permission": "admin", "allowed": true}},
		{"expires in the past", map[string]any{
			"agent_id": "a", "resource": "tables", "permission": "read", "allowed": true,
			"expires_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
		}},
		{"unknown field", map[string]any{"agent_id": "a", "resource": "tables", "permission": "read", "allowed": true, "extra": 1}},
		{"unknown domain", map[string]any{"agent_id": "a", "resource": "files", "permission": "read", "allowed": true}},
		{"unknown scoped domain", map[string]any{"agent_id": "a", "resource": "files/reports", "permission": "read", "allowed": true}},
		{"empty scoped name", map[string]any{"agent_id": "a", "resource": "tables/", "permission": "read", "allowed": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/v1/consent", authz, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_ARGS", decodeError(t, rec))
		})
	}
}

func TestConsent_ListScopedToCaller(t *testing.T) {
	srv := newTestServer(t, "")
	owner := uuid.New()
	ownerAuthz := bearerFor(t, owner, "assistant")

	rec := doJSON(t, srv, http.MethodPost, "/v1/consent", ownerAuthz, map[string]any{
		"agent_id": "assistant", "resource": "graph", "permission": "read", "allowed": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// A different user listing the same agent sees nothing.
	otherAuthz := bearerFor(t, uuid.New(), "assistant")
	rec = doJSON(t, srv, http.MethodGet, "/v1/consent", otherAuthz, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeData(t, rec)
	assert.Empty(t, listed["rules"])
}

// recordingWiper satisfies search.Searcher plus the per-user delete hook so
// the purge flow can be observed without a live index.
type recordingWiper struct {
	wiped []uuid.UUID
}

func (r *recordingWiper) Search(_ context.Context, _ uuid.UUID, _ string, _ []float32, _ int, _ float32) ([]search.Result, error) {
	return nil, nil
}

func (r *recordingWiper) Healthy(context.Context) error { return nil }

func (r *recordingWiper) DeleteByUser(_ context.Context, userID uuid.UUID) error {
	r.wiped = append(r.wiped, userID)
	return nil
}

func TestPurgeData_DeletesEverythingForCaller(t *testing.T) {
	wiper := &recordingWiper{}
	srv := New(Config{
		DB:                  testDB,
		JWTMgr:              testJWTMgr,
		Searcher:            wiper,
		Logger:              testutil.TestLogger(),
		MaxRequestBodyBytes: 1 << 20,
	})

	ctx := context.Background()
	userID := uuid.New()
	other := uuid.New()

	require.NoError(t, testDB.UpsertProfile(ctx, userID, map[string]any{"name": "Yuki"}))
	_, err := testDB.IngestTableRecord(ctx, userID, "favorite_books", map[string]any{"title": "Kokoro"})
	require.NoError(t, err)
	_, err = testDB.IngestMemoryText(ctx, userID, "reads on the train", nil)
	require.NoError(t, err)
	_, err = testDB.UpsertConsentRule(ctx, storage.ConsentRule{
		UserID: userID, AgentID: "assistant", Resource: "tables", Permission: "read", Allowed: true,
	})
	require.NoError(t, err)
	_, err = testDB.IngestTableRecord(ctx, other, "favorite_books", map[string]any{"title": "Botchan"})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodDelete, "/v1/data", bearerFor(t, userID, "assistant"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, "purged", data["status"])
	assert.GreaterOrEqual(t, data["rows_deleted"].(float64), float64(4))
	assert.Equal(t, "ok", data["vector_index"])
	require.Len(t, wiper.wiped, 1)
	assert.Equal(t, userID, wiper.wiped[0])

	tables, err := testDB.ListTables(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, tables)
	rules, err := testDB.ListConsentRules(ctx, userID, "assistant")
	require.NoError(t, err)
	assert.Empty(t, rules)

	// The other user's rows survive.
	survivors, err := testDB.QueryTableRecords(ctx, other, "favorite_books", 10)
	require.NoError(t, err)
	assert.Len(t, survivors, 1)
}

func TestPurgeData_RequiresAuth(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodDelete, "/v1/data", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestID_Propagated(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	var envelope struct {
		Meta struct {
			RequestID string `json:"request_id"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "req-123", envelope.Meta.RequestID)
}

func TestMaxBody_RejectsOversizedRequest(t *testing.T) {
	srv := New(Config{
		DB:                  testDB,
		JWTMgr:              testJWTMgr,
		Logger:              testutil.TestLogger(),
		MaxRequestBodyBytes: 64,
	})
	authz := bearerFor(t, uuid.New(), "assistant")

	big := map[string]any{
		"agent_id": "assistant", "resource": "tables/preferences", "permission": "read", "allowed": true,
		"note": string(bytes.Repeat([]byte("x"), 256)),
	}
	rec := doJSON(t, srv, http.MethodPost, "/v1/consent", authz, big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
