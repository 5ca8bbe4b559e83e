package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/epitome-ai/epitome/internal/auth"
	"github.com/epitome-ai/epitome/internal/consent"
	"github.com/epitome-ai/epitome/internal/ctxutil"
	"github.com/epitome-ai/epitome/internal/search"
	"github.com/epitome-ai/epitome/internal/storage"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	searcher            search.Searcher
	logger              *slog.Logger
	version             string
	bootstrapSecretHash string
}

// HandlersDeps configures Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Searcher            search.Searcher
	Logger              *slog.Logger
	Version             string
	BootstrapSecretHash string
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:                  deps.DB,
		jwtMgr:              deps.JWTMgr,
		searcher:            deps.Searcher,
		logger:              deps.Logger,
		version:             deps.Version,
		bootstrapSecretHash: deps.BootstrapSecretHash,
	}
}

// HandleHealth reports liveness plus dependency status. The search index
// being down does not fail the check: recall degrades to the Postgres
// fallback, so the process is still serving.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "ok"
	deps := map[string]string{}

	if err := h.db.Ping(ctx); err != nil {
		status = "degraded"
		deps["postgres"] = err.Error()
	} else {
		deps["postgres"] = "ok"
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(ctx); err != nil {
			deps["search"] = err.Error()
		} else {
			deps["search"] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":       status,
		"version":      h.version,
		"dependencies": deps,
	})
}

// HandleAuthToken mints an agent JWT. The caller proves possession of the
// deployment's bootstrap secret; when no hash is configured the endpoint is
// disabled. DummyVerify keeps the response time uniform on that path.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret  string `json:"secret"`
		UserID  string `json:"user_id"`
		AgentID string `json:"agent_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGS", "invalid request body")
		return
	}

	if h.bootstrapSecretHash == "" {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "token minting is not enabled")
		return
	}

	ok, err := auth.VerifyAPIKey(req.Secret, h.bootstrapSecretHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid secret")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil || req.AgentID == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGS", "user_id must be a UUID and agent_id non-empty")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(userID, req.AgentID)
	if err != nil {
		h.logger.Error("token issue failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "token issue failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}

// HandleListConsent returns the caller's consent rules for one agent.
// The user manages rules for any agent; an agent sees only its own.
func (h *Handlers) HandleListConsent(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "no claims in context")
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = claims.AgentID
	}

	rules, err := h.db.ListConsentRules(r.Context(), claims.UserID, agentID)
	if err != nil {
		h.logger.Error("list consent rules failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "list failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"rules":    presentRules(rules),
	})
}

// HandleUpsertConsent records a grant or revocation. Later rules shadow
// earlier ones, so revocation is an Allowed=false insert, which takes
// effect on the very next gate check.
func (h *Handlers) HandleUpsertConsent(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "no claims in context")
		return
	}

	var req struct {
		AgentID    string     `json:"agent_id"`
		Resource   string     `json:"resource"`
		Permission string     `json:"permission"`
		Allowed    bool       `json:"allowed"`
		ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGS", "invalid request body")
		return
	}
	if req.AgentID == "" || req.Resource == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGS", "agent_id and resource are required")
		return
	}
	if req.Permission != consent.PermissionRead && req.Permission != consent.PermissionWrite {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGS", "permission must be read or write")
		return
	}
	if !consent.ValidResource(req.Resource) {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGS",
			"resource must be a known domain ("+strings.Join(consent.Domains, ", ")+") or <domain>/<name>")
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGS", "expires_at is in the past")
		return
	}

	rule, err := h.db.UpsertConsentRule(r.Context(), storage.ConsentRule{
		UserID:     claims.UserID,
		AgentID:    req.AgentID,
		Resource:   req.Resource,
		Permission: req.Permission,
		Allowed:    req.Allowed,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		h.logger.Error("upsert consent rule failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "upsert failed")
		return
	}

	writeJSON(w, r, http.StatusCreated, presentRule(rule))
}

func presentRule(rule storage.ConsentRule) map[string]any {
	m := map[string]any{
		"id":         rule.ID,
		"agent_id":   rule.AgentID,
		"resource":   rule.Resource,
		"permission": rule.Permission,
		"allowed":    rule.Allowed,
		"granted_at": rule.GrantedAt,
	}
	if rule.ExpiresAt != nil {
		m["expires_at"] = rule.ExpiresAt
	}
	return m
}

func presentRules(rules []storage.ConsentRule) []map[string]any {
	out := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		out = append(out, presentRule(rule))
	}
	return out
}
