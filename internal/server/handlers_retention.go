package server

import (
	"net/http"

	"github.com/epitome-ai/epitome/internal/ctxutil"
	"github.com/epitome-ai/epitome/internal/search"
)

// HandlePurgeData deletes everything stored for the authenticated user:
// profile, tables, memories, graph, consent rules, audit trail, and the
// user's points in the vector index. Irreversible, so it answers with what
// it removed.
func (h *Handlers) HandlePurgeData(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "no claims in context")
		return
	}

	deleted, err := h.db.PurgeUser(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("purge user data failed", "user_id", claims.UserID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "purge failed")
		return
	}

	indexStatus := "ok"
	if d, ok := h.searcher.(search.UserDeleter); ok {
		if err := d.DeleteByUser(r.Context(), claims.UserID); err != nil {
			// Postgres is already clean; orphaned points cannot hydrate into
			// results, so report the miss instead of failing the purge.
			h.logger.Warn("purge index points failed", "user_id", claims.UserID, "error", err)
			indexStatus = "failed"
		}
	}

	h.logger.Info("user data purged", "user_id", claims.UserID, "rows_deleted", deleted, "agent_id", claims.AgentID)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":       "purged",
		"rows_deleted": deleted,
		"vector_index": indexStatus,
	})
}
