package api

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recallhq/recall/internal/federation"
)

// healthHandler serves liveness and readiness probes.
type healthHandler struct {
	pool   *pgxpool.Pool
	syncer *federation.Syncer // optional
	logger *slog.Logger
}

// liveness reports that the process is alive.
func (h *healthHandler) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness pings the database and reports federation peer state. Peers in
// backoff do not fail readiness; the store serves queries without them.
func (h *healthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "database pool not configured")
		return
	}
	if err := h.pool.Ping(r.Context()); err != nil {
		h.logger.Error("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "not_ready", "database not ready")
		return
	}

	resp := map[string]any{"status": "ready"}
	if h.syncer != nil {
		resp["peers"] = h.syncer.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}
