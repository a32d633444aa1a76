package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/recallhq/recall/internal/federation"
)

// maxPushBytes bounds a federation push body; pushes carry whole pages.
const maxPushBytes = 8 << 20

// federationHandler serves the peer-facing sync endpoints. All routes
// require the shared bearer token.
type federationHandler struct {
	receiver *federation.Receiver
	token    string
	logger   *slog.Logger
}

// authorized checks the bearer token with a constant-time compare.
func (h *federationHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// push accepts a batch of entries from a peer.
func (h *federationHandler) push(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid peer token")
		return
	}

	// The body decodes twice: once into the typed request and once into the
	// raw shape the schema stage validates.
	var payload json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req federation.PushRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var rawReq struct {
		Entries []any `json:"knowledge"`
	}
	if err := json.Unmarshal(payload, &rawReq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	resp, err := h.receiver.HandlePush(r.Context(), req, rawReq.Entries)
	if err != nil {
		writeError(w, http.StatusBadRequest, "push_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// pull serves one page of shareable entries.
func (h *federationHandler) pull(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid peer token")
		return
	}

	resp, err := h.receiver.ServePull(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "pull_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
