package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/ingest"
	"github.com/recallhq/recall/internal/session"
)

// sessionHandler serves the session lifecycle and event capture endpoints.
type sessionHandler struct {
	hooks    *session.Hooks
	sessions *session.Store
	pipeline *ingest.Pipeline
	logger   *slog.Logger
}

type startSessionRequest struct {
	Context map[string]string `json:"context,omitempty"`
	Query   string            `json:"query,omitempty"`
}

type sessionResponse struct {
	ID           uuid.UUID         `json:"id"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	Context      map[string]string `json:"context"`
	Applied      []session.Applied `json:"knowledge_applied"`
	Learned      []uuid.UUID       `json:"knowledge_learned"`
	SuccessScore *float64          `json:"success_score,omitempty"`
}

type startSessionResponse struct {
	Session sessionResponse   `json:"session"`
	Results []queryResultItem `json:"results,omitempty"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		Context:      s.Context,
		Applied:      s.Applied,
		Learned:      s.Learned,
		SuccessScore: s.SuccessScore,
	}
}

// start opens a session, optionally priming it with a retrieval query.
func (h *sessionHandler) start(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, items, err := h.hooks.OnSessionStart(r.Context(), req.Context, req.Query)
	if err != nil {
		h.logger.Error("starting session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session_failed", "starting session failed")
		return
	}

	resp := startSessionResponse{Session: toSessionResponse(sess)}
	for _, item := range items {
		resp.Results = append(resp.Results, queryResultItem{
			ID:         item.Entry.ID,
			Summary:    summaryOf(item.Entry),
			Kind:       string(item.Entry.Kind),
			Confidence: item.Entry.Confidence,
			Score:      item.Score,
			Similarity: item.Similarity,
		})
	}
	writeJSON(w, http.StatusCreated, resp)
}

// get fetches a session by id.
func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed session id")
		return
	}

	sess, err := h.sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		h.logger.Error("getting session failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "get_failed", "getting session failed")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type endSessionRequest struct {
	SuccessScore float64 `json:"success_score"`
}

// end closes a session with its outcome score.
func (h *sessionHandler) end(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed session id")
		return
	}
	var req endSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := h.hooks.OnSessionEnd(r.Context(), id, req.SuccessScore)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, "end_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type eventRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Type      string `json:"type"`
	Tool      string `json:"tool,omitempty"`
	Detail    string `json:"detail"`
	Outcome   string `json:"outcome,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	SDLCPhase string `json:"sdlc_phase,omitempty"`
	Success   bool   `json:"success,omitempty"`
}

// capture accepts one session event into the ingestion pipeline. Returns 202:
// the entry materializes asynchronously on the next shard flush.
func (h *sessionHandler) capture(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := h.pipeline.Capture(ingest.Event{
		Type:      ingest.EventType(req.Type),
		SessionID: req.SessionID,
		Tool:      req.Tool,
		Detail:    req.Detail,
		Outcome:   req.Outcome,
		AgentType: req.AgentType,
		SDLCPhase: req.SDLCPhase,
		Success:   req.Success,
		Time:      time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "capture_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type recordFeedbackRequest struct {
	EntryID uuid.UUID `json:"entry_id"`
	Success bool      `json:"success"`
}

// feedback records whether a surfaced entry helped within this session.
func (h *sessionHandler) feedback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed session id")
		return
	}
	var req recordFeedbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err = h.hooks.OnFeedback(r.Context(), id, req.EntryID, req.Success)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		h.logger.Error("recording session feedback failed", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "feedback_failed", "recording feedback failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
