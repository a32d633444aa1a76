package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/embedding"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/retrieval"
)

// maxRequestBytes bounds request bodies.
const maxRequestBytes = 1 << 20

// knowledgeHandler serves retrieval queries and direct entry access.
type knowledgeHandler struct {
	store    *knowledge.Store
	embedder *embedding.Service
	engine   *retrieval.Engine
	logger   *slog.Logger
}

type queryRequest struct {
	Query   string            `json:"query"`
	Context map[string]string `json:"context,omitempty"`
	K       int               `json:"k,omitempty"`
	Kinds   []string          `json:"kinds,omitempty"`
}

// queryResultItem carries the summary only; full content is fetched per
// entry via getEntry to bound response size.
type queryResultItem struct {
	ID         uuid.UUID `json:"id"`
	Summary    string    `json:"summary"`
	Kind       string    `json:"kind"`
	Confidence float64   `json:"confidence_score"`
	Score      float64   `json:"score"`
	Similarity float64   `json:"similarity,omitempty"`
}

type queryResponse struct {
	Results  []queryResultItem `json:"results"`
	Degraded bool              `json:"degraded"`
}

type entryResponse struct {
	ID           uuid.UUID  `json:"id"`
	Kind         string     `json:"kind"`
	Content      string     `json:"content"`
	Summary      string     `json:"summary,omitempty"`
	Confidence   float64    `json:"confidence"`
	UsageCount   int        `json:"usage_count"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	SDLCPhase    string     `json:"sdlc_phase,omitempty"`
	AgentTypes   []string   `json:"agent_types,omitempty"`
	Sources      []string   `json:"sources,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`
}

func toEntryResponse(e knowledge.Entry) entryResponse {
	return entryResponse{
		ID:           e.ID,
		Kind:         string(e.Kind),
		Content:      e.Content,
		Summary:      e.Summary,
		Confidence:   e.Confidence,
		UsageCount:   e.UsageCount,
		SuccessCount: e.SuccessCount,
		FailureCount: e.FailureCount,
		SDLCPhase:    e.SDLCPhase,
		AgentTypes:   e.AgentTypes,
		Sources:      e.Sources,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
		DeprecatedAt: e.DeprecatedAt,
	}
}

// query runs a hybrid retrieval query.
func (h *knowledgeHandler) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}

	kinds := make([]knowledge.Kind, 0, len(req.Kinds))
	for _, k := range req.Kinds {
		kind := knowledge.Kind(k)
		if !kind.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown kind "+k)
			return
		}
		kinds = append(kinds, kind)
	}

	res, err := h.engine.Retrieve(r.Context(), retrieval.Query{
		Text:    req.Query,
		Context: req.Context,
		K:       req.K,
		Kinds:   kinds,
	})
	if err != nil {
		h.logger.Error("query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query_failed", "retrieval failed")
		return
	}

	resp := queryResponse{Results: make([]queryResultItem, len(res.Items)), Degraded: res.Degraded}
	for i, item := range res.Items {
		resp.Results[i] = queryResultItem{
			ID:         item.Entry.ID,
			Summary:    summaryOf(item.Entry),
			Kind:       string(item.Entry.Kind),
			Confidence: item.Entry.Confidence,
			Score:      item.Score,
			Similarity: item.Similarity,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type createEntryRequest struct {
	Kind       string   `json:"kind"`
	Content    string   `json:"content"`
	Summary    string   `json:"summary,omitempty"`
	SDLCPhase  string   `json:"sdlc_phase,omitempty"`
	AgentTypes []string `json:"agent_types,omitempty"`
}

type createEntryResponse struct {
	ID                 uuid.UUID `json:"id"`
	EmbeddingGenerated bool      `json:"embedding_generated"`
}

// createEntry stores one entry directly, embedding it synchronously. A
// failed embed stores the entry anyway; maintenance backfills the vector.
func (h *knowledgeHandler) createEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	entry := knowledge.Entry{
		Kind:       knowledge.Kind(req.Kind),
		Content:    req.Content,
		Summary:    req.Summary,
		SDLCPhase:  req.SDLCPhase,
		AgentTypes: req.AgentTypes,
	}
	if vec, err := h.embedder.Embed(r.Context(), req.Content); err == nil {
		entry.Embedding = vec
	} else if !errors.Is(err, embedding.ErrEmptyText) {
		h.logger.Warn("storing entry without embedding", "error", err)
	}

	id, err := h.store.Put(r.Context(), entry)
	if err != nil {
		if errors.Is(err, knowledge.ErrInvalidEntry) {
			writeError(w, http.StatusBadRequest, "invalid_entry", err.Error())
			return
		}
		h.logger.Error("storing entry failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store_failed", "storing entry failed")
		return
	}
	writeJSON(w, http.StatusCreated, createEntryResponse{
		ID:                 id,
		EmbeddingGenerated: entry.Embedding != nil,
	})
}

// getEntry fetches one entry by id.
func (h *knowledgeHandler) getEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed entry id")
		return
	}

	entry, err := h.store.Get(r.Context(), id)
	if errors.Is(err, knowledge.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "entry not found")
		return
	}
	if err != nil {
		h.logger.Error("getting entry failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "get_failed", "getting entry failed")
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(*entry))
}

type feedbackRequest struct {
	Success bool `json:"success"`
}

// feedback records one retrieval outcome against an entry.
func (h *knowledgeHandler) feedback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed entry id")
		return
	}
	var req feedbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	entry, err := h.store.UpdateCounts(r.Context(), id, req.Success)
	if errors.Is(err, knowledge.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "entry not found")
		return
	}
	if err != nil {
		h.logger.Error("recording feedback failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "feedback_failed", "recording feedback failed")
		return
	}

	// Score inputs changed; cached rankings are stale.
	h.engine.InvalidateCache()
	writeJSON(w, http.StatusOK, toEntryResponse(*entry))
}

// maxSummaryLen caps the derived summary when an entry has none of its own.
const maxSummaryLen = 140

// summaryOf falls back to the first line of content for entries stored
// without a summary.
func summaryOf(e knowledge.Entry) string {
	s := e.Summary
	if s == "" {
		s = e.Content
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[:i]
		}
	}
	if len(s) > maxSummaryLen {
		s = s[:maxSummaryLen]
	}
	return s
}

// decodeBody decodes a bounded JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
