package federation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/recallhq/recall/internal/embedding"
	"github.com/recallhq/recall/internal/knowledge"
)

// Receiver applies inbound entries to the local store and serves pull pages
// to peers. Both the push handler and the pull worker funnel through the same
// apply path, so one validation and conflict policy covers both directions.
type Receiver struct {
	store      *knowledge.Store
	embedder   *embedding.Service
	validator  *Validator
	anonymizer *Anonymizer
	dedup      float64
	minConf    float64
	minUsage   int
	pageSize   int
	logger     *slog.Logger
}

// ReceiverConfig collects the knobs a Receiver needs.
type ReceiverConfig struct {
	DedupThreshold    float64
	PushMinConfidence float64
	PushMinUsage      int
	PageSize          int
}

// NewReceiver wires a Receiver.
func NewReceiver(store *knowledge.Store, embedder *embedding.Service, anonymizer *Anonymizer, cfg ReceiverConfig, logger *slog.Logger) (*Receiver, error) {
	if store == nil || embedder == nil || anonymizer == nil {
		return nil, fmt.Errorf("store, embedder, and anonymizer are required")
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if cfg.DedupThreshold <= 0 || cfg.DedupThreshold > 1 {
		return nil, fmt.Errorf("dedup threshold %f out of (0,1]", cfg.DedupThreshold)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		store:      store,
		embedder:   embedder,
		validator:  validator,
		anonymizer: anonymizer,
		dedup:      cfg.DedupThreshold,
		minConf:    cfg.PushMinConfidence,
		minUsage:   cfg.PushMinUsage,
		pageSize:   cfg.PageSize,
		logger:     logger,
	}, nil
}

// HandlePush validates and applies one pushed batch. rawEntries carries the
// decoded JSON for schema validation, index-aligned with req.Entries.
func (r *Receiver) HandlePush(ctx context.Context, req PushRequest, rawEntries []any) (*PushResponse, error) {
	if req.ProjectID == "" {
		return nil, fmt.Errorf("source id is required")
	}
	if len(req.Entries) != len(rawEntries) {
		return nil, fmt.Errorf("entry payload mismatch")
	}

	resp := &PushResponse{}
	for i, entry := range req.Entries {
		if err := r.validator.Validate(rawEntries[i], entry); err != nil {
			r.logger.Warn("pushed entry rejected", "peer", req.ProjectID, "error", err)
			resp.Rejected++
			continue
		}
		created, merged, err := r.apply(ctx, entry)
		if err != nil {
			r.logger.Warn("pushed entry failed to apply", "peer", req.ProjectID, "error", err)
			resp.Rejected++
			continue
		}
		if created {
			resp.Accepted++
		}
		if merged {
			resp.Merged++
		}
	}
	r.logger.Info("push applied", "peer", req.ProjectID,
		"accepted", resp.Accepted, "merged", resp.Merged, "rejected", resp.Rejected)
	return resp, nil
}

// ServePull returns one page of shareable entries for a pulling peer.
func (r *Receiver) ServePull(ctx context.Context, cursorStr string) (*PullResponse, error) {
	cur, err := decodeCursor(cursorStr)
	if err != nil {
		return nil, err
	}

	page, err := r.store.SharePage(ctx, r.minConf, r.minUsage, cur.Created, cur.ID, r.pageSize)
	if err != nil {
		return nil, fmt.Errorf("loading share page: %w", err)
	}

	resp := &PullResponse{Entries: r.anonymizer.AnonymizeBatch(page)}
	// The cursor advances over the raw page, not the anonymized one, so
	// withheld entries do not stall pagination.
	if len(page) == r.pageSize {
		last := page[len(page)-1]
		resp.NextToken = encodeCursor(cursor{Created: last.CreatedAt, ID: last.ID})
	}
	return resp, nil
}

// apply folds one validated entry into the local store. A near-duplicate
// resolves against its local counterpart; everything else is stored fresh.
func (r *Receiver) apply(ctx context.Context, entry SharedEntry) (created, merged bool, err error) {
	vec, err := r.embedder.Embed(ctx, entry.Content)
	if err != nil {
		return false, false, fmt.Errorf("embedding inbound entry: %w", err)
	}

	match, err := r.store.Nearest(ctx, vec, knowledge.Kind(entry.Kind))
	if err != nil {
		return false, false, fmt.Errorf("nearest lookup: %w", err)
	}
	if match == nil || match.Similarity <= r.dedup {
		_, err := r.store.Put(ctx, toEntry(entry, vec))
		if err != nil {
			return false, false, fmt.Errorf("storing inbound entry: %w", err)
		}
		return true, false, nil
	}

	if preferIncoming(match.Entry, entry) {
		// The incoming version wins: store it and fold the local entry into
		// it, which deprecates the loser behind a supersedes edge.
		id, err := r.store.Put(ctx, toEntry(entry, vec))
		if err != nil {
			return false, false, fmt.Errorf("storing winning entry: %w", err)
		}
		if err := r.store.AbsorbDuplicate(ctx, id, match.Entry.ID); err != nil {
			return false, false, fmt.Errorf("absorbing superseded entry: %w", err)
		}
		return false, true, nil
	}

	// The local version wins: keep it, take the union of attribution and the
	// higher confidence.
	if _, err := r.store.MergeSources(ctx, match.Entry.ID, entry.Confidence, entry.Sources); err != nil {
		return false, false, fmt.Errorf("merging sources into %s: %w", match.Entry.ID, err)
	}
	return false, true, nil
}

func toEntry(e SharedEntry, vec []float32) knowledge.Entry {
	return knowledge.Entry{
		Kind:         knowledge.Kind(e.Kind),
		Content:      e.Content,
		Summary:      e.Summary,
		Embedding:    vec,
		Confidence:   e.Confidence,
		UsageCount:   e.UsageCount,
		SuccessCount: e.SuccessCount,
		FailureCount: e.FailureCount,
		SDLCPhase:    e.SDLCPhase,
		Sources:      e.Sources,
	}
}

// preferIncoming decides which version of conflicting knowledge survives:
// higher confidence, then fresher update, then broader source attribution.
func preferIncoming(local knowledge.Entry, in SharedEntry) bool {
	if in.Confidence != local.Confidence {
		return in.Confidence > local.Confidence
	}
	if !in.UpdatedAt.Equal(local.UpdatedAt) {
		return in.UpdatedAt.After(local.UpdatedAt)
	}
	return len(in.Sources) > len(local.Sources)
}
