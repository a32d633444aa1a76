// Package retrieval ranks stored knowledge against a query.
//
// The engine fans out two legs in parallel: a vector leg (embed the query,
// nearest-neighbor search over active entries) and a context leg (context
// patterns plus a bounded graph walk from the activated entries). Candidates
// from both legs are merged by id and ranked with a composite score. When the
// embedding service is down the vector leg is skipped and results are marked
// degraded rather than failing the query.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/recallhq/recall/internal/cache"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/embedding"
	"github.com/recallhq/recall/internal/knowledge"
)

const (
	// candidateFactor widens the vector search so post-merge ranking has
	// enough candidates to reorder.
	candidateFactor = 2

	// recencyWindow is the age at which the recency component reaches zero.
	recencyWindow = 365 * 24 * time.Hour

	// frequencySaturation is the usage count at which the frequency component
	// reaches its maximum.
	frequencySaturation = 100
)

// Query is one retrieval request.
type Query struct {
	Text    string
	Context map[string]string
	K       int
	Kinds   []knowledge.Kind
}

// ScoredEntry is one ranked result with its score breakdown.
type ScoredEntry struct {
	Entry      knowledge.Entry
	Score      float64
	Similarity float64
	Components Components
}

// Components records the weighted inputs to the composite score.
type Components struct {
	Similarity float64
	Confidence float64
	Recency    float64
	Context    float64
	Frequency  float64
}

// Result is a ranked result set. Degraded is set when the vector leg was
// unavailable and only graph and context evidence contributed.
type Result struct {
	Items    []ScoredEntry
	Degraded bool
}

// Engine performs hybrid retrieval over a knowledge store.
type Engine struct {
	store    *knowledge.Store
	embedder *embedding.Service
	cfg      config.RetrievalConfig
	results  *cache.Results[Result]
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a retrieval Engine.
func New(store *knowledge.Store, embedder *embedding.Service, cfg config.RetrievalConfig, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var results *cache.Results[Result]
	if cfg.ResultCacheSize > 0 {
		results = cache.NewResults[Result](cfg.ResultCacheSize, cfg.ResultCacheTTL)
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		results:  results,
		logger:   logger,
		tracer:   otel.Tracer("recall/retrieval"),
		now:      time.Now,
	}, nil
}

// InvalidateCache drops all cached result sets. Called after writes that
// change ranking inputs, such as learning-loop merges.
func (e *Engine) InvalidateCache() {
	if e.results != nil {
		e.results.Purge()
	}
}

// Retrieve returns the top-k entries for the query.
func (e *Engine) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if q.Text == "" {
		return nil, fmt.Errorf("query text is required")
	}
	k := q.K
	if k <= 0 {
		k = e.cfg.DefaultK
	}

	ctx, span := e.tracer.Start(ctx, "retrieval.retrieve",
		trace.WithAttributes(attribute.Int("retrieval.k", k)))
	defer span.End()

	key := cache.QueryKey(q.Text, q.Context, k)
	if e.results != nil {
		if res, ok := e.results.Get(key); ok {
			span.SetAttributes(attribute.Bool("retrieval.cache_hit", true))
			return &res, nil
		}
	}

	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}

	var (
		matches  []knowledge.Match
		patterns []knowledge.ContextPattern
		degraded bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := e.embedder.Embed(gctx, q.Text)
		if err != nil {
			// Embedding being down must not fail retrieval. The context leg
			// still produces results; the caller sees the degraded flag.
			e.logger.Warn("vector leg unavailable, degrading to graph search", "error", err)
			degraded = true
			return nil
		}
		matches, err = e.store.VectorSearch(gctx, vec, k*candidateFactor, knowledge.SearchFilter{Kinds: q.Kinds})
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		patterns, err = e.store.MatchContextPatterns(gctx, contextKeys(q.Context))
		if err != nil {
			return fmt.Errorf("matching context patterns: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates, contextBoost, err := e.mergeCandidates(ctx, matches, patterns)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Items:    e.rank(candidates, contextBoost, k),
		Degraded: degraded,
	}
	span.SetAttributes(
		attribute.Int("retrieval.results", len(res.Items)),
		attribute.Bool("retrieval.degraded", degraded),
	)
	if e.results != nil && !degraded {
		e.results.Add(key, *res)
	}
	return res, nil
}

// mergeCandidates unions the vector matches with entries reached by walking
// graph edges from the activated and best-matching entries. The returned
// boost map carries per-entry context credit from fired patterns.
func (e *Engine) mergeCandidates(ctx context.Context, matches []knowledge.Match, patterns []knowledge.ContextPattern) (map[uuid.UUID]ScoredEntry, map[uuid.UUID]float64, error) {
	candidates := make(map[uuid.UUID]ScoredEntry, len(matches))
	for _, m := range matches {
		if m.Similarity <= e.cfg.SimilarityThreshold {
			continue
		}
		candidates[m.Entry.ID] = ScoredEntry{Entry: m.Entry, Similarity: m.Similarity}
	}

	contextBoost := make(map[uuid.UUID]float64)
	var seeds []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, p := range patterns {
		for _, id := range p.Activates {
			if contextBoost[id] < p.PriorityBoost {
				contextBoost[id] = p.PriorityBoost
			}
			if !seen[id] {
				seen[id] = true
				seeds = append(seeds, id)
			}
		}
	}
	for id := range candidates {
		if !seen[id] {
			seen[id] = true
			seeds = append(seeds, id)
		}
	}
	if len(seeds) == 0 {
		return candidates, contextBoost, nil
	}

	related, err := e.store.GraphSearch(ctx, seeds,
		[]knowledge.RelationKind{knowledge.RelationSimilarTo, knowledge.RelationRequires, knowledge.RelationDerivedFrom},
		e.cfg.GraphDepth)
	if err != nil {
		return nil, nil, fmt.Errorf("graph search: %w", err)
	}
	for _, entry := range related {
		if _, ok := candidates[entry.ID]; ok {
			continue
		}
		candidates[entry.ID] = ScoredEntry{Entry: entry}
		// Graph-derived entries earn partial context credit: they were
		// reached through the session's activation set.
		if contextBoost[entry.ID] == 0 {
			contextBoost[entry.ID] = 0.25
		}
	}
	return candidates, contextBoost, nil
}

// rank scores every candidate and returns the top k. Equal scores order by
// id ascending so repeated queries return identical rankings.
func (e *Engine) rank(candidates map[uuid.UUID]ScoredEntry, contextBoost map[uuid.UUID]float64, k int) []ScoredEntry {
	now := e.now()
	ranked := make([]ScoredEntry, 0, len(candidates))
	for id, c := range candidates {
		c.Components = Components{
			Similarity: c.Similarity,
			Confidence: c.Entry.Confidence,
			Recency:    recencyScore(now.Sub(c.Entry.UpdatedAt)),
			Context:    clamp01(contextBoost[id]),
			Frequency:  frequencyScore(c.Entry.UsageCount),
		}
		c.Score = e.cfg.WeightSimilarity*c.Components.Similarity +
			e.cfg.WeightConfidence*c.Components.Confidence +
			e.cfg.WeightRecency*c.Components.Recency +
			e.cfg.WeightContext*c.Components.Context +
			e.cfg.WeightFrequency*c.Components.Frequency
		ranked = append(ranked, c)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Entry.ID.String() < ranked[j].Entry.ID.String()
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// recencyScore decays linearly with age and bottoms out at zero after a year.
func recencyScore(age time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}
	return math.Max(0, 1-age.Hours()/recencyWindow.Hours())
}

// frequencyScore grows linearly with usage and caps at the saturation count.
func frequencyScore(usage int) float64 {
	if usage < 0 {
		usage = 0
	}
	return math.Min(1, float64(usage)/frequencySaturation)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func contextKeys(ctx map[string]string) []string {
	keys := make([]string, 0, len(ctx)*2)
	for k, v := range ctx {
		keys = append(keys, k)
		if v != "" {
			keys = append(keys, k+"="+v)
		}
	}
	sort.Strings(keys)
	return keys
}
