// Package learning distills session activity into durable knowledge and
// keeps the store healthy over time.
//
// The loop mines recurring behavior out of captured events: tool invocations
// that repeat become tool-usage entries, repeated per-session tool sequences
// become workflows, and every resolved error is a candidate on its own. Each
// candidate is checked against its nearest stored neighbor; near-duplicates
// reinforce the existing entry instead of creating a sibling.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/embedding"
	"github.com/recallhq/recall/internal/ingest"
	"github.com/recallhq/recall/internal/knowledge"
)

// Report summarizes one learning pass.
type Report struct {
	Mined      int         // candidates produced by mining
	Created    int         // new entries written
	Merged     int         // candidates folded into existing entries
	Skipped    int         // candidates dropped (no embedding, invalid)
	CreatedIDs []uuid.UUID // ids of the new entries, in mining order
}

// candidate is one mined unit of knowledge pending dedup.
type candidate struct {
	kind       knowledge.Kind
	content    string
	summary    string
	confidence float64
	phase      string
	agents     []string
}

// Loop mines knowledge from observed events.
type Loop struct {
	store    *knowledge.Store
	embedder *embedding.Service
	cfg      config.LearningConfig
	logger   *slog.Logger
}

// NewLoop creates a learning Loop.
func NewLoop(store *knowledge.Store, embedder *embedding.Service, cfg config.LearningConfig, logger *slog.Logger) (*Loop, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.DedupThreshold <= 0 || cfg.DedupThreshold > 1 {
		return nil, fmt.Errorf("dedup threshold %f out of (0,1]", cfg.DedupThreshold)
	}
	if cfg.MinSequenceRepeat < 2 {
		cfg.MinSequenceRepeat = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{store: store, embedder: embedder, cfg: cfg, logger: logger}, nil
}

// Learn mines the given events and writes or reinforces entries.
func (l *Loop) Learn(ctx context.Context, events []ingest.Event) (*Report, error) {
	byType := partition(events)

	var candidates []candidate
	candidates = append(candidates, mineToolUsage(byType[ingest.EventToolInvocation], l.cfg.MinSequenceRepeat)...)
	candidates = append(candidates, mineWorkflows(byType[ingest.EventToolInvocation], l.cfg.MinSequenceRepeat)...)
	candidates = append(candidates, mineErrorResolutions(byType[ingest.EventErrorResolved])...)

	report := &Report{Mined: len(candidates)}
	for _, c := range candidates {
		id, created, merged, err := l.absorb(ctx, c)
		if err != nil {
			l.logger.Warn("candidate skipped", "kind", c.kind, "error", err)
			report.Skipped++
			continue
		}
		if created {
			report.Created++
			report.CreatedIDs = append(report.CreatedIDs, id)
		}
		if merged {
			report.Merged++
		}
	}

	l.logger.Info("learning pass complete",
		"mined", report.Mined, "created", report.Created,
		"merged", report.Merged, "skipped", report.Skipped)
	return report, nil
}

// absorb stores one candidate, folding it into a near-duplicate when the
// nearest same-kind neighbor clears the dedup threshold.
func (l *Loop) absorb(ctx context.Context, c candidate) (id uuid.UUID, created, merged bool, err error) {
	vec, err := l.embedder.Embed(ctx, c.content)
	if err != nil {
		return uuid.Nil, false, false, fmt.Errorf("embedding candidate: %w", err)
	}

	match, err := l.store.Nearest(ctx, vec, c.kind)
	if err != nil {
		return uuid.Nil, false, false, fmt.Errorf("nearest lookup: %w", err)
	}
	if match != nil && match.Similarity > l.cfg.DedupThreshold {
		if _, err := l.store.MergeObservation(ctx, match.Entry.ID, c.confidence); err != nil {
			return uuid.Nil, false, false, fmt.Errorf("merging into %s: %w", match.Entry.ID, err)
		}
		return match.Entry.ID, false, true, nil
	}

	id, err = l.store.Put(ctx, knowledge.Entry{
		Kind:       c.kind,
		Content:    c.content,
		Summary:    c.summary,
		Embedding:  vec,
		Confidence: c.confidence,
		SDLCPhase:  c.phase,
		AgentTypes: c.agents,
	})
	if err != nil {
		return uuid.Nil, false, false, fmt.Errorf("storing candidate: %w", err)
	}
	return id, true, false, nil
}

func partition(events []ingest.Event) map[ingest.EventType][]ingest.Event {
	out := make(map[ingest.EventType][]ingest.Event)
	for _, e := range events {
		out[e.Type] = append(out[e.Type], e)
	}
	return out
}

// mineToolUsage finds identical tool invocations repeated across sessions.
func mineToolUsage(events []ingest.Event, minRepeat int) []candidate {
	type stats struct {
		count   int
		success int
		sample  ingest.Event
	}
	byKey := make(map[string]*stats)
	for _, e := range events {
		key := e.Tool + "\x00" + normalizeDetail(e.Detail)
		st, ok := byKey[key]
		if !ok {
			st = &stats{sample: e}
			byKey[key] = st
		}
		st.count++
		if e.Success {
			st.success++
		}
	}

	var out []candidate
	for _, st := range byKey {
		if st.count < minRepeat {
			continue
		}
		out = append(out, candidate{
			kind:       knowledge.KindToolUsage,
			content:    strings.TrimSpace(st.sample.Tool + ": " + st.sample.Detail),
			summary:    st.sample.Tool + " usage seen " + fmt.Sprint(st.count) + " times",
			confidence: float64(st.success) / float64(st.count),
			phase:      st.sample.SDLCPhase,
			agents:     agentsOf(st.sample),
		})
	}
	sortCandidates(out)
	return out
}

// mineWorkflows finds per-session tool sequences that recur across sessions.
func mineWorkflows(events []ingest.Event, minRepeat int) []candidate {
	bySession := make(map[string][]string)
	var order []string
	for _, e := range events {
		if e.SessionID == "" || e.Tool == "" {
			continue
		}
		if _, ok := bySession[e.SessionID]; !ok {
			order = append(order, e.SessionID)
		}
		bySession[e.SessionID] = append(bySession[e.SessionID], e.Tool)
	}

	seqCount := make(map[string]int)
	for _, sid := range order {
		tools := bySession[sid]
		if len(tools) < 2 {
			continue
		}
		seqCount[strings.Join(tools, " -> ")]++
	}

	var out []candidate
	for seq, n := range seqCount {
		if n < minRepeat {
			continue
		}
		out = append(out, candidate{
			kind:       knowledge.KindWorkflow,
			content:    "workflow: " + seq,
			summary:    "recurring workflow (" + fmt.Sprint(n) + " sessions)",
			confidence: 0.5,
		})
	}
	sortCandidates(out)
	return out
}

// mineErrorResolutions promotes every resolved error to a candidate; even a
// single resolution is worth keeping.
func mineErrorResolutions(events []ingest.Event) []candidate {
	var out []candidate
	for _, e := range events {
		if e.Detail == "" || e.Outcome == "" {
			continue
		}
		out = append(out, candidate{
			kind:       knowledge.KindErrorResolution,
			content:    "error: " + e.Detail + "\nresolution: " + e.Outcome,
			summary:    firstLine(e.Detail),
			confidence: 0.6,
			phase:      e.SDLCPhase,
			agents:     agentsOf(e),
		})
	}
	sortCandidates(out)
	return out
}

// sortCandidates fixes iteration order so repeated passes over identical
// input behave identically.
func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].content < cs[j].content })
}

func agentsOf(e ingest.Event) []string {
	if e.AgentType == "" {
		return nil
	}
	return []string{e.AgentType}
}

func normalizeDetail(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxSummary = 200
	if len(s) > maxSummary {
		s = s[:maxSummary]
	}
	return s
}
