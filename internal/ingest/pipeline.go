// Package ingest turns raw session events into stored knowledge entries.
//
// Events are classified into entry kinds, routed to a shard by content hash,
// and buffered. Each shard is owned by a single goroutine, so buffer access
// needs no locking; a shard flushes when it reaches the batch size or when
// its oldest event exceeds the flush interval. A flush embeds the batch in
// one backend call and writes it in one pipelined transaction. When the
// embedding service is down entries are stored without vectors rather than
// dropped; maintenance backfills them later.
package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/embedding"
	"github.com/recallhq/recall/internal/knowledge"
)

// EventType says what happened in the session.
type EventType string

const (
	EventToolInvocation    EventType = "tool_invocation"
	EventErrorResolved     EventType = "error_resolved"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventPreferenceStated  EventType = "preference_stated"
	EventPatternObserved   EventType = "pattern_observed"
)

// Event is one observation captured from a live session.
type Event struct {
	Type      EventType
	SessionID string
	AgentType string
	SDLCPhase string
	Tool      string
	Detail    string // what happened: command, error text, preference, steps
	Outcome   string // how it resolved, empty for observations without one
	Success   bool
	Time      time.Time
}

// Pipeline batches events into knowledge entries.
type Pipeline struct {
	store    *knowledge.Store
	embedder *embedding.Service
	cfg      config.IngestConfig
	logger   *slog.Logger

	shards  []chan Event
	wg      sync.WaitGroup
	flushes *errgroup.Group
	started bool
	mu      sync.Mutex

	tap func(Event)
}

// Tap registers an observer invoked for every event accepted by Capture or
// CaptureSync. The learning loop uses this to mine patterns from the raw
// stream. Must be called before Run.
func (p *Pipeline) Tap(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tap = fn
}

// New creates a Pipeline. Run must be called before Capture.
func New(store *knowledge.Store, embedder *embedding.Service, cfg config.IngestConfig, logger *slog.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Shards < 1 {
		return nil, fmt.Errorf("shard count must be positive, got %d", cfg.Shards)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.FlushWorkers < 1 {
		cfg.FlushWorkers = cfg.Shards
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Run starts the shard workers. They drain until ctx is cancelled or Close is
// called, flushing whatever remains in their buffers on the way out.
func (p *Pipeline) Run(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	// Flushes from all shards share one bounded group so a slow store cannot
	// spawn an unbounded number of in-flight batches.
	if p.cfg.FlushWorkers < 1 {
		p.cfg.FlushWorkers = p.cfg.Shards
	}
	p.flushes = &errgroup.Group{}
	p.flushes.SetLimit(p.cfg.FlushWorkers)

	p.shards = make([]chan Event, p.cfg.Shards)
	for i := range p.shards {
		// Channel capacity absorbs bursts between flushes.
		p.shards[i] = make(chan Event, p.cfg.BatchSize*2)
		p.wg.Add(1)
		go p.runShard(ctx, p.shards[i])
	}
}

// Close stops accepting events, flushes all shard buffers, and waits for the
// workers to exit.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	shards := p.shards
	p.shards = nil
	p.mu.Unlock()

	for _, ch := range shards {
		close(ch)
	}
	p.wg.Wait()
	p.flushes.Wait()
}

// Capture routes an event to its shard. It never blocks the session: when a
// shard's buffer is full the event is dropped and counted, matching the
// engine's stance that losing an observation beats stalling the caller.
func (p *Pipeline) Capture(e Event) error {
	entry, ok := classify(e)
	if !ok {
		return fmt.Errorf("unclassifiable event type %q", e.Type)
	}

	p.mu.Lock()
	shards := p.shards
	tap := p.tap
	p.mu.Unlock()
	if shards == nil {
		return fmt.Errorf("pipeline is not running")
	}

	idx := shardIndex(entry.Content, len(shards))
	select {
	case shards[idx] <- e:
		if tap != nil {
			tap(e)
		}
		return nil
	default:
		p.logger.Warn("shard buffer full, dropping event", "shard", idx, "type", e.Type)
		return fmt.Errorf("shard %d buffer full", idx)
	}
}

// CaptureSync classifies, embeds, and stores an event immediately, bypassing
// the batching path. Used for low-volume, high-value observations such as
// stated preferences.
func (p *Pipeline) CaptureSync(ctx context.Context, e Event) (*knowledge.Entry, error) {
	entry, ok := classify(e)
	if !ok {
		return nil, fmt.Errorf("unclassifiable event type %q", e.Type)
	}
	p.mu.Lock()
	tap := p.tap
	p.mu.Unlock()
	if tap != nil {
		tap(e)
	}
	if vec, err := p.embedder.Embed(ctx, entry.Content); err == nil {
		entry.Embedding = vec
	} else {
		p.logger.Warn("storing entry without embedding", "error", err)
	}
	id, err := p.store.Put(ctx, entry)
	if err != nil {
		return nil, err
	}
	entry.ID = id
	return &entry, nil
}

func (p *Pipeline) runShard(ctx context.Context, ch <-chan Event) {
	defer p.wg.Done()

	buf := make([]Event, 0, p.cfg.BatchSize)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		batch := append([]Event(nil), buf...)
		buf = buf[:0]
		p.flushes.Go(func() error {
			p.flush(batch)
			return nil
		})
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				flush()
				return
			}
			buf = append(buf, e)
			if len(buf) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// flush embeds and stores one shard batch. Uses a fresh context so a
// cancelled run context cannot lose buffered events on shutdown.
func (p *Pipeline) flush(events []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries := make([]knowledge.Entry, 0, len(events))
	texts := make([]string, 0, len(events))
	for _, e := range events {
		entry, ok := classify(e)
		if !ok {
			continue
		}
		entries = append(entries, entry)
		texts = append(texts, entry.Content)
	}
	if len(entries) == 0 {
		return
	}

	if vecs, err := p.embedder.EmbedBatch(ctx, texts); err == nil {
		for i := range entries {
			entries[i].Embedding = vecs[i]
		}
	} else {
		p.logger.Warn("flushing batch without embeddings", "entries", len(entries), "error", err)
	}

	if _, err := p.store.PutBatch(ctx, entries); err != nil {
		p.logger.Error("batch flush failed", "entries", len(entries), "error", err)
		return
	}
	p.logger.Debug("batch flushed", "entries", len(entries))
}

// classify maps an event onto an entry kind with content and summary derived
// from what the event recorded.
func classify(e Event) (knowledge.Entry, bool) {
	var (
		kind    knowledge.Kind
		content string
		summary string
	)
	switch e.Type {
	case EventToolInvocation:
		kind = knowledge.KindToolUsage
		content = strings.TrimSpace(e.Tool + ": " + e.Detail)
		summary = firstLine(e.Detail)
	case EventErrorResolved:
		kind = knowledge.KindErrorResolution
		content = strings.TrimSpace("error: " + e.Detail + "\nresolution: " + e.Outcome)
		summary = firstLine(e.Detail)
	case EventWorkflowCompleted:
		kind = knowledge.KindWorkflow
		content = strings.TrimSpace(e.Detail)
		summary = firstLine(e.Detail)
	case EventPreferenceStated:
		kind = knowledge.KindUserPreference
		content = strings.TrimSpace(e.Detail)
		summary = firstLine(e.Detail)
	case EventPatternObserved:
		kind = knowledge.KindCodePattern
		content = strings.TrimSpace(e.Detail)
		summary = firstLine(e.Detail)
	default:
		return knowledge.Entry{}, false
	}
	if content == "" {
		return knowledge.Entry{}, false
	}

	entry := knowledge.Entry{
		Kind:      kind,
		Content:   content,
		Summary:   summary,
		SDLCPhase: e.SDLCPhase,
	}
	if e.AgentType != "" {
		entry.AgentTypes = []string{e.AgentType}
	}
	if e.Success {
		entry.SuccessCount = 1
	} else if e.Outcome != "" {
		// An outcome exists but it was not a success.
		entry.FailureCount = 1
	}
	return entry, true
}

func shardIndex(content string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(content))
	return int(h.Sum32() % uint32(shards))
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
