package learning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/embedding"
	"github.com/recallhq/recall/internal/knowledge"
)

// maintenanceBatch bounds per-pass work so a pass stays short even on a
// large store.
const maintenanceBatch = 200

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Deprecated int // stale entries soft-deleted
	Absorbed   int // duplicate pairs merged
	Backfilled int // missing embeddings generated
}

// Maintenance runs the periodic store hygiene pass: deprecate stale entries,
// merge near-duplicates, and backfill embeddings that ingest could not
// generate.
type Maintenance struct {
	store    *knowledge.Store
	embedder *embedding.Service
	cfg      config.LearningConfig
	logger   *slog.Logger
}

// NewMaintenance creates the maintenance job.
func NewMaintenance(store *knowledge.Store, embedder *embedding.Service, cfg config.LearningConfig, logger *slog.Logger) (*Maintenance, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{store: store, embedder: embedder, cfg: cfg, logger: logger}, nil
}

// Run executes passes on the configured interval until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) {
	interval := m.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Pass(ctx); err != nil {
				m.logger.Error("maintenance pass failed", "error", err)
			}
		}
	}
}

// Pass runs one maintenance pass. Each stage is independent: a failure in
// one is reported but does not stop the others.
func (m *Maintenance) Pass(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{}
	var firstErr error

	n, err := m.store.DeprecateStale(ctx, m.cfg.StaleWindow)
	if err != nil {
		firstErr = fmt.Errorf("deprecating stale entries: %w", err)
		m.logger.Warn("stale sweep failed", "error", err)
	} else {
		report.Deprecated = n
	}

	absorbed, err := m.dedup(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("dedup sweep: %w", err)
		}
		m.logger.Warn("dedup sweep failed", "error", err)
	}
	report.Absorbed = absorbed

	backfilled, err := m.backfill(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("embedding backfill: %w", err)
		}
		m.logger.Warn("embedding backfill failed", "error", err)
	}
	report.Backfilled = backfilled

	m.logger.Info("maintenance pass complete",
		"deprecated", report.Deprecated, "absorbed", report.Absorbed,
		"backfilled", report.Backfilled)
	return report, firstErr
}

// dedup merges near-duplicate pairs. The entry with the higher confidence
// survives; ties fall to higher usage, then to the older entry.
func (m *Maintenance) dedup(ctx context.Context) (int, error) {
	pairs, err := m.store.DuplicatePairs(ctx, m.cfg.DedupThreshold, maintenanceBatch)
	if err != nil {
		return 0, err
	}

	absorbed := 0
	for _, p := range pairs {
		a, err := m.store.Get(ctx, p.A)
		if err != nil {
			continue
		}
		b, err := m.store.Get(ctx, p.B)
		if err != nil {
			continue
		}
		// A pair member may have been absorbed by an earlier pair in this
		// same sweep.
		if a.Deprecated() || b.Deprecated() {
			continue
		}

		survivor, duplicate := chooseSurvivor(a, b)
		if err := m.store.AbsorbDuplicate(ctx, survivor.ID, duplicate.ID); err != nil {
			m.logger.Warn("absorb failed",
				"survivor", survivor.ID, "duplicate", duplicate.ID, "error", err)
			continue
		}
		absorbed++
	}
	return absorbed, nil
}

func chooseSurvivor(a, b *knowledge.Entry) (survivor, duplicate *knowledge.Entry) {
	switch {
	case a.Confidence != b.Confidence:
		if a.Confidence > b.Confidence {
			return a, b
		}
		return b, a
	case a.UsageCount != b.UsageCount:
		if a.UsageCount > b.UsageCount {
			return a, b
		}
		return b, a
	case a.CreatedAt.Before(b.CreatedAt):
		return a, b
	default:
		return b, a
	}
}

// backfill embeds entries that were stored without vectors.
func (m *Maintenance) backfill(ctx context.Context) (int, error) {
	entries, err := m.store.Unembedded(ctx, maintenanceBatch)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Content
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	done := 0
	for i, e := range entries {
		if err := m.store.SetEmbedding(ctx, e.ID, vecs[i]); err != nil {
			m.logger.Warn("backfill write failed", "entry", e.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}
