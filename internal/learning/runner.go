package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recallhq/recall/internal/ingest"
)

// maxBuffered caps the events held between learning passes. When the cap is
// hit the oldest events are discarded; mining keys on repetition, so losing
// the head of a long backlog costs little.
const maxBuffered = 10000

// Runner accumulates captured events and feeds them to the Loop on an
// interval. It attaches to the ingest pipeline as a tap so it sees the same
// stream the store does, without a second capture path.
type Runner struct {
	loop     *Loop
	interval time.Duration
	logger   *slog.Logger

	mu  sync.Mutex
	buf []ingest.Event
}

// NewRunner creates a Runner driving the given loop.
func NewRunner(loop *Loop, interval time.Duration, logger *slog.Logger) (*Runner, error) {
	if loop == nil {
		return nil, fmt.Errorf("loop is required")
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{loop: loop, interval: interval, logger: logger}, nil
}

// Observe records one event for the next learning pass. Safe for concurrent
// use; intended as a Pipeline tap.
func (r *Runner) Observe(e ingest.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= maxBuffered {
		drop := len(r.buf) - maxBuffered + 1
		r.buf = r.buf[drop:]
	}
	r.buf = append(r.buf, e)
}

// Pending returns the number of buffered events.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Run mines buffered events every interval until ctx is cancelled. A final
// pass drains whatever remains on the way out.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.pass(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			r.pass(drainCtx)
			cancel()
			return
		}
	}
}

// Mine runs one learning pass immediately over the buffered events.
func (r *Runner) Mine(ctx context.Context) (*Report, error) {
	events := r.take()
	if len(events) == 0 {
		return &Report{}, nil
	}
	return r.loop.Learn(ctx, events)
}

func (r *Runner) pass(ctx context.Context) {
	events := r.take()
	if len(events) == 0 {
		return
	}
	if _, err := r.loop.Learn(ctx, events); err != nil {
		r.logger.Error("learning pass failed", "events", len(events), "error", err)
	}
}

func (r *Runner) take() []ingest.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.buf
	r.buf = nil
	return events
}
