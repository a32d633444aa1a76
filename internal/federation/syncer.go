package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/knowledge"
)

// maxPullPages bounds one pull cycle so a misbehaving peer cannot pin a
// worker with an endless cursor chain.
const maxPullPages = 50

// Syncer runs one worker per configured peer. Workers are fully isolated: a
// peer stuck in backoff has no effect on the others' schedules.
type Syncer struct {
	store      *knowledge.Store
	receiver   *Receiver
	anonymizer *Anonymizer
	cfg        config.FederationConfig
	logger     *slog.Logger
	tracer     trace.Tracer
	workers    []*peerWorker
}

// peerWorker is the per-peer state machine. state transitions:
// idle -> pushing -> pulling -> idle on success, any -> failed on error,
// failed -> pushing when the backoff expires and the next cycle starts.
type peerWorker struct {
	client  *Client
	limiter *rate.Limiter
	backoff *backoff.ExponentialBackOff

	mu          sync.Mutex
	state       State
	lastSync    time.Time
	lastErr     string
	consecutive int
}

func (w *peerWorker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *peerWorker) recordSuccess(now time.Time) {
	w.mu.Lock()
	w.state = StateIdle
	w.lastSync = now
	w.lastErr = ""
	w.consecutive = 0
	w.mu.Unlock()
	w.backoff.Reset()
}

func (w *peerWorker) recordFailure(err error) {
	w.mu.Lock()
	w.state = StateFailed
	w.lastErr = err.Error()
	w.consecutive++
	w.mu.Unlock()
}

func (w *peerWorker) status() PeerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return PeerStatus{
		Name:        w.client.Name(),
		State:       w.state,
		LastSync:    w.lastSync,
		LastError:   w.lastErr,
		Consecutive: w.consecutive,
	}
}

// NewSyncer wires workers for every configured peer. A peer with an invalid
// URL fails construction rather than being silently skipped.
func NewSyncer(store *knowledge.Store, receiver *Receiver, anonymizer *Anonymizer, clients []*Client, cfg config.FederationConfig, logger *slog.Logger) (*Syncer, error) {
	if store == nil || receiver == nil || anonymizer == nil {
		return nil, fmt.Errorf("store, receiver, and anonymizer are required")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	workers := make([]*peerWorker, 0, len(clients))
	for _, client := range clients {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 5 * time.Second
		bo.MaxInterval = 10 * time.Minute
		workers = append(workers, &peerWorker{
			client: client,
			// One request per second per peer keeps page loops polite.
			limiter: rate.NewLimiter(rate.Every(time.Second), 1),
			backoff: bo,
			state:   StateIdle,
		})
	}
	return &Syncer{
		store:      store,
		receiver:   receiver,
		anonymizer: anonymizer,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("recall/federation"),
		workers:    workers,
	}, nil
}

// Status snapshots every peer worker, sorted by peer name.
func (s *Syncer) Status() []PeerStatus {
	out := make([]PeerStatus, len(s.workers))
	for i, w := range s.workers {
		out[i] = w.status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run drives all peer workers until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	interval := s.cfg.SyncInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w *peerWorker) {
			defer wg.Done()
			s.runWorker(ctx, w, interval)
		}(w)
	}
	wg.Wait()
}

func (s *Syncer) runWorker(ctx context.Context, w *peerWorker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.syncOnce(ctx, w); err != nil {
			w.recordFailure(err)
			s.logger.Warn("peer sync failed",
				"peer", w.client.Name(), "consecutive", w.status().Consecutive, "error", err)

			// Park in the failed state for the backoff duration; the regular
			// ticker keeps firing but the next attempt waits this out.
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff.NextBackOff()):
			}
			continue
		}
		w.recordSuccess(time.Now())
		s.logger.Debug("peer sync complete", "peer", w.client.Name())
	}
}

// SyncNow runs one full cycle against every peer immediately. Used by the
// CLI; the background workers stay on their own schedule.
func (s *Syncer) SyncNow(ctx context.Context) error {
	var firstErr error
	for _, w := range s.workers {
		if err := s.syncOnce(ctx, w); err != nil {
			w.recordFailure(err)
			if firstErr == nil {
				firstErr = fmt.Errorf("peer %s: %w", w.client.Name(), err)
			}
			continue
		}
		w.recordSuccess(time.Now())
	}
	return firstErr
}

func (s *Syncer) syncOnce(ctx context.Context, w *peerWorker) error {
	w.setState(StatePushing)
	if err := s.push(ctx, w); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	w.setState(StatePulling)
	if err := s.pull(ctx, w); err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	return nil
}

// push offers this store's proven entries to the peer.
func (s *Syncer) push(ctx context.Context, w *peerWorker) (retErr error) {
	ctx, span := s.tracer.Start(ctx, "federation.push",
		trace.WithAttributes(attribute.String("federation.peer", w.client.Name())))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	candidates, err := s.store.PushCandidates(ctx, s.cfg.PushMinConfidence, s.cfg.PushMinUsage, s.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("selecting candidates: %w", err)
	}
	shared := s.anonymizer.AnonymizeBatch(candidates)
	if len(shared) == 0 {
		return nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := w.client.Push(ctx, PushRequest{ProjectID: s.cfg.ProjectID, Entries: shared})
	if err != nil {
		return err
	}
	s.logger.Info("pushed to peer", "peer", w.client.Name(),
		"offered", len(shared), "accepted", resp.Accepted, "merged", resp.Merged, "rejected", resp.Rejected)
	return nil
}

// pull walks the peer's pages and applies each entry through the same
// validation pipeline a push goes through.
func (s *Syncer) pull(ctx context.Context, w *peerWorker) (retErr error) {
	ctx, span := s.tracer.Start(ctx, "federation.pull",
		trace.WithAttributes(attribute.String("federation.peer", w.client.Name())))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
		}
		span.End()
	}()

	cursor := ""
	applied, rejected := 0, 0

	for page := 0; page < maxPullPages; page++ {
		pageCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)

		if err := w.limiter.Wait(pageCtx); err != nil {
			cancel()
			return err
		}
		resp, err := w.client.Pull(pageCtx, cursor)
		if err != nil {
			cancel()
			return err
		}

		for _, entry := range resp.Entries {
			if err := s.applyRemote(pageCtx, entry); err != nil {
				rejected++
				s.logger.Warn("pulled entry rejected", "peer", w.client.Name(), "error", err)
				continue
			}
			applied++
		}
		cancel()

		if resp.NextToken == "" {
			break
		}
		cursor = resp.NextToken
	}

	if applied > 0 || rejected > 0 {
		s.logger.Info("pulled from peer", "peer", w.client.Name(),
			"applied", applied, "rejected", rejected)
	}
	return nil
}

// applyRemote validates and applies one pulled entry. The schema stage needs
// the JSON shape, so the entry round-trips through encoding first.
func (s *Syncer) applyRemote(ctx context.Context, entry SharedEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry for validation: %w", err)
	}
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("decoding entry for validation: %w", err)
	}

	if err := s.receiver.validator.Validate(raw, entry); err != nil {
		return err
	}
	_, _, err = s.receiver.apply(ctx, entry)
	return err
}
