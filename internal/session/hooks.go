package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/ingest"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/learning"
	"github.com/recallhq/recall/internal/retrieval"
)

// Learner runs an immediate learning pass over the captured event stream and
// reports the entries it produced.
type Learner interface {
	Mine(ctx context.Context) (*learning.Report, error)
}

// Hooks is the integration surface a session host calls at lifecycle points.
// Each hook is tolerant: capture failures are logged, never propagated, so a
// broken knowledge engine cannot break the session it observes.
type Hooks struct {
	sessions  *Store
	knowledge *knowledge.Store
	pipeline  *ingest.Pipeline
	engine    *retrieval.Engine
	learner   Learner
	logger    *slog.Logger
}

// NewHooks wires the lifecycle hooks.
func NewHooks(sessions *Store, ks *knowledge.Store, pipeline *ingest.Pipeline, engine *retrieval.Engine, logger *slog.Logger) (*Hooks, error) {
	if sessions == nil || ks == nil || pipeline == nil || engine == nil {
		return nil, fmt.Errorf("all dependencies are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{sessions: sessions, knowledge: ks, pipeline: pipeline, engine: engine, logger: logger}, nil
}

// AttachLearner enables the end-of-session learning pass. Without one,
// OnSessionEnd records feedback only.
func (h *Hooks) AttachLearner(l Learner) {
	h.learner = l
}

// OnSessionStart opens a session and returns knowledge relevant to its
// context, recording what was surfaced.
func (h *Hooks) OnSessionStart(ctx context.Context, sessionCtx map[string]string, query string) (*Session, []retrieval.ScoredEntry, error) {
	sess, err := h.sessions.Begin(ctx, sessionCtx)
	if err != nil {
		return nil, nil, err
	}
	if query == "" {
		return sess, nil, nil
	}

	res, err := h.engine.Retrieve(ctx, retrieval.Query{Text: query, Context: sessionCtx})
	if err != nil {
		h.logger.Warn("startup retrieval failed", "session", sess.ID, "error", err)
		return sess, nil, nil
	}

	applied := make([]Applied, len(res.Items))
	for i, item := range res.Items {
		applied[i] = Applied{EntryID: item.Entry.ID, Score: item.Score}
	}
	if err := h.sessions.RecordApplied(ctx, sess.ID, applied); err != nil {
		h.logger.Warn("recording applied knowledge failed", "session", sess.ID, "error", err)
	}
	return sess, res.Items, nil
}

// OnToolInvocation captures a tool use observation.
func (h *Hooks) OnToolInvocation(sessionID uuid.UUID, tool, detail, agentType, phase string, success bool) {
	err := h.pipeline.Capture(ingest.Event{
		Type:      ingest.EventToolInvocation,
		SessionID: sessionID.String(),
		Tool:      tool,
		Detail:    detail,
		AgentType: agentType,
		SDLCPhase: phase,
		Success:   success,
	})
	if err != nil {
		h.logger.Warn("tool event dropped", "session", sessionID, "error", err)
	}
}

// OnErrorResolved captures an error together with the resolution that fixed
// it. Unresolved errors are not knowledge and are not captured.
func (h *Hooks) OnErrorResolved(sessionID uuid.UUID, errText, resolution, phase string) {
	err := h.pipeline.Capture(ingest.Event{
		Type:      ingest.EventErrorResolved,
		SessionID: sessionID.String(),
		Detail:    errText,
		Outcome:   resolution,
		SDLCPhase: phase,
		Success:   true,
	})
	if err != nil {
		h.logger.Warn("error-resolution event dropped", "session", sessionID, "error", err)
	}
}

// OnFeedback records whether a surfaced entry helped, updating both the
// session record and the entry's outcome counts.
func (h *Hooks) OnFeedback(ctx context.Context, sessionID, entryID uuid.UUID, success bool) error {
	if err := h.sessions.RecordOutcome(ctx, sessionID, entryID, success); err != nil {
		return err
	}
	if _, err := h.knowledge.UpdateCounts(ctx, entryID, success); err != nil {
		return fmt.Errorf("updating entry counts: %w", err)
	}
	return nil
}

// OnSessionEnd closes the session, applies implicit feedback, and runs a
// learning pass over what was captured. Applied entries whose outcome never
// arrived inherit the session-level verdict: the session score decides
// whether each counts as a success or a failure.
func (h *Hooks) OnSessionEnd(ctx context.Context, sessionID uuid.UUID, successScore float64) (*Session, error) {
	sess, err := h.sessions.End(ctx, sessionID, successScore)
	if err != nil {
		return nil, err
	}

	const implicitThreshold = 0.5
	success := successScore >= implicitThreshold
	for _, a := range sess.Applied {
		if a.Outcome != nil {
			continue
		}
		if _, err := h.knowledge.UpdateCounts(ctx, a.EntryID, success); err != nil {
			h.logger.Warn("implicit feedback failed", "entry", a.EntryID, "error", err)
		}
	}

	if h.learner != nil {
		report, err := h.learner.Mine(ctx)
		switch {
		case err != nil:
			h.logger.Warn("end-of-session learning failed", "session", sessionID, "error", err)
		case len(report.CreatedIDs) > 0:
			if err := h.sessions.RecordLearned(ctx, sessionID, report.CreatedIDs); err != nil {
				h.logger.Warn("recording learned knowledge failed", "session", sessionID, "error", err)
			} else {
				sess.Learned = append(sess.Learned, report.CreatedIDs...)
			}
		}
	}
	return sess, nil
}

// OnError looks up a stored resolution for a live error. A nil result means
// nothing relevant is known.
func (h *Hooks) OnError(ctx context.Context, errText string, sessionCtx map[string]string) (*retrieval.ScoredEntry, error) {
	if errText == "" {
		return nil, fmt.Errorf("error text is required")
	}
	res, err := h.engine.Retrieve(ctx, retrieval.Query{
		Text:    errText,
		Context: sessionCtx,
		K:       1,
		Kinds:   []knowledge.Kind{knowledge.KindErrorResolution},
	})
	if err != nil {
		return nil, fmt.Errorf("resolution lookup: %w", err)
	}
	if len(res.Items) == 0 {
		return nil, nil
	}
	item := res.Items[0]
	return &item, nil
}
