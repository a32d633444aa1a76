package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/embedding"
	"github.com/recallhq/recall/internal/ingest"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/learning"
	"github.com/recallhq/recall/internal/retrieval"
	"github.com/recallhq/recall/internal/session"
	"github.com/recallhq/recall/internal/testutil"
)

const testDim = 768

type hooksFixture struct {
	hooks     *session.Hooks
	sessions  *session.Store
	knowledge *knowledge.Store
	embedder  *embedding.Service
	runner    *learning.Runner
}

func newHooksFixture(t *testing.T) *hooksFixture {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	ks, err := knowledge.NewStore(db.Pool, testDim, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("knowledge.NewStore: %v", err)
	}
	fe := testutil.NewFakeEmbedder(testDim)
	svc, err := embedding.New(fe, nil, testDim, 5*time.Second, nil, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("embedding.New: %v", err)
	}
	engine, err := retrieval.New(ks, svc, config.RetrievalConfig{
		SimilarityThreshold: 0.2,
		DefaultK:            5,
		GraphDepth:          2,
		QueryTimeout:        10 * time.Second,
		WeightSimilarity:    0.40,
		WeightConfidence:    0.20,
		WeightRecency:       0.15,
		WeightContext:       0.15,
		WeightFrequency:     0.10,
	}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("retrieval.New: %v", err)
	}
	pipeline, err := ingest.New(ks, svc, config.IngestConfig{
		BatchSize: 4, Shards: 1, FlushInterval: time.Hour,
	}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("ingest.New: %v", err)
	}
	sessions, err := session.NewStore(db.Pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("session.NewStore: %v", err)
	}
	hooks, err := session.NewHooks(sessions, ks, pipeline, engine, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewHooks: %v", err)
	}

	loop, err := learning.NewLoop(ks, svc, config.LearningConfig{
		DedupThreshold: 0.95, MinSequenceRepeat: 2,
	}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("learning.NewLoop: %v", err)
	}
	runner, err := learning.NewRunner(loop, time.Hour, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("learning.NewRunner: %v", err)
	}

	return &hooksFixture{hooks: hooks, sessions: sessions, knowledge: ks, embedder: svc, runner: runner}
}

func (f *hooksFixture) seed(t *testing.T, ctx context.Context, e knowledge.Entry) uuid.UUID {
	t.Helper()
	vec, err := f.embedder.Embed(ctx, e.Content)
	if err != nil {
		t.Fatalf("Embed %q: %v", e.Content, err)
	}
	e.Embedding = vec
	id, err := f.knowledge.Put(ctx, e)
	if err != nil {
		t.Fatalf("Put %q: %v", e.Content, err)
	}
	return id
}

func TestOnSessionEndImplicitFeedback(t *testing.T) {
	tests := []struct {
		name        string
		score       float64
		wantSuccess int
		wantFailure int
	}{
		{"good session counts as success", 0.7, 1, 0},
		{"boundary score counts as success", 0.5, 1, 0},
		{"bad session counts as failure", 0.3, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHooksFixture(t)
			ctx := t.Context()

			entryID := f.seed(t, ctx, knowledge.Entry{
				Kind:    knowledge.KindWorkflow,
				Content: "run migrations before deploying",
			})
			sess, err := f.sessions.Begin(ctx, nil)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			if err := f.sessions.RecordApplied(ctx, sess.ID, []session.Applied{{EntryID: entryID, Score: 0.8}}); err != nil {
				t.Fatalf("RecordApplied: %v", err)
			}

			if _, err := f.hooks.OnSessionEnd(ctx, sess.ID, tt.score); err != nil {
				t.Fatalf("OnSessionEnd: %v", err)
			}

			entry, err := f.knowledge.Get(ctx, entryID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if entry.SuccessCount != tt.wantSuccess || entry.FailureCount != tt.wantFailure {
				t.Fatalf("counts = %d/%d, want %d/%d",
					entry.SuccessCount, entry.FailureCount, tt.wantSuccess, tt.wantFailure)
			}
		})
	}
}

func TestOnSessionEndDoesNotOverrideExplicitOutcome(t *testing.T) {
	f := newHooksFixture(t)
	ctx := t.Context()

	entryID := f.seed(t, ctx, knowledge.Entry{
		Kind:    knowledge.KindToolUsage,
		Content: "psql with the service connection string",
	})
	sess, err := f.sessions.Begin(ctx, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.sessions.RecordApplied(ctx, sess.ID, []session.Applied{{EntryID: entryID, Score: 0.9}}); err != nil {
		t.Fatalf("RecordApplied: %v", err)
	}
	if err := f.hooks.OnFeedback(ctx, sess.ID, entryID, false); err != nil {
		t.Fatalf("OnFeedback: %v", err)
	}

	// The explicit failure already counted; a successful session end must
	// not add a second observation for the same entry.
	if _, err := f.hooks.OnSessionEnd(ctx, sess.ID, 1.0); err != nil {
		t.Fatalf("OnSessionEnd: %v", err)
	}
	entry, err := f.knowledge.Get(ctx, entryID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.SuccessCount != 0 || entry.FailureCount != 1 {
		t.Fatalf("counts = %d/%d, want 0/1", entry.SuccessCount, entry.FailureCount)
	}
}

func TestOnSessionEndRunsLearning(t *testing.T) {
	f := newHooksFixture(t)
	f.hooks.AttachLearner(f.runner)
	ctx := t.Context()

	sess, err := f.sessions.Begin(ctx, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	f.runner.Observe(ingest.Event{
		Type:      ingest.EventErrorResolved,
		SessionID: sess.ID.String(),
		Detail:    "null pointer in auth handler",
		Outcome:   "guard the nil session before use",
		Success:   true,
	})

	ended, err := f.hooks.OnSessionEnd(ctx, sess.ID, 0.9)
	if err != nil {
		t.Fatalf("OnSessionEnd: %v", err)
	}
	if len(ended.Learned) != 1 {
		t.Fatalf("learned = %v, want one mined entry", ended.Learned)
	}

	stored, err := f.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	if len(stored.Learned) != 1 || stored.Learned[0] != ended.Learned[0] {
		t.Fatalf("persisted learned = %v, want %v", stored.Learned, ended.Learned)
	}
	if _, err := f.knowledge.Get(ctx, ended.Learned[0]); err != nil {
		t.Fatalf("learned entry not stored: %v", err)
	}
}

func TestOnErrorReturnsResolutionOrNone(t *testing.T) {
	f := newHooksFixture(t)
	ctx := t.Context()

	stored := f.seed(t, ctx, knowledge.Entry{
		Kind:    knowledge.KindErrorResolution,
		Content: "error: database connection timeout\nresolution: raise the pool size",
		Summary: "raise the pool size",
	})
	f.seed(t, ctx, knowledge.Entry{
		Kind:    knowledge.KindWorkflow,
		Content: "database connection timeout checklist",
	})

	got, err := f.hooks.OnError(ctx, "database connection timeout", nil)
	if err != nil {
		t.Fatalf("OnError: %v", err)
	}
	if got == nil || got.Entry.ID != stored {
		t.Fatalf("resolution = %+v, want entry %s", got, stored)
	}
	if got.Entry.Kind != knowledge.KindErrorResolution {
		t.Fatalf("kind = %s, want ERROR_RESOLUTION", got.Entry.Kind)
	}

	none, err := f.hooks.OnError(ctx, "completely unrelated frontend styling question", nil)
	if err != nil {
		t.Fatalf("OnError (miss): %v", err)
	}
	if none != nil {
		t.Fatalf("resolution = %+v, want none", none)
	}
}
