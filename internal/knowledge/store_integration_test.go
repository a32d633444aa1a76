package knowledge_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/testutil"
)

const testDim = 768

// testVec builds a normalized vector with weight at the given buckets.
// Overlapping buckets give controllable cosine similarity between vectors.
func testVec(buckets ...int) []float32 {
	v := make([]float32, testDim)
	for _, b := range buckets {
		v[b%testDim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func newTestStore(t *testing.T) *knowledge.Store {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	store, err := knowledge.NewStore(db.Pool, testDim, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	id, err := store.Put(ctx, knowledge.Entry{
		Kind:         knowledge.KindToolUsage,
		Content:      "migrate: apply schema with golang-migrate",
		Summary:      "apply schema",
		Embedding:    testVec(1, 2, 3),
		SuccessCount: 3,
		FailureCount: 1,
		SDLCPhase:    "implementation",
		AgentTypes:   []string{"backend"},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "migrate: apply schema with golang-migrate" {
		t.Errorf("content = %q", got.Content)
	}
	if got.Confidence != 0.75 {
		t.Errorf("confidence = %g, want derived 0.75", got.Confidence)
	}
	if len(got.Embedding) != testDim {
		t.Errorf("embedding length = %d", len(got.Embedding))
	}
	if got.SDLCPhase != "implementation" {
		t.Errorf("sdlc phase = %q", got.SDLCPhase)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(t.Context(), uuid.New()); !errors.Is(err, knowledge.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPutRejectsInvalidEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	tests := []struct {
		name  string
		entry knowledge.Entry
	}{
		{"bad kind", knowledge.Entry{Kind: "nope", Content: "x"}},
		{"empty content", knowledge.Entry{Kind: knowledge.KindWorkflow}},
		{"wrong dimension", knowledge.Entry{Kind: knowledge.KindWorkflow, Content: "x", Embedding: []float32{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Put(ctx, tt.entry); !errors.Is(err, knowledge.ErrInvalidEntry) {
				t.Fatalf("err = %v, want ErrInvalidEntry", err)
			}
		})
	}
}

func TestUpdateCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	id, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindErrorResolution, Content: "restart the daemon",
		SuccessCount: 1,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.UpdateCounts(ctx, id, true)
	if err != nil {
		t.Fatalf("UpdateCounts: %v", err)
	}
	if got.UsageCount != 1 || got.SuccessCount != 2 {
		t.Errorf("usage = %d success = %d, want 1, 2", got.UsageCount, got.SuccessCount)
	}
	if got.Confidence != 1.0 {
		t.Errorf("confidence = %g, want 1.0", got.Confidence)
	}

	got, err = store.UpdateCounts(ctx, id, false)
	if err != nil {
		t.Fatalf("UpdateCounts failure: %v", err)
	}
	if got.FailureCount != 1 {
		t.Errorf("failure = %d, want 1", got.FailureCount)
	}
	// 2 successes, 1 failure.
	if math.Abs(got.Confidence-2.0/3.0) > 1e-9 {
		t.Errorf("confidence = %g, want 2/3", got.Confidence)
	}
	if got.Version != 3 {
		t.Errorf("version = %d, want 3 after two updates", got.Version)
	}

	if _, err := store.UpdateCounts(ctx, uuid.New(), true); !errors.Is(err, knowledge.ErrNotFound) {
		t.Fatalf("missing entry err = %v, want ErrNotFound", err)
	}
}

func TestMergeObservation(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	id, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindToolUsage, Content: "fmt: run gofmt", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.MergeObservation(ctx, id, 0.6)
	if err != nil {
		t.Fatalf("MergeObservation: %v", err)
	}
	if math.Abs(got.Confidence-0.7) > 1e-9 {
		t.Errorf("confidence = %g, want mean 0.7", got.Confidence)
	}
	if got.UsageCount != 1 {
		t.Errorf("usage = %d, want 1", got.UsageCount)
	}
}

func TestVectorSearchRanksAndFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	near, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindCodePattern, Content: "near", Embedding: testVec(1, 2, 3),
	})
	if err != nil {
		t.Fatalf("Put near: %v", err)
	}
	far, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindCodePattern, Content: "far", Embedding: testVec(50, 51, 52),
	})
	if err != nil {
		t.Fatalf("Put far: %v", err)
	}
	otherKind, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindWorkflow, Content: "other kind", Embedding: testVec(1, 2, 3),
	})
	if err != nil {
		t.Fatalf("Put other kind: %v", err)
	}

	query := testVec(1, 2, 4) // shares two of three buckets with "near"
	matches, err := store.VectorSearch(ctx, query, 10, knowledge.SearchFilter{
		Kinds: []knowledge.Kind{knowledge.KindCodePattern},
	})
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Entry.ID != near {
		t.Errorf("top match = %s, want %s", matches[0].Entry.ID, near)
	}
	if matches[0].Similarity <= matches[1].Similarity {
		t.Errorf("similarity not descending: %g then %g", matches[0].Similarity, matches[1].Similarity)
	}
	for _, m := range matches {
		if m.Entry.ID == otherKind {
			t.Error("kind filter leaked a workflow entry")
		}
	}

	// Deprecated entries drop out of search.
	if err := store.Deprecate(ctx, far); err != nil {
		t.Fatalf("Deprecate: %v", err)
	}
	matches, err = store.VectorSearch(ctx, query, 10, knowledge.SearchFilter{})
	if err != nil {
		t.Fatalf("VectorSearch after deprecate: %v", err)
	}
	for _, m := range matches {
		if m.Entry.ID == far {
			t.Error("deprecated entry still in search results")
		}
	}

	if _, err := store.VectorSearch(ctx, []float32{1}, 5, knowledge.SearchFilter{}); !errors.Is(err, knowledge.ErrInvalidEntry) {
		t.Fatalf("short query err = %v, want ErrInvalidEntry", err)
	}
}

func TestNearest(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	if m, err := store.Nearest(ctx, testVec(9), knowledge.KindWorkflow); err != nil || m != nil {
		t.Fatalf("Nearest on empty store = %v, %v; want nil, nil", m, err)
	}

	id, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindWorkflow, Content: "build then test", Embedding: testVec(9, 10),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	m, err := store.Nearest(ctx, testVec(9, 10), knowledge.KindWorkflow)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if m == nil || m.Entry.ID != id {
		t.Fatalf("Nearest = %+v, want entry %s", m, id)
	}
	if m.Similarity < 0.999 {
		t.Errorf("similarity = %g, want ~1 for identical vector", m.Similarity)
	}
}

func TestUnembeddedAndBackfill(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	id, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindUserPreference, Content: "tabs over spaces",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	pending, err := store.Unembedded(ctx, 10)
	if err != nil {
		t.Fatalf("Unembedded: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v, want the one unembedded entry", pending)
	}

	if err := store.SetEmbedding(ctx, id, testVec(4)); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	pending, err = store.Unembedded(ctx, 10)
	if err != nil {
		t.Fatalf("Unembedded after backfill: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d entries after backfill, want 0", len(pending))
	}

	// Backfilling an already-embedded entry is a no-op, not an error.
	if err := store.SetEmbedding(ctx, id, testVec(5)); err != nil {
		t.Fatalf("SetEmbedding on embedded entry: %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Embedding[4%testDim] != 1 {
		t.Error("second SetEmbedding overwrote the existing vector")
	}

	if err := store.SetEmbedding(ctx, uuid.New(), testVec(6)); !errors.Is(err, knowledge.ErrNotFound) {
		t.Fatalf("missing entry err = %v, want ErrNotFound", err)
	}
}

func TestDeprecateStale(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	if _, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindToolUsage, Content: "fresh entry",
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Nothing is older than a day in a fresh database.
	n, err := store.DeprecateStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("DeprecateStale: %v", err)
	}
	if n != 0 {
		t.Fatalf("deprecated %d entries, want 0", n)
	}

	// A zero window deprecates everything touched before "now".
	n, err = store.DeprecateStale(ctx, 0)
	if err != nil {
		t.Fatalf("DeprecateStale zero window: %v", err)
	}
	if n != 1 {
		t.Fatalf("deprecated %d entries, want 1", n)
	}
}

func TestPutBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	ids, err := store.PutBatch(ctx, []knowledge.Entry{
		{Kind: knowledge.KindToolUsage, Content: "batch one", Embedding: testVec(1)},
		{Kind: knowledge.KindWorkflow, Content: "batch two"},
	})
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %d, want 2", len(ids))
	}
	for _, id := range ids {
		if _, err := store.Get(ctx, id); err != nil {
			t.Errorf("Get %s: %v", id, err)
		}
	}

	// One invalid entry fails the whole batch.
	if _, err := store.PutBatch(ctx, []knowledge.Entry{
		{Kind: knowledge.KindToolUsage, Content: "valid"},
		{Kind: "nope", Content: "invalid"},
	}); !errors.Is(err, knowledge.ErrInvalidEntry) {
		t.Fatalf("err = %v, want ErrInvalidEntry", err)
	}
}

func TestSharePagePagination(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		id, err := store.Put(ctx, knowledge.Entry{
			Kind: knowledge.KindToolUsage, Content: "shareable " + string(rune('a'+i)),
			Confidence: 0.9, UsageCount: 10,
		})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		want = append(want, id)
	}
	// Below the thresholds, excluded from sharing.
	if _, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindToolUsage, Content: "unproven", Confidence: 0.3,
	}); err != nil {
		t.Fatalf("Put unproven: %v", err)
	}

	var got []uuid.UUID
	afterCreated := time.Time{}
	afterID := uuid.Nil
	for {
		page, err := store.SharePage(ctx, 0.85, 5, afterCreated, afterID, 2)
		if err != nil {
			t.Fatalf("SharePage: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			got = append(got, e.ID)
		}
		last := page[len(page)-1]
		afterCreated, afterID = last.CreatedAt, last.ID
	}

	if len(got) != len(want) {
		t.Fatalf("paged through %d entries, want %d", len(got), len(want))
	}
	seen := make(map[uuid.UUID]bool, len(got))
	for _, id := range got {
		if seen[id] {
			t.Fatalf("entry %s returned twice across pages", id)
		}
		seen[id] = true
	}
}

func TestDuplicateDetectionAndAbsorb(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	a, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindErrorResolution, Content: "dup a", Embedding: testVec(1, 2, 3),
		Confidence: 0.9, UsageCount: 4, SuccessCount: 4,
		Sources: []string{"store-a"},
	})
	if err != nil {
		t.Fatalf("Put a: %v", err)
	}
	b, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindErrorResolution, Content: "dup b", Embedding: testVec(1, 2, 3),
		Confidence: 0.7, UsageCount: 2, SuccessCount: 2,
		Sources: []string{"store-b"},
	})
	if err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if _, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindErrorResolution, Content: "unrelated", Embedding: testVec(200, 201, 202),
	}); err != nil {
		t.Fatalf("Put unrelated: %v", err)
	}

	pairs, err := store.DuplicatePairs(ctx, 0.95, 10)
	if err != nil {
		t.Fatalf("DuplicatePairs: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(pairs))
	}
	if pairs[0].Similarity < 0.99 {
		t.Errorf("similarity = %g, want ~1", pairs[0].Similarity)
	}

	if err := store.AbsorbDuplicate(ctx, a, b); err != nil {
		t.Fatalf("AbsorbDuplicate: %v", err)
	}

	survivor, err := store.Get(ctx, a)
	if err != nil {
		t.Fatalf("Get survivor: %v", err)
	}
	if survivor.UsageCount != 6 {
		t.Errorf("usage = %d, want summed 6", survivor.UsageCount)
	}
	if survivor.Confidence != 0.9 {
		t.Errorf("confidence = %g, want max 0.9", survivor.Confidence)
	}
	if len(survivor.Sources) != 2 {
		t.Errorf("sources = %v, want union of both", survivor.Sources)
	}

	dup, err := store.Get(ctx, b)
	if err != nil {
		t.Fatalf("Get duplicate: %v", err)
	}
	if !dup.Deprecated() {
		t.Error("absorbed duplicate should be deprecated")
	}

	rels, err := store.Relationships(ctx, a)
	if err != nil {
		t.Fatalf("Relationships: %v", err)
	}
	found := false
	for _, r := range rels {
		if r.Kind == knowledge.RelationSupersedes && r.TargetID == b {
			found = true
		}
	}
	if !found {
		t.Error("expected a SUPERSEDES edge from survivor to duplicate")
	}
}

func TestDuplicatePairsReleasesLock(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Put(t.Context(), knowledge.Entry{
		Kind: knowledge.KindWorkflow, Content: "solo", Embedding: testVec(1),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A leaked advisory lock makes every pass after the first block inside
	// pg_advisory_lock across pooled sessions.
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if _, err := store.DuplicatePairs(ctx, 0.95, 10); err != nil {
			t.Fatalf("DuplicatePairs pass %d: %v", i+1, err)
		}
	}
}

func TestGraphSearchAndCycles(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	put := func(content string) uuid.UUID {
		t.Helper()
		id, err := store.Put(ctx, knowledge.Entry{Kind: knowledge.KindWorkflow, Content: content})
		if err != nil {
			t.Fatalf("Put %q: %v", content, err)
		}
		return id
	}
	a, b, c := put("node a"), put("node b"), put("node c")

	rel := func(src, dst uuid.UUID, kind knowledge.RelationKind) error {
		return store.PutRelationship(ctx, knowledge.Relationship{
			SourceID: src, TargetID: dst, Kind: kind, Strength: 0.8,
		})
	}
	if err := rel(a, b, knowledge.RelationRequires); err != nil {
		t.Fatalf("rel a->b: %v", err)
	}
	if err := rel(b, c, knowledge.RelationRequires); err != nil {
		t.Fatalf("rel b->c: %v", err)
	}

	// The walk includes the seed: depth 1 reaches {a, b}, depth 2 adds c.
	got, err := store.GraphSearch(ctx, []uuid.UUID{a}, []knowledge.RelationKind{knowledge.RelationRequires}, 1)
	if err != nil {
		t.Fatalf("GraphSearch depth 1: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("depth 1 = %d entries, want a and b", len(got))
	}
	for _, e := range got {
		if e.ID == c {
			t.Fatal("depth 1 must not reach c")
		}
	}
	got, err = store.GraphSearch(ctx, []uuid.UUID{a}, []knowledge.RelationKind{knowledge.RelationRequires}, 2)
	if err != nil {
		t.Fatalf("GraphSearch depth 2: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("depth 2 = %d entries, want a, b, and c", len(got))
	}

	// Acyclic kinds reject edges that close a loop.
	if err := rel(a, b, knowledge.RelationDerivedFrom); err != nil {
		t.Fatalf("derived a->b: %v", err)
	}
	if err := rel(b, a, knowledge.RelationDerivedFrom); !errors.Is(err, knowledge.ErrCycle) {
		t.Fatalf("cycle err = %v, want ErrCycle", err)
	}
	// SIMILAR_TO carries no DAG constraint.
	if err := rel(b, a, knowledge.RelationSimilarTo); err != nil {
		t.Fatalf("similar b->a: %v", err)
	}
}

func TestContextPatterns(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	target, err := store.Put(ctx, knowledge.Entry{
		Kind: knowledge.KindCodePattern, Content: "use table-driven tests",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := store.PutContextPattern(ctx, knowledge.ContextPattern{
		Triggers:      []string{"language=go", "testing"},
		Activates:     []uuid.UUID{target},
		PriorityBoost: 0.3,
		Exclusions:    []string{"language=python"},
	}); err != nil {
		t.Fatalf("PutContextPattern: %v", err)
	}

	matched, err := store.MatchContextPatterns(ctx, []string{"language", "language=go"})
	if err != nil {
		t.Fatalf("MatchContextPatterns: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("matched = %d, want 1", len(matched))
	}
	if matched[0].Activates[0] != target {
		t.Errorf("activates = %v, want %s", matched[0].Activates, target)
	}

	// An exclusion key suppresses the pattern even when a trigger matches.
	matched, err = store.MatchContextPatterns(ctx, []string{"testing", "language=python"})
	if err != nil {
		t.Fatalf("MatchContextPatterns with exclusion: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("matched = %d with exclusion present, want 0", len(matched))
	}
}
