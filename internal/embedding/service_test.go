package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/recallhq/recall/internal/cache"
	"github.com/recallhq/recall/internal/testutil"
)

func newTestService(t *testing.T, primary, fallback Backend, vectors *cache.Vectors) *Service {
	t.Helper()
	svc, err := New(primary, fallback, 32, time.Second, vectors, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestEmbedReturnsFixedDimension(t *testing.T) {
	primary := &testutil.FakeEmbedder{Dim: 32}
	svc := newTestService(t, primary, nil, nil)

	vec, err := svc.Embed(context.Background(), "pgx batch insert pattern")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 32 {
		t.Fatalf("dimension = %d, want 32", len(vec))
	}
}

func TestEmbedEmptyText(t *testing.T) {
	svc := newTestService(t, &testutil.FakeEmbedder{Dim: 32}, nil, nil)

	if _, err := svc.Embed(context.Background(), "   \n\t "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("error = %v, want ErrEmptyText", err)
	}
}

func TestEmbedCacheHitSkipsBackend(t *testing.T) {
	primary := &testutil.FakeEmbedder{Dim: 32}
	vectors := cache.NewVectors(100, time.Minute)
	svc := newTestService(t, primary, nil, vectors)

	first, err := svc.Embed(context.Background(), "retry with exponential backoff")
	if err != nil {
		t.Fatalf("first Embed: %v", err)
	}
	second, err := svc.Embed(context.Background(), "retry with exponential backoff")
	if err != nil {
		t.Fatalf("second Embed: %v", err)
	}
	if got := primary.Calls.Load(); got != 1 {
		t.Fatalf("backend calls = %d, want 1", got)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("cached vector differs from original")
		}
	}
}

func TestEmbedFallsBackWhenPrimaryFails(t *testing.T) {
	primary := &testutil.FakeEmbedder{Dim: 32}
	primary.Fail.Store(true)
	fallback := &testutil.FakeEmbedder{Dim: 32}
	svc := newTestService(t, primary, fallback, nil)

	vec, err := svc.Embed(context.Background(), "connection pool sizing")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 32 {
		t.Fatalf("dimension = %d, want 32", len(vec))
	}
	if fallback.Calls.Load() != 1 {
		t.Fatal("fallback was not used")
	}
}

func TestEmbedUnavailableWhenBothFail(t *testing.T) {
	primary := &testutil.FakeEmbedder{Dim: 32}
	primary.Fail.Store(true)
	fallback := &testutil.FakeEmbedder{Dim: 32}
	fallback.Fail.Store(true)
	svc := newTestService(t, primary, fallback, nil)

	if _, err := svc.Embed(context.Background(), "anything"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestEmbedTruncatesLargerFallbackVectors(t *testing.T) {
	primary := &testutil.FakeEmbedder{Dim: 32}
	primary.Fail.Store(true)
	fallback := &testutil.FakeEmbedder{Dim: 64}
	svc := newTestService(t, primary, fallback, nil)

	vec, err := svc.Embed(context.Background(), "schema migration ordering")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 32 {
		t.Fatalf("dimension = %d, want 32 after truncation", len(vec))
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm < 0.99 || norm > 1.01 {
		t.Fatalf("truncated vector not re-normalized, squared norm = %f", norm)
	}
}

func TestEmbedRejectsSmallerVectors(t *testing.T) {
	primary := &testutil.FakeEmbedder{Dim: 16}
	svc := newTestService(t, primary, nil, nil)

	_, err := svc.Embed(context.Background(), "undersized")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable wrapping the mismatch", err)
	}
}

func TestEmbedBatchMixedCache(t *testing.T) {
	primary := &testutil.FakeEmbedder{Dim: 32}
	vectors := cache.NewVectors(100, time.Minute)
	svc := newTestService(t, primary, nil, vectors)

	if _, err := svc.Embed(context.Background(), "already cached"); err != nil {
		t.Fatalf("seed Embed: %v", err)
	}
	callsBefore := primary.Calls.Load()

	out, err := svc.EmbedBatch(context.Background(), []string{"already cached", "fresh one", "another fresh"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	for i, vec := range out {
		if len(vec) != 32 {
			t.Fatalf("out[%d] dimension = %d, want 32", i, len(vec))
		}
	}
	// One batched request covers both misses.
	if got := primary.Calls.Load() - callsBefore; got != 1 {
		t.Fatalf("backend calls for batch = %d, want 1", got)
	}
}

func TestEmbedDeterministic(t *testing.T) {
	svc := newTestService(t, &testutil.FakeEmbedder{Dim: 32}, nil, nil)

	a, err := svc.Embed(context.Background(), "same text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := svc.Embed(context.Background(), "same text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding not deterministic for identical text")
		}
	}
}
