package retrieval

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/knowledge"
)

func testWeights() config.RetrievalConfig {
	return config.RetrievalConfig{
		WeightSimilarity: 0.40,
		WeightConfidence: 0.20,
		WeightRecency:    0.15,
		WeightContext:    0.15,
		WeightFrequency:  0.10,
	}
}

func TestRecencyScore(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"fresh", 0, 1.0},
		{"future timestamp clamps", -time.Hour, 1.0},
		{"hundred days", 100 * 24 * time.Hour, 1 - 100.0/365},
		{"half window", recencyWindow / 2, 0.5},
		{"window edge", recencyWindow, 0},
		{"beyond window clamps", 2 * recencyWindow, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recencyScore(tt.age)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("recencyScore(%v) = %f, want %f", tt.age, got, tt.want)
			}
		})
	}
}

func TestFrequencyScore(t *testing.T) {
	if got := frequencyScore(0); got != 0 {
		t.Fatalf("frequencyScore(0) = %f, want 0", got)
	}
	if got := frequencyScore(50); got != 0.5 {
		t.Fatalf("frequencyScore(50) = %f, want 0.5", got)
	}
	if got := frequencyScore(frequencySaturation); got != 1 {
		t.Fatalf("frequencyScore(%d) = %f, want 1", frequencySaturation, got)
	}
	if got := frequencyScore(1000); got != 1 {
		t.Fatalf("frequencyScore(1000) = %f, want 1", got)
	}
	if got := frequencyScore(-3); got != 0 {
		t.Fatalf("frequencyScore(-3) = %f, want 0", got)
	}
}

func TestMergeCandidatesDropsThresholdBoundary(t *testing.T) {
	e := &Engine{cfg: config.RetrievalConfig{SimilarityThreshold: 0.7}}

	matches := []knowledge.Match{
		{Entry: knowledge.Entry{ID: uuid.New()}, Similarity: 0.7},
		{Entry: knowledge.Entry{ID: uuid.New()}, Similarity: 0.69},
	}
	candidates, _, err := e.mergeCandidates(t.Context(), matches, nil)
	if err != nil {
		t.Fatalf("mergeCandidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("candidates = %d, want 0: similarity must strictly exceed the threshold", len(candidates))
	}
}

func TestContextKeysSortedAndValued(t *testing.T) {
	got := contextKeys(map[string]string{"language": "go", "phase": "", "tool": "pgx"})
	want := []string{"language", "language=go", "phase", "tool", "tool=pgx"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("contextKeys = %v, want %v", got, want)
	}
}

func TestRankOrdersByCompositeScore(t *testing.T) {
	e := &Engine{cfg: testWeights(), now: func() time.Time { return time.Unix(1_700_000_000, 0) }}
	now := e.now()

	similar := knowledge.Entry{ID: uuid.New(), Confidence: 0.5, UpdatedAt: now}
	trusted := knowledge.Entry{ID: uuid.New(), Confidence: 1.0, UpdatedAt: now, UsageCount: 50}

	candidates := map[uuid.UUID]ScoredEntry{
		similar.ID: {Entry: similar, Similarity: 0.80},
		trusted.ID: {Entry: trusted, Similarity: 0.72},
	}

	ranked := e.rank(candidates, nil, 10)
	if len(ranked) != 2 {
		t.Fatalf("len(ranked) = %d, want 2", len(ranked))
	}
	// trusted: .4*.72 + .2*1.0 + .15*1.0 + .15*0 + .1*(50/100) = 0.688
	// similar: .4*.80 + .2*0.5 + .15*1.0 + .15*0 + .1*0        = 0.57
	if ranked[0].Entry.ID != trusted.ID {
		t.Fatalf("top result = %v, want the high-confidence entry", ranked[0].Entry.ID)
	}
	if ranked[0].Score <= ranked[1].Score {
		t.Fatal("scores not descending")
	}
}

func TestRankContextBoost(t *testing.T) {
	e := &Engine{cfg: testWeights(), now: func() time.Time { return time.Unix(1_700_000_000, 0) }}
	now := e.now()

	plain := knowledge.Entry{ID: uuid.New(), Confidence: 0.6, UpdatedAt: now}
	boosted := knowledge.Entry{ID: uuid.New(), Confidence: 0.6, UpdatedAt: now}

	candidates := map[uuid.UUID]ScoredEntry{
		plain.ID:   {Entry: plain, Similarity: 0.75},
		boosted.ID: {Entry: boosted, Similarity: 0.75},
	}
	boost := map[uuid.UUID]float64{boosted.ID: 1.0}

	ranked := e.rank(candidates, boost, 10)
	if ranked[0].Entry.ID != boosted.ID {
		t.Fatal("context boost did not lift the activated entry")
	}
	if got := ranked[0].Components.Context; got != 1.0 {
		t.Fatalf("context component = %f, want 1.0", got)
	}
}

func TestRankTieBreaksByID(t *testing.T) {
	e := &Engine{cfg: testWeights(), now: func() time.Time { return time.Unix(1_700_000_000, 0) }}
	now := e.now()

	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	candidates := map[uuid.UUID]ScoredEntry{
		b: {Entry: knowledge.Entry{ID: b, Confidence: 0.5, UpdatedAt: now}, Similarity: 0.8},
		a: {Entry: knowledge.Entry{ID: a, Confidence: 0.5, UpdatedAt: now}, Similarity: 0.8},
	}

	for range 20 {
		ranked := e.rank(candidates, nil, 10)
		if ranked[0].Entry.ID != a || ranked[1].Entry.ID != b {
			t.Fatal("equal scores must order by id ascending")
		}
	}
}

func TestRankTruncatesToK(t *testing.T) {
	e := &Engine{cfg: testWeights(), now: func() time.Time { return time.Unix(1_700_000_000, 0) }}
	now := e.now()

	candidates := make(map[uuid.UUID]ScoredEntry)
	for i := 0; i < 8; i++ {
		entry := knowledge.Entry{ID: uuid.New(), Confidence: 0.5, UpdatedAt: now}
		candidates[entry.ID] = ScoredEntry{Entry: entry, Similarity: 0.7 + float64(i)*0.01}
	}

	ranked := e.rank(candidates, nil, 3)
	if len(ranked) != 3 {
		t.Fatalf("len(ranked) = %d, want 3", len(ranked))
	}
}
