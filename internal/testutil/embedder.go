package testutil

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"

	"github.com/firebase/genkit/go/ai"
)

// ErrEmbedderDown is returned by a FakeEmbedder configured to fail, for
// exercising degraded-retrieval paths.
var ErrEmbedderDown = errors.New("fake embedder unavailable")

// FakeEmbedder produces deterministic bag-of-words embeddings without any
// network dependency. Texts sharing tokens get correlated vectors, which is
// enough for similarity-ranked assertions in tests.
//
// It implements the embedding.Backend interface (the Embed subset of Genkit's
// ai.Embedder).
type FakeEmbedder struct {
	Dim int

	// Fail makes every call return ErrEmbedderDown while set.
	Fail atomic.Bool

	// Calls counts Embed invocations, for cache assertions.
	Calls atomic.Int64
}

// NewFakeEmbedder returns a FakeEmbedder with the given dimension.
func NewFakeEmbedder(dim int) *FakeEmbedder {
	return &FakeEmbedder{Dim: dim}
}

// Embed hashes each token of each input document into a bucket and
// L2-normalizes the resulting histogram.
func (f *FakeEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	f.Calls.Add(1)
	if f.Fail.Load() {
		return nil, ErrEmbedderDown
	}

	resp := &ai.EmbedResponse{}
	for _, doc := range req.Input {
		var text strings.Builder
		for _, part := range doc.Content {
			text.WriteString(part.Text)
		}
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{
			Embedding: f.vector(text.String()),
		})
	}
	return resp, nil
}

func (f *FakeEmbedder) vector(text string) []float32 {
	vec := make([]float32, f.Dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%f.Dim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
