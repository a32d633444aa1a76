// Package embedding turns text into fixed-dimension vectors.
//
// The service wraps a primary and an optional fallback backend behind one
// Embed call. Results are written through the cache layer keyed by content
// hash, so identical text is embedded once. Backend failures surface as
// ErrUnavailable and are expected to be absorbed by callers (the retrieval
// engine degrades to graph-only search).
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"google.golang.org/genai"

	"github.com/recallhq/recall/internal/cache"
)

var (
	// ErrUnavailable indicates both backends failed. Callers degrade rather
	// than propagate.
	ErrUnavailable = errors.New("embedding unavailable")

	// ErrDimensionMismatch indicates a backend returned a vector that cannot
	// be fitted to the deployment dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyText indicates a blank input.
	ErrEmptyText = errors.New("empty text")
)

// maxTextLen is the character budget sent to a backend. Longer inputs are
// truncated; embedding quality on the leading window is what retrieval keys
// on anyway.
const maxTextLen = 8000

// Backend is the subset of Genkit's ai.Embedder the service consumes. Any
// ai.Embedder satisfies it; tests supply an offline implementation.
type Backend interface {
	Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error)
}

// Service produces fixed-dimension embeddings with caching and fallback.
type Service struct {
	primary  Backend
	fallback Backend // may be nil
	dim      int
	timeout  time.Duration
	cache    *cache.Vectors
	logger   *slog.Logger
}

// New creates an embedding Service. fallback and vectors may be nil.
func New(primary Backend, fallback Backend, dim int, timeout time.Duration, vectors *cache.Vectors, logger *slog.Logger) (*Service, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary backend is required")
	}
	if dim < 1 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		primary:  primary,
		fallback: fallback,
		dim:      dim,
		timeout:  timeout,
		cache:    vectors,
		logger:   logger,
	}, nil
}

// Dimension returns the deployment's fixed vector dimension.
func (s *Service) Dimension() int { return s.dim }

// Embed returns the vector for text, from cache when possible.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	text = normalize(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	key := cache.ContentHash(text)
	if s.cache != nil {
		if vec, ok := s.cache.Get(key); ok {
			return vec, nil
		}
	}

	vecs, err := s.embedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(key, vecs[0])
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input text, serving cached entries and
// embedding only the misses in a single backend request.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, t := range texts {
		t = normalize(t)
		if t == "" {
			return nil, fmt.Errorf("%w: input %d", ErrEmptyText, i)
		}
		texts[i] = t
		if s.cache != nil {
			if vec, ok := s.cache.Get(cache.ContentHash(t)); ok {
				out[i] = vec
				continue
			}
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := s.embedTexts(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		if s.cache != nil {
			s.cache.Add(cache.ContentHash(missTexts[j]), vec)
		}
	}
	return out, nil
}

// embedTexts calls the primary backend, then the fallback, fitting every
// returned vector to the deployment dimension.
func (s *Service) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vecs, primaryErr := s.callBackend(ctx, s.primary, texts)
	if primaryErr == nil {
		return vecs, nil
	}
	if errors.Is(primaryErr, ErrDimensionMismatch) || s.fallback == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, primaryErr)
	}

	s.logger.Warn("primary embedder failed, trying fallback", "error", primaryErr)

	vecs, fallbackErr := s.callBackend(ctx, s.fallback, texts)
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w: primary: %v; fallback: %v", ErrUnavailable, primaryErr, fallbackErr)
	}
	return vecs, nil
}

func (s *Service) callBackend(ctx context.Context, b Backend, texts []string) ([][]float32, error) {
	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	dim := int32(s.dim)
	resp, err := b.Embed(ctx, &ai.EmbedRequest{
		Input:   docs,
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("backend returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		vec, err := s.fit(e.Embedding)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// fit adapts a backend vector to the deployment dimension. Backends trained
// with matryoshka-style truncation keep their leading components meaningful,
// so a larger vector is truncated and re-normalized. A smaller vector cannot
// be projected up and is rejected.
func (s *Service) fit(vec []float32) ([]float32, error) {
	switch {
	case len(vec) == s.dim:
		return vec, nil
	case len(vec) > s.dim:
		return renormalize(vec[:s.dim]), nil
	default:
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dim)
	}
}

func renormalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// normalize trims whitespace and enforces the character budget.
func normalize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > maxTextLen {
		text = text[:maxTextLen]
	}
	return text
}
