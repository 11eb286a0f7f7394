package embeddings

import (
	"context"
	"fmt"
	"math"
	"time"

	"movesia-index/internal/core"
)

// ValidatingEmbedder wraps an Embedder with the shape and zero-vector
// guards the Indexer's pipeline relies on: every vector must match the
// declared dimension and must not be effectively zero, is returned
// L2-normalized, and results are served from an LRU cache keyed by text so a
// re-embedded chunk (same fingerprint, unchanged text) costs nothing.
type ValidatingEmbedder struct {
	inner   Embedder
	cache   *EmbeddingCache
	timeout time.Duration
	batch   int
}

// NewValidatingEmbedder wraps inner with caching, a request timeout, and
// batch-size chunking, all drawn from cfg.
func NewValidatingEmbedder(inner Embedder, cfg Config, cacheSize int, cacheTTL time.Duration) *ValidatingEmbedder {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ValidatingEmbedder{
		inner:   inner,
		cache:   NewEmbeddingCache(cacheSize, cacheTTL),
		timeout: timeout,
		batch:   batch,
	}
}

// Embed embeds texts in batches of the configured size, serving cache
// hits directly and validating every vector returned by the underlying
// model before handing it back to the caller.
func (v *ValidatingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		if cached, ok := v.cache.Get(t); ok {
			out[i] = float64sToFloat32s(cached)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	for start := 0; start < len(missTexts); start += v.batch {
		end := start + v.batch
		if end > len(missTexts) {
			end = len(missTexts)
		}
		batchCtx, cancel := context.WithTimeout(ctx, v.timeout)
		vectors, err := v.inner.Embed(batchCtx, missTexts[start:end])
		cancel()
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("%w: expected %d vectors, got %d", core.ErrEmbeddingInvalid, end-start, len(vectors))
		}
		for j, vec := range vectors {
			if err := validateShape(vec, v.inner.Dimension()); err != nil {
				return nil, err
			}
			normalized := l2Normalize(vec)
			idx := missIdx[start+j]
			out[idx] = normalized
			v.cache.Set(missTexts[start+j], float32sToFloat64s(normalized))
		}
	}

	return out, nil
}

// Dimension returns the wrapped embedder's declared dimension.
func (v *ValidatingEmbedder) Dimension() int { return v.inner.Dimension() }

// Model returns the wrapped embedder's model identifier.
func (v *ValidatingEmbedder) Model() string { return v.inner.Model() }

func validateShape(vec []float32, wantDim int) error {
	if len(vec) != wantDim {
		return fmt.Errorf("%w: expected dimension %d, got %d", core.ErrEmbeddingInvalid, wantDim, len(vec))
	}
	var l1 float64
	for _, f := range vec {
		l1 += math.Abs(float64(f))
	}
	if l1 < 1e-8 {
		return fmt.Errorf("%w: effectively zero vector", core.ErrEmbeddingInvalid)
	}
	return nil
}

func l2Normalize(vec []float32) []float32 {
	var sumSq float64
	for _, f := range vec {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, f := range vec {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func float64sToFloat32s(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, f := range in {
		out[i] = float32(f)
	}
	return out
}

func float32sToFloat64s(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, f := range in {
		out[i] = float64(f)
	}
	return out
}
