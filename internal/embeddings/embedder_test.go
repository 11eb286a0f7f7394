package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movesia-index/internal/core"
)

type fakeEmbedder struct {
	dim       int
	model     string
	calls     int
	nextErr   error
	nextZero  bool
	vectorFor func(text string) []float32
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if f.nextZero {
			out[i] = make([]float32, f.dim)
			continue
		}
		if f.vectorFor != nil {
			out[i] = f.vectorFor(t)
			continue
		}
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = float32(len(t) + j + 1)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }
func (f *fakeEmbedder) Model() string  { return f.model }

func TestValidatingEmbedderNormalizes(t *testing.T) {
	fe := &fakeEmbedder{dim: 4, model: "fake-v1"}
	ve := NewValidatingEmbedder(fe, Config{BatchSize: 8, TimeoutSeconds: 5}, 100, time.Hour)

	out, err := ve.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, out, 1)

	var sumSq float64
	for _, f := range out[0] {
		sumSq += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, sumSq, 1e-6)
}

func TestValidatingEmbedderRejectsZeroVector(t *testing.T) {
	fe := &fakeEmbedder{dim: 4, model: "fake-v1", nextZero: true}
	ve := NewValidatingEmbedder(fe, Config{BatchSize: 8, TimeoutSeconds: 5}, 100, time.Hour)

	_, err := ve.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEmbeddingInvalid)
}

func TestValidatingEmbedderRejectsShapeMismatch(t *testing.T) {
	fe := &fakeEmbedder{dim: 4, model: "fake-v1", vectorFor: func(string) []float32 { return []float32{1, 2} }}
	ve := NewValidatingEmbedder(fe, Config{BatchSize: 8, TimeoutSeconds: 5}, 100, time.Hour)

	_, err := ve.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEmbeddingInvalid)
}

func TestValidatingEmbedderCachesByText(t *testing.T) {
	fe := &fakeEmbedder{dim: 4, model: "fake-v1"}
	ve := NewValidatingEmbedder(fe, Config{BatchSize: 8, TimeoutSeconds: 5}, 100, time.Hour)

	_, err := ve.Embed(context.Background(), []string{"same text"})
	require.NoError(t, err)
	_, err = ve.Embed(context.Background(), []string{"same text"})
	require.NoError(t, err)

	assert.Equal(t, 1, fe.calls)
}

func TestValidatingEmbedderPropagatesBatchError(t *testing.T) {
	fe := &fakeEmbedder{dim: 4, model: "fake-v1", nextErr: errors.New("upstream down")}
	ve := NewValidatingEmbedder(fe, Config{BatchSize: 8, TimeoutSeconds: 5}, 100, time.Hour)

	_, err := ve.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
}
