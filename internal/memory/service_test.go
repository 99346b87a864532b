package memory

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/telepersona/internal/cache"
)

// fakeEmbedder maps known texts to fixed vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedding endpoint down")
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func newTestService(e Embedder) (*Service, *cache.Cache) {
	c := cache.New(cache.Defaults{})
	return NewService(c, e, 0.85, 0.35, 10, slog.Default()), c
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched dims", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestAddDeduplicatesNearestOnly(t *testing.T) {
	e := &fakeEmbedder{vectors: map[string][]float32{
		"likes espresso":     {1, 0, 0},
		"likes espresso too": {0.99, 0.14, 0},
		"owns a dog":         {0, 1, 0},
	}}
	svc, _ := newTestService(e)

	svc.Add(context.Background(), 1, "likes espresso", "user")
	svc.Add(context.Background(), 1, "owns a dog", "user")
	svc.Add(context.Background(), 1, "likes espresso too", "user")

	mems := svc.List(1)
	require.Len(t, mems, 2, "near-duplicate replaced exactly one old memory")
	assert.Equal(t, "owns a dog", mems[0].Content)
	assert.Equal(t, "likes espresso too", mems[1].Content)
}

func TestAddKeepsMemoryWhenEmbeddingFails(t *testing.T) {
	svc, _ := newTestService(&fakeEmbedder{fail: true})
	m := svc.Add(context.Background(), 1, "remember me", "ai")
	assert.Nil(t, m.Embedding)
	require.Len(t, svc.List(1), 1)
}

func TestRelevantThresholdAndTopK(t *testing.T) {
	vectors := map[string][]float32{"query": {1, 0, 0}}
	e := &fakeEmbedder{vectors: vectors}
	svc, c := newTestService(e)

	// 12 close memories, one far, one unembedded.
	for i := 0; i < 12; i++ {
		c.AddMemory(1, fmt.Sprintf("close %d", i), "user", []float32{1, float32(i) * 0.01, 0})
	}
	c.AddMemory(1, "unrelated", "user", []float32{0, 0, 1})
	c.AddMemory(1, "legacy note", "user", nil)

	got := svc.Relevant(context.Background(), 1, "query")
	require.Len(t, got, 11, "top 10 scored plus the unembedded one")
	assert.Equal(t, "legacy note", got[len(got)-1].Content,
		"memories without embeddings ride along after the ranked ones")
	for _, m := range got[:10] {
		assert.Contains(t, m.Content, "close")
	}
}

func TestRelevantAllBelowThreshold(t *testing.T) {
	e := &fakeEmbedder{vectors: map[string][]float32{"query": {1, 0, 0}}}
	svc, c := newTestService(e)
	for i := 0; i < 5; i++ {
		c.AddMemory(1, fmt.Sprintf("far %d", i), "user", []float32{0, 0, 1})
	}
	c.AddMemory(1, "legacy", "user", nil)

	got := svc.Relevant(context.Background(), 1, "query")
	require.Len(t, got, 1)
	assert.Equal(t, "legacy", got[0].Content)
}

func TestFormatForPrompt(t *testing.T) {
	svc, c := newTestService(nil)
	assert.Empty(t, svc.FormatForPrompt(context.Background(), 1, ""))

	c.AddMemory(1, "speaks French", "user", nil)
	c.AddMemory(1, "vegetarian", "ai", nil)

	out := svc.FormatForPrompt(context.Background(), 1, "")
	assert.Contains(t, out, "personalize")
	assert.Contains(t, out, "1. speaks French")
	assert.Contains(t, out, "2. vegetarian")
}
