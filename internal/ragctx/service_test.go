package ragctx

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeVectorStore struct {
	results []VectorResult
	err     error
}

func (f *fakeVectorStore) SimilaritySearch(_ context.Context, _ []float32, k int, _ map[string]string) ([]VectorResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.results) {
		return f.results[:k], nil
	}
	return f.results, nil
}

func fakeEmbedder(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func TestSearchReturnsChunks(t *testing.T) {
	store := &fakeVectorStore{results: []VectorResult{
		{ID: "a", Score: 0.9, Metadata: map[string]string{"text": "first chunk"}},
		{ID: "b", Score: 0.8, Metadata: map[string]string{"text": "second chunk"}},
	}}
	svc := NewService(store, fakeEmbedder, "")

	chunks, err := svc.Search(context.Background(), "assistant-1", "what is this about", 5)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "first chunk", chunks[0].Text)
}

func TestSearchPropagatesVectorStoreError(t *testing.T) {
	store := &fakeVectorStore{err: errors.New("boom")}
	svc := NewService(store, fakeEmbedder, "")

	_, err := svc.Search(context.Background(), "assistant-1", "q", 5)
	require.Error(t, err)
}

func TestSearchAndAugmentDegradesOnError(t *testing.T) {
	store := &fakeVectorStore{err: errors.New("boom")}
	svc := NewService(store, fakeEmbedder, "")

	out := SearchAndAugment(context.Background(), svc, "assistant-1", "hello", 5, 2000)
	require.Equal(t, "hello", out)
}

func TestSearchAndAugmentNoAssistantID(t *testing.T) {
	out := SearchAndAugment(context.Background(), nil, "", "hello", 5, 2000)
	require.Equal(t, "hello", out)
}

func TestAugmentZeroChunksReturnsUnchanged(t *testing.T) {
	require.Equal(t, "hello", Augment("hello", nil, 2000))
}

func TestAugmentIncludesContextAndQuestion(t *testing.T) {
	chunks := []Chunk{{Text: "the sky is blue"}}
	out := Augment("why?", chunks, 2000)

	require.Contains(t, out, "knowledge base")
	require.Contains(t, out, "[Context 1]")
	require.Contains(t, out, "the sky is blue")
	require.Contains(t, out, "User Question: why?")
}

func TestAugmentNeverExceedsBudget(t *testing.T) {
	chunks := make([]Chunk, 0, 20)
	for i := 0; i < 20; i++ {
		chunks = append(chunks, Chunk{Text: strings.Repeat("x", 500)})
	}
	out := Augment("q", chunks, 300)
	require.LessOrEqual(t, len(out), 300+len("User Question: q")+50)
}
