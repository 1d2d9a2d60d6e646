// Package ragctx implements the RAG context service described in spec
// §4.7: for assistant-bound sessions, enrich the user prompt with top-K
// chunks retrieved from a vector store scoped to the assistant's knowledge
// base, grounded on internal/persistence/databases' VectorStore interface
// and internal/llm's embedding client.
package ragctx

import (
	"context"
	"fmt"
	"strings"

	"manifold/internal/llm"
	"manifold/internal/observability"
)

// Chunk is one retrieved passage, returned from Search and consumed by
// Augment.
type Chunk struct {
	Text     string
	Distance float64
	Key      string
	Metadata map[string]string
	S3URL    string
}

// VectorStore is the subset of databases.VectorStore the RAG service needs.
// Declared locally so this package does not import the teacher's full
// persistence layer just to look up nearest neighbors.
type VectorStore interface {
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}

// VectorResult mirrors databases.VectorResult.
type VectorResult struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Embedder turns a query string into a single embedding vector.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// Service implements search + augment for one vector-store backend.
type Service struct {
	store    VectorStore
	embed    Embedder
	docsBase string // optional S3-style base URL prefix for chunk.S3URL
}

// NewService constructs a Service. docsBase may be empty.
func NewService(store VectorStore, embed Embedder, docsBase string) *Service {
	return &Service{store: store, embed: embed, docsBase: docsBase}
}

// NewOpenAIEmbedder adapts llm.GenerateEmbeddings (a batch API) into the
// single-query Embedder shape the service needs.
func NewOpenAIEmbedder(host, apiKey string) Embedder {
	return func(_ context.Context, text string) ([]float32, error) {
		vecs, err := llm.GenerateEmbeddings(host, apiKey, []string{text})
		if err != nil {
			return nil, fmt.Errorf("ragctx: embed query: %w", err)
		}
		if len(vecs) == 0 {
			return nil, fmt.Errorf("ragctx: embedding service returned no vectors")
		}
		return vecs[0], nil
	}
}

// Search returns up to topK chunks from assistantID's knowledge base that
// are nearest to query. A vector-store or embedding failure returns a nil
// slice and an error; callers apply spec §4.7's graceful-degradation rule
// (treat as zero chunks) rather than failing the turn.
func (s *Service) Search(ctx context.Context, assistantID, query string, topK int) ([]Chunk, error) {
	if s == nil || s.store == nil || s.embed == nil {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}
	vector, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ragctx: embed query: %w", err)
	}
	results, err := s.store.SimilaritySearch(ctx, vector, topK, map[string]string{"assistant_id": assistantID})
	if err != nil {
		return nil, fmt.Errorf("ragctx: similarity search: %w", err)
	}
	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		text := r.Metadata["text"]
		s3url := ""
		if key := r.Metadata["s3_key"]; key != "" && s.docsBase != "" {
			s3url = strings.TrimRight(s.docsBase, "/") + "/" + key
		}
		chunks = append(chunks, Chunk{
			Text: text, Distance: r.Score, Key: r.ID, Metadata: r.Metadata, S3URL: s3url,
		})
	}
	return chunks, nil
}

const contextPreamble = "The following context is retrieved from the assistant's knowledge base."

// Augment prepends retrieved chunks to the user's message, per spec §4.7.
// maxContextChars bounds the total size of the injected context; chunks are
// dropped from the tail, and the last surviving chunk is truncated, until
// the budget is met. Zero chunks returns userMsg unchanged.
func Augment(userMsg string, chunks []Chunk, maxContextChars int) string {
	if len(chunks) == 0 {
		return userMsg
	}
	if maxContextChars <= 0 {
		maxContextChars = 2000
	}

	var b strings.Builder
	b.WriteString(contextPreamble)
	b.WriteString("\n")

	used := b.Len()
	budget := maxContextChars
	included := 0
	for i, c := range chunks {
		block := fmt.Sprintf("\n[Context %d]\n%s\n---\n", i+1, c.Text)
		if used+len(block) > budget {
			remaining := budget - used
			if remaining <= len(fmt.Sprintf("\n[Context %d]\n\n---\n", i+1)) {
				break
			}
			truncated := truncateBlock(block, remaining)
			b.WriteString(truncated)
			included++
			break
		}
		b.WriteString(block)
		used += len(block)
		included++
	}
	b.WriteString("User Question: ")
	b.WriteString(userMsg)

	if included == 0 {
		return userMsg
	}
	return b.String()
}

func truncateBlock(block string, limit int) string {
	if limit <= 0 || limit >= len(block) {
		return block
	}
	return block[:limit] + "...\n---\n"
}

// SearchAndAugment is the single call most agent turns make: search, then
// degrade gracefully to the unmodified message on any failure.
func SearchAndAugment(ctx context.Context, s *Service, assistantID, userMsg string, topK, maxContextChars int) string {
	if assistantID == "" {
		return userMsg
	}
	chunks, err := s.Search(ctx, assistantID, userMsg, topK)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("assistant_id", assistantID).Msg("ragctx_search_failed")
		return userMsg
	}
	return Augment(userMsg, chunks, maxContextChars)
}
