package retrieval

import (
	"context"
	"fmt"

	"github.com/oceanbase/powerctx-go/pkg/embedder"
	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// MaxEmbedChars bounds the text sent to the embedding provider.
const MaxEmbedChars = 8000

// SemanticStrategy ranks items by best-chunk cosine similarity to the query.
type SemanticStrategy struct {
	store    storage.KnowledgeStore
	embedder embedder.Provider
}

// NewSemanticStrategy creates a SemanticStrategy. A nil embedder disables it.
func NewSemanticStrategy(store storage.KnowledgeStore, emb embedder.Provider) *SemanticStrategy {
	return &SemanticStrategy{store: store, embedder: emb}
}

// Kind returns StrategySemantic.
func (s *SemanticStrategy) Kind() StrategyKind {
	return StrategySemantic
}

// Retrieve embeds the query and runs a vector search. An embedding failure
// yields no results rather than an error.
func (s *SemanticStrategy) Retrieve(ctx context.Context, q Query) ([]CandidateResult, error) {
	if s.embedder == nil || q.Text == "" {
		return nil, nil
	}

	vector, err := s.embedder.Embed(ctx, embedder.Truncate(q.Text, MaxEmbedChars))
	if err != nil || len(vector) == 0 {
		return nil, nil
	}

	hits, err := s.store.VectorSearch(ctx, vector, q.Filter, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("semantic: %w", err)
	}

	out := make([]CandidateResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, CandidateResult{
			Item:      h.Item,
			Strategy:  StrategySemantic,
			Signal:    clamp(h.Score, 0, 1),
			HasSignal: true,
		})
	}
	return out, nil
}
