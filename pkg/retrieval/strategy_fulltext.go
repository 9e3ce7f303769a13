package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// FullTextStrategy uses the backend's lexical index. The signal is the
// backend's raw rank.
type FullTextStrategy struct {
	store storage.KnowledgeStore
}

// NewFullTextStrategy creates a FullTextStrategy over store.
func NewFullTextStrategy(store storage.KnowledgeStore) *FullTextStrategy {
	return &FullTextStrategy{store: store}
}

// Kind returns StrategyFullText.
func (s *FullTextStrategy) Kind() StrategyKind {
	return StrategyFullText
}

func (s *FullTextStrategy) Retrieve(ctx context.Context, q Query) ([]CandidateResult, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}

	hits, err := s.store.FullTextSearch(ctx, text, q.Filter, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("fulltext: %w", err)
	}

	out := make([]CandidateResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, CandidateResult{
			Item:      h.Item,
			Strategy:  StrategyFullText,
			Signal:    h.Score,
			HasSignal: true,
		})
	}
	return out, nil
}
