package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

const maxKeywordTokens = 5

// KeywordStrategy is the substring fallback used when semantic search finds
// nothing. Its signal is the share of query tokens an item contains.
type KeywordStrategy struct {
	store storage.KnowledgeStore
}

// NewKeywordStrategy creates a KeywordStrategy over store.
func NewKeywordStrategy(store storage.KnowledgeStore) *KeywordStrategy {
	return &KeywordStrategy{store: store}
}

// Kind returns StrategyKeyword.
func (s *KeywordStrategy) Kind() StrategyKind {
	return StrategyKeyword
}

func (s *KeywordStrategy) Retrieve(ctx context.Context, q Query) ([]CandidateResult, error) {
	tokens := longTokens(q.Text, maxKeywordTokens)
	if len(tokens) == 0 {
		return nil, nil
	}

	items, err := s.store.SubstringSearch(ctx, tokens, q.Filter, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("keyword: %w", err)
	}

	out := make([]CandidateResult, 0, len(items))
	for _, item := range items {
		out = append(out, CandidateResult{
			Item:      item,
			Strategy:  StrategyKeyword,
			Signal:    matchRatio(item, tokens),
			HasSignal: true,
		})
	}
	return out, nil
}

func matchRatio(item *storage.KnowledgeItem, tokens []string) float64 {
	haystack := strings.ToLower(item.Title + "\n" + item.Content + "\n" + item.Summary)
	matched := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}
