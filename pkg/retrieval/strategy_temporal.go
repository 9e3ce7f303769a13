package retrieval

import (
	"context"
	"fmt"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// TemporalStrategy answers "latest"/"most recent" queries with the newest
// items, spread evenly across the candidate sources.
type TemporalStrategy struct {
	store storage.KnowledgeStore
}

// NewTemporalStrategy creates a TemporalStrategy over store.
func NewTemporalStrategy(store storage.KnowledgeStore) *TemporalStrategy {
	return &TemporalStrategy{store: store}
}

// Kind returns StrategyTemporal.
func (s *TemporalStrategy) Kind() StrategyKind {
	return StrategyTemporal
}

// Retrieve returns nothing unless the query is temporal. With candidate
// sources each source contributes up to max(2, limit/len(sources)) items and
// the lists are interleaved round-robin.
func (s *TemporalStrategy) Retrieve(ctx context.Context, q Query) ([]CandidateResult, error) {
	if !q.Hints.IsTemporal {
		return nil, nil
	}

	sources := q.Filter.Sources
	if len(sources) == 0 {
		items, err := s.store.MostRecent(ctx, q.Filter, q.Limit)
		if err != nil {
			return nil, fmt.Errorf("temporal: %w", err)
		}
		return temporalCandidates(items), nil
	}

	perSource := q.Limit / len(sources)
	if perSource < 2 {
		perSource = 2
	}

	lists := make([][]*storage.KnowledgeItem, 0, len(sources))
	for _, src := range sources {
		f := q.Filter
		f.Sources = []string{src}
		items, err := s.store.MostRecent(ctx, f, perSource)
		if err != nil {
			return nil, fmt.Errorf("temporal: %w", err)
		}
		lists = append(lists, items)
	}

	var merged []*storage.KnowledgeItem
	for i := 0; i < perSource; i++ {
		for _, list := range lists {
			if i < len(list) {
				merged = append(merged, list[i])
			}
		}
	}
	return temporalCandidates(merged), nil
}

func temporalCandidates(items []*storage.KnowledgeItem) []CandidateResult {
	out := make([]CandidateResult, 0, len(items))
	for _, item := range items {
		out = append(out, CandidateResult{
			Item:      item,
			Strategy:  StrategyTemporal,
			Signal:    TemporalScore,
			HasSignal: true,
		})
	}
	return out
}
