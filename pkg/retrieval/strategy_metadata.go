package retrieval

import (
	"context"
	"fmt"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// MetadataStrategy matches extracted entities against item metadata
// (senders, recipients, assignees). Hits carry the metadata signal, which
// stands in for semantic similarity.
type MetadataStrategy struct {
	store storage.KnowledgeStore
}

// NewMetadataStrategy creates a MetadataStrategy over store.
func NewMetadataStrategy(store storage.KnowledgeStore) *MetadataStrategy {
	return &MetadataStrategy{store: store}
}

// Kind returns StrategyMetadata.
func (s *MetadataStrategy) Kind() StrategyKind {
	return StrategyMetadata
}

func (s *MetadataStrategy) Retrieve(ctx context.Context, q Query) ([]CandidateResult, error) {
	terms := q.Hints.Entities
	if len(terms) == 0 && q.Hints.EntityFilter != "" {
		terms = []string{q.Hints.EntityFilter}
	}

	var out []CandidateResult
	for _, term := range terms {
		items, err := s.store.MetadataSearch(ctx, term, q.Filter, q.Limit)
		if err != nil {
			return out, fmt.Errorf("metadata: %w", err)
		}
		for _, item := range items {
			out = append(out, CandidateResult{
				Item:      item,
				Strategy:  StrategyMetadata,
				Signal:    MetadataSignal,
				HasSignal: true,
			})
		}
	}
	return out, nil
}
