package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

const entityLookupLimit = 5

// EntityStrategy finds items through the entities they mention.
//
// Names come from the entity filter, else the extracted entities, else the
// query tokens of three or more characters. For each name the most-mentioned
// fuzzy match is taken and its items returned. A bare query token only
// matches an entity whose normalized name contains it as a whole word.
type EntityStrategy struct {
	store storage.KnowledgeStore
}

// NewEntityStrategy creates an EntityStrategy over store.
func NewEntityStrategy(store storage.KnowledgeStore) *EntityStrategy {
	return &EntityStrategy{store: store}
}

// Kind returns StrategyEntity.
func (s *EntityStrategy) Kind() StrategyKind {
	return StrategyEntity
}

func (s *EntityStrategy) Retrieve(ctx context.Context, q Query) ([]CandidateResult, error) {
	var out []CandidateResult
	seenEntity := make(map[string]bool)

	names, fromTokens := entityNames(q)
	for _, name := range names {
		matches, err := s.store.LookupEntities(ctx, q.OwnerID, storage.NormalizeName(name), entityLookupLimit)
		if err != nil {
			return out, fmt.Errorf("entity: %w", err)
		}
		best := pickEntity(matches, name, fromTokens)
		if best == nil || seenEntity[best.ID] {
			continue
		}
		seenEntity[best.ID] = true

		items, err := s.store.ItemsMentioning(ctx, best.ID, q.Filter, q.Limit)
		if err != nil {
			return out, fmt.Errorf("entity: %w", err)
		}
		for _, c := range toCandidates(items, StrategyEntity) {
			c.EntityName = best.NormalizedName
			c.EntityType = best.Type
			out = append(out, c)
		}
	}
	return out, nil
}

// entityNames also reports whether the names are raw query tokens.
func entityNames(q Query) ([]string, bool) {
	if q.Hints.EntityFilter != "" {
		return []string{q.Hints.EntityFilter}, false
	}
	if len(q.Hints.Entities) > 0 {
		return q.Hints.Entities, false
	}
	return longTokens(q.Text, 0), true
}

// pickEntity returns the most-mentioned match, which for a query token must
// carry the token as one of its words. matches arrive ordered by mention count.
func pickEntity(matches []*storage.Entity, name string, wholeWord bool) *storage.Entity {
	if !wholeWord {
		if len(matches) == 0 {
			return nil
		}
		return matches[0]
	}
	token := storage.NormalizeName(name)
	for _, m := range matches {
		for _, word := range strings.Fields(m.NormalizedName) {
			if word == token {
				return m
			}
		}
	}
	return nil
}

// longTokens returns the distinct lower-cased tokens of three or more
// characters, at most n of them (all when n <= 0).
func longTokens(text string, n int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range Tokenize(strings.ToLower(text)) {
		if len([]rune(tok)) < 3 || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}
