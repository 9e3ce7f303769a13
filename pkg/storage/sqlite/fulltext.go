package sqlite

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/search/query"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// DefaultItemCacheSize is the default number of hydrated items cached behind the index.
const DefaultItemCacheSize = 4096

// fullTextIndex ranks items with bleve and keeps recently indexed items in a
// bounded LRU so most hits hydrate without a round trip to SQLite.
type fullTextIndex struct {
	idx   bleve.Index
	mu    sync.RWMutex
	items *lru.Cache[string, *storage.KnowledgeItem]
}

type fullTextDocument struct {
	OwnerID string `json:"owner_id"`
	Source  string `json:"source"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Content string `json:"content"`
}

func newFullTextIndex(cacheSize int) (*fullTextIndex, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultItemCacheSize
	}

	// owner_id and source must match exactly, so they bypass the standard analyzer
	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	exact.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("owner_id", exact)
	doc.AddFieldMappingsAt("source", exact)

	mapping := bleve.NewIndexMapping()
	mapping.DefaultMapping = doc

	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}

	cache, err := lru.New[string, *storage.KnowledgeItem](cacheSize)
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	return &fullTextIndex{idx: index, items: cache}, nil
}

func (f *fullTextIndex) index(item *storage.KnowledgeItem) error {
	doc := fullTextDocument{
		OwnerID: item.OwnerID,
		Source:  item.Source,
		Title:   item.Title,
		Summary: item.Summary,
		Content: item.Content,
	}
	if err := f.idx.Index(item.ID, doc); err != nil {
		return err
	}

	cp := *item
	f.mu.Lock()
	f.items.Add(item.ID, &cp)
	f.mu.Unlock()
	return nil
}

func (f *fullTextIndex) remove(id string) error {
	f.mu.Lock()
	f.items.Remove(id)
	f.mu.Unlock()
	return f.idx.Delete(id)
}

// search returns (id, score) pairs for the owner, best first.
func (f *fullTextIndex) search(ctx context.Context, ownerID, text string, size int) ([]storage.Hit, error) {
	match := bleve.NewMatchQuery(text)
	owner := bleve.NewTermQuery(ownerID)
	owner.SetField("owner_id")

	var q query.Query = bleve.NewConjunctionQuery(match, owner)

	req := bleve.NewSearchRequestOptions(q, size, 0, false)
	res, err := f.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	hits := make([]storage.Hit, 0, len(res.Hits))
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, h := range res.Hits {
		hit := storage.Hit{Score: h.Score, Item: &storage.KnowledgeItem{ID: h.ID}}
		if cached, ok := f.items.Get(h.ID); ok {
			cp := *cached
			hit.Item = &cp
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (f *fullTextIndex) close() error {
	return f.idx.Close()
}
