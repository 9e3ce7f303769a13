package retrieval_test

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// memStore is an in-memory storage.Store for engine tests.
type memStore struct {
	mu       sync.Mutex
	items    []*storage.KnowledgeItem
	vectors  map[string][]float64
	ftRank   map[string]float64
	entities []*storage.Entity
	mentions map[string][]string // entity id -> item ids
	sessions []*storage.Session
	turns    map[string][]*storage.Turn

	// blockFullText makes FullTextSearch wait for its context.
	blockFullText bool
	calls         map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		vectors:  make(map[string][]float64),
		ftRank:   make(map[string]float64),
		mentions: make(map[string][]string),
		turns:    make(map[string][]*storage.Turn),
		calls:    make(map[string]int),
	}
}

func (m *memStore) record(op string) {
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

func (m *memStore) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *memStore) add(item *storage.KnowledgeItem) *storage.KnowledgeItem {
	m.items = append(m.items, item)
	return item
}

func (m *memStore) UpsertItem(ctx context.Context, item *storage.KnowledgeItem) error {
	m.items = append(m.items, item)
	return nil
}

func (m *memStore) GetItem(ctx context.Context, id string) (*storage.KnowledgeItem, error) {
	for _, it := range m.items {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) DeleteItem(ctx context.Context, ownerID, source, sourceID string) error {
	return nil
}

func (m *memStore) SaveEmbeddings(ctx context.Context, itemID string, records []*storage.EmbeddingRecord) error {
	if len(records) > 0 {
		m.vectors[itemID] = records[0].Vector
	}
	return nil
}

func (m *memStore) UpsertEntity(ctx context.Context, entity *storage.Entity) error {
	m.entities = append(m.entities, entity)
	return nil
}

func (m *memStore) AddMention(ctx context.Context, mention *storage.Mention) error {
	m.mentions[mention.EntityID] = append(m.mentions[mention.EntityID], mention.ItemID)
	return nil
}

func (m *memStore) filtered(f storage.Filter) []*storage.KnowledgeItem {
	var out []*storage.KnowledgeItem
	for _, it := range m.items {
		if f.Matches(it) {
			out = append(out, it)
		}
	}
	return out
}

func newestFirst(items []*storage.KnowledgeItem, limit int) []*storage.KnowledgeItem {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].SourceCreatedAt.After(items[j].SourceCreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (m *memStore) VectorSearch(ctx context.Context, vector []float64, filter storage.Filter, limit int) ([]storage.Hit, error) {
	m.record("vector")
	var hits []storage.Hit
	for _, it := range m.filtered(filter) {
		if v, ok := m.vectors[it.ID]; ok {
			hits = append(hits, storage.Hit{Item: it, Score: storage.CosineSimilarity(vector, v)})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

func (m *memStore) FullTextSearch(ctx context.Context, text string, filter storage.Filter, limit int) ([]storage.Hit, error) {
	m.record("fulltext")
	if m.blockFullText {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var hits []storage.Hit
	for _, it := range m.filtered(filter) {
		if r, ok := m.ftRank[it.ID]; ok {
			hits = append(hits, storage.Hit{Item: it, Score: r})
		}
	}
	return hits, nil
}

func (m *memStore) LookupEntities(ctx context.Context, ownerID, normalizedName string, limit int) ([]*storage.Entity, error) {
	var out []*storage.Entity
	for _, e := range m.entities {
		if e.OwnerID == ownerID && strings.Contains(e.NormalizedName, normalizedName) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MentionCount > out[j].MentionCount })
	return out, nil
}

func (m *memStore) ItemsMentioning(ctx context.Context, entityID string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	var out []*storage.KnowledgeItem
	for _, id := range m.mentions[entityID] {
		it, _ := m.GetItem(ctx, id)
		if it != nil && filter.Matches(it) {
			out = append(out, it)
		}
	}
	return newestFirst(out, limit), nil
}

func (m *memStore) SubstringSearch(ctx context.Context, tokens []string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	m.record("substring")
	var out []*storage.KnowledgeItem
	for _, it := range m.filtered(filter) {
		hay := strings.ToLower(it.Title + " " + it.Content + " " + it.Summary)
		for _, tok := range tokens {
			if strings.Contains(hay, tok) {
				out = append(out, it)
				break
			}
		}
	}
	return newestFirst(out, limit), nil
}

func (m *memStore) MetadataSearch(ctx context.Context, term string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	var out []*storage.KnowledgeItem
	for _, it := range m.filtered(filter) {
		raw, _ := json.Marshal(it.Metadata)
		if strings.Contains(strings.ToLower(string(raw)), strings.ToLower(term)) {
			out = append(out, it)
		}
	}
	return newestFirst(out, limit), nil
}

func (m *memStore) MostRecent(ctx context.Context, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	m.record("recent")
	return newestFirst(m.filtered(filter), limit), nil
}

func (m *memStore) ItemEntities(ctx context.Context, itemIDs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, e := range m.entities {
		for _, id := range m.mentions[e.ID] {
			out[id] = append(out[id], e.NormalizedName)
		}
	}
	return out, nil
}

func (m *memStore) SaveSession(ctx context.Context, session *storage.Session) error {
	m.sessions = append(m.sessions, session)
	return nil
}

func (m *memStore) LoadSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	for _, s := range m.sessions {
		if s.ID == sessionID {
			return s, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) RecentSessions(ctx context.Context, ownerID string, limit int) ([]*storage.Session, error) {
	var out []*storage.Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) AppendTurn(ctx context.Context, turn *storage.Turn) error {
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], turn)
	return nil
}

func (m *memStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]*storage.Turn, error) {
	return m.turns[sessionID], nil
}

func (m *memStore) Close() error {
	return nil
}

// hashEmbedder maps text to a fixed vector table, falling back to a
// deterministic hash vector for unknown text.
type hashEmbedder struct {
	vectors map[string][]float64
	fail    bool

	// block makes Embed wait for its context.
	block bool
}

func (h *hashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if h.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if h.fail {
		return nil, context.DeadlineExceeded
	}
	if v, ok := h.vectors[text]; ok {
		return v, nil
	}
	f := fnv.New32a()
	_, _ = f.Write([]byte(text))
	s := float64(f.Sum32()%1000) / 1000
	return []float64{s, 1 - s, 0.01}, nil
}

func (h *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *hashEmbedder) Dimensions() int {
	return 3
}

func (h *hashEmbedder) Close() error {
	return nil
}

var testNow = time.Date(2024, time.June, 12, 15, 0, 0, 0, time.UTC) // a Wednesday

func fixedClock() time.Time {
	return testNow
}

func item(id, source string, created time.Time) *storage.KnowledgeItem {
	return &storage.KnowledgeItem{
		ID:              id,
		OwnerID:         "u1",
		Source:          source,
		SourceID:        "src-" + id,
		Title:           "item " + id,
		Content:         "content of " + id,
		SourceCreatedAt: created,
	}
}
