package retrieval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerctx-go/pkg/retrieval"
	"github.com/oceanbase/powerctx-go/pkg/storage"
)

func newTestEngine(store *memStore, emb *hashEmbedder, timeout time.Duration) *retrieval.Engine {
	cfg := &retrieval.Config{
		StrategyTimeout: timeout,
		Now:             fixedClock,
	}
	if emb == nil {
		return retrieval.NewEngine(store, nil, cfg)
	}
	return retrieval.NewEngine(store, emb, cfg)
}

func TestEngine_RequiresOwner(t *testing.T) {
	engine := newTestEngine(newMemStore(), nil, 0)
	_, err := engine.Retrieve(context.Background(), retrieval.Request{Query: "anything"})
	assert.True(t, errors.Is(err, retrieval.ErrInvalidRequest))
}

func TestEngine_ItemsFromLastWeek(t *testing.T) {
	store := newMemStore()
	store.add(item("old", storage.SourceGmail, time.Date(2024, time.May, 20, 9, 0, 0, 0, time.UTC)))
	store.add(item("w1", storage.SourceGmail, time.Date(2024, time.June, 3, 9, 0, 0, 0, time.UTC)))
	store.add(item("w2", storage.SourceJira, time.Date(2024, time.June, 7, 9, 0, 0, 0, time.UTC)))
	store.add(item("w3", storage.SourceCalendar, time.Date(2024, time.June, 5, 9, 0, 0, 0, time.UTC)))
	store.add(item("now", storage.SourceGDrive, time.Date(2024, time.June, 11, 9, 0, 0, 0, time.UTC)))

	engine := newTestEngine(store, nil, time.Second)
	res, err := engine.Retrieve(context.Background(), retrieval.Request{
		OwnerID: "u1",
		Query:   "show me items from last week",
	})
	require.NoError(t, err)

	assert.True(t, res.Hints.IsTemporal)
	require.Len(t, res.Items, 3)
	for _, it := range res.Items {
		assert.Equal(t, 0.9, it.Score)
		assert.Equal(t, retrieval.OriginTemporal, it.Origin)
	}
	assert.Equal(t, "w2", res.Items[0].Item.ID)
	assert.Equal(t, "w3", res.Items[1].Item.ID)
	assert.Equal(t, "w1", res.Items[2].Item.ID)
	assert.Equal(t, 3, res.Counts[retrieval.StrategyTemporal])
	assert.Zero(t, res.EpisodicCount)
}

func TestEngine_TemporalRoundRobin(t *testing.T) {
	store := newMemStore()
	for i, src := range []string{storage.SourceGmail, storage.SourceGmail, storage.SourceGmail, storage.SourceOutlook} {
		store.add(item(string(rune('a'+i)), src, testNow.Add(-time.Duration(i)*time.Hour)))
	}

	engine := newTestEngine(store, nil, time.Second)
	res, err := engine.Retrieve(context.Background(), retrieval.Request{
		OwnerID: "u1",
		Query:   "latest emails",
		Limit:   2,
	})
	require.NoError(t, err)

	// max(2, 2/2) per source: gmail a, b and outlook d. All three tie at the
	// temporal score, so Rank orders them newest first and keeps a, b.
	assert.Equal(t, 3, res.Counts[retrieval.StrategyTemporal])
	require.Len(t, res.Items, 2)
	assert.Equal(t, "a", res.Items[0].Item.ID)
	assert.Equal(t, "b", res.Items[1].Item.ID)
	for _, it := range res.Items {
		assert.Equal(t, retrieval.TemporalScore, it.Score)
	}
}

func TestEngine_StrategyTimeoutDegrades(t *testing.T) {
	store := newMemStore()
	doc := store.add(item("doc", storage.SourceGDrive, testNow))
	store.vectors[doc.ID] = []float64{1, 0, 0}
	store.blockFullText = true

	emb := &hashEmbedder{vectors: map[string][]float64{"budget plan": {1, 0, 0}}}
	engine := newTestEngine(store, emb, 50*time.Millisecond)

	start := time.Now()
	res, err := engine.Retrieve(context.Background(), retrieval.Request{
		OwnerID:      "u1",
		Query:        "budget plan",
		SkipEpisodic: true,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, res.Items, 1)
	assert.Equal(t, "doc", res.Items[0].Item.ID)
	assert.InDelta(t, 1.0, res.Items[0].Components.Semantic, 1e-9)
	assert.Equal(t, 1, store.callCount("fulltext"))
	assert.Zero(t, res.Counts[retrieval.StrategyFullText])
	assert.Zero(t, store.callCount("substring"), "keyword fallback runs only without semantic hits")
}

func TestEngine_KeywordFallback(t *testing.T) {
	store := newMemStore()
	it := item("t1", storage.SourceJira, testNow)
	it.Content = "Prepare the budget review"
	store.add(it)

	emb := &hashEmbedder{fail: true}
	engine := newTestEngine(store, emb, time.Second)

	res, err := engine.Retrieve(context.Background(), retrieval.Request{OwnerID: "u1", Query: "budget review"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, 1, res.Counts[retrieval.StrategyKeyword])
	assert.InDelta(t, 1.0, res.Items[0].Components.Semantic, 1e-9)
}

func TestEngine_KeywordFallbackAfterEmbeddingTimeout(t *testing.T) {
	store := newMemStore()
	it := item("doc", storage.SourceGDrive, testNow)
	it.Content = "quarterly budget review"
	store.add(it)

	emb := &hashEmbedder{block: true}
	engine := newTestEngine(store, emb, 50*time.Millisecond)

	start := time.Now()
	res, err := engine.Retrieve(context.Background(), retrieval.Request{
		OwnerID:      "u1",
		Query:        "budget review",
		SkipEpisodic: true,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, 1, store.callCount("substring"))
	assert.Equal(t, 1, res.Counts[retrieval.StrategyKeyword])
	require.Len(t, res.Items, 1)
	assert.Equal(t, "doc", res.Items[0].Item.ID)
	assert.Contains(t, res.Items[0].Strategies, retrieval.StrategyKeyword)
}

func TestEngine_SourceFilterRetry(t *testing.T) {
	store := newMemStore()
	it := item("t1", storage.SourceJira, testNow)
	it.Content = "Budget approval pending"
	store.add(it)

	engine := newTestEngine(store, nil, time.Second)

	res, err := engine.Retrieve(context.Background(), retrieval.Request{OwnerID: "u1", Query: "emails about budget"})
	require.NoError(t, err)
	assert.Equal(t, []string{storage.SourceGmail, storage.SourceOutlook}, res.Hints.CandidateSources)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "t1", res.Items[0].Item.ID)
	assert.Zero(t, res.Items[0].Components.ExplicitBoost)

	// caller-supplied sources are never widened
	res, err = engine.Retrieve(context.Background(), retrieval.Request{
		OwnerID: "u1",
		Query:   "emails about budget",
		Sources: []string{storage.SourceGmail},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestEngine_EntityAndMetadata(t *testing.T) {
	store := newMemStore()
	mail := item("m1", storage.SourceGmail, testNow)
	mail.Title = "Q3 numbers"
	mail.Content = "Attached are the figures."
	mail.Metadata = map[string]interface{}{"from": "Sarah Chen <sarah@acme.com>"}
	store.add(mail)

	require.NoError(t, store.UpsertEntity(context.Background(), &storage.Entity{
		ID: "e1", OwnerID: "u1", Type: "person", Name: "Sarah Chen", NormalizedName: "sarah chen", MentionCount: 3,
	}))
	require.NoError(t, store.AddMention(context.Background(), &storage.Mention{EntityID: "e1", ItemID: "m1"}))

	engine := newTestEngine(store, nil, time.Second)
	res, err := engine.Retrieve(context.Background(), retrieval.Request{OwnerID: "u1", Query: "emails from Sarah Chen"})
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	got := res.Items[0]
	assert.ElementsMatch(t, []retrieval.StrategyKind{retrieval.StrategyEntity, retrieval.StrategyMetadata}, got.Strategies)
	assert.Equal(t, retrieval.MetadataSignal, got.Components.Semantic)
	assert.Equal(t, retrieval.EntityStrategyFloor, got.Components.Entity)
	assert.Equal(t, retrieval.ExplicitSourceBoost, got.Components.ExplicitBoost)
	assert.InDelta(t, 1.3, got.Score, 1e-9)

	require.Len(t, res.Entities, 1)
	assert.Equal(t, retrieval.EntityRef{Type: "person", Name: "Sarah Chen", Email: "sarah@acme.com"}, res.Entities[0])
}

func TestEngine_EntityTokensMatchWholeWords(t *testing.T) {
	store := newMemStore()
	x := store.add(item("x", storage.SourceGDrive, testNow))
	store.ftRank[x.ID] = 0.5

	require.NoError(t, store.UpsertEntity(context.Background(), &storage.Entity{
		ID: "e1", OwnerID: "u1", Type: "person", Name: "Heather Smith", NormalizedName: "heather smith", MentionCount: 2,
	}))
	require.NoError(t, store.AddMention(context.Background(), &storage.Mention{EntityID: "e1", ItemID: "x"}))

	engine := newTestEngine(store, nil, time.Second)

	// "the" is inside "heather" but is not one of its words
	res, err := engine.Retrieve(context.Background(), retrieval.Request{OwnerID: "u1", Query: "what is the plan"})
	require.NoError(t, err)
	assert.Zero(t, res.Counts[retrieval.StrategyEntity])
	require.Len(t, res.Items, 1)
	assert.Equal(t, "x", res.Items[0].Item.ID)
	assert.Zero(t, res.Items[0].Components.Entity)
	assert.NotContains(t, res.Items[0].Strategies, retrieval.StrategyEntity)

	res, err = engine.Retrieve(context.Background(), retrieval.Request{OwnerID: "u1", Query: "notes for smith"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts[retrieval.StrategyEntity])
	require.Len(t, res.Items, 1)
	assert.Contains(t, res.Items[0].Strategies, retrieval.StrategyEntity)
	assert.Positive(t, res.Items[0].Components.Entity)
}

func TestEngine_EpisodicMerge(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.SaveSession(context.Background(), &storage.Session{ID: "s1", OwnerID: "u1"}))
	require.NoError(t, store.AppendTurn(context.Background(), &storage.Turn{
		ID: "t1", SessionID: "s1", OwnerID: "u1", Role: "user", Content: "offsite venue ideas", CreatedAt: testNow,
	}))

	emb := &hashEmbedder{vectors: map[string][]float64{
		"offsite venue":       {1, 0, 0},
		"offsite venue ideas": {1, 0, 0},
	}}
	engine := newTestEngine(store, emb, time.Second)

	res, err := engine.Retrieve(context.Background(), retrieval.Request{OwnerID: "u1", Query: "offsite venue", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 1, res.EpisodicCount)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "turn:t1", res.Items[0].Item.ID)
	assert.Equal(t, retrieval.OriginEpisodic, res.Items[0].Origin)
	assert.LessOrEqual(t, res.Items[0].Score, retrieval.EpisodicCeiling)

	// explicit content types suppress episodic recall
	res, err = engine.Retrieve(context.Background(), retrieval.Request{OwnerID: "u1", Query: "offsite venue emails", SessionID: "s1"})
	require.NoError(t, err)
	assert.Zero(t, res.EpisodicCount)
}
