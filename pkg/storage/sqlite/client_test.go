package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerctx-go/pkg/storage"
	sqliteStore "github.com/oceanbase/powerctx-go/pkg/storage/sqlite"
)

func setupSQLiteTest(t *testing.T) (*sqliteStore.Client, func()) {
	dbPath := filepath.Join(t.TempDir(), "powerctx_test.db")

	store, err := sqliteStore.NewClient(&sqliteStore.Config{DBPath: dbPath})
	require.NoError(t, err)
	require.NotNil(t, store)

	cleanup := func() {
		_ = store.Close()
	}
	return store, cleanup
}

func newItem(owner, source, sourceID, title, content string, created time.Time) *storage.KnowledgeItem {
	return &storage.KnowledgeItem{
		OwnerID:         owner,
		Source:          source,
		SourceID:        sourceID,
		ContentKind:     storage.KindEmail,
		Title:           title,
		Content:         content,
		SourceCreatedAt: created,
	}
}

func TestSQLiteClient_UpsertItemIsIdempotent(t *testing.T) {
	store, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	item := newItem("u1", storage.SourceGmail, "msg-1", "Budget review", "Q3 budget numbers", time.Now())
	require.NoError(t, store.UpsertItem(ctx, item))
	firstID := item.ID
	require.NotEmpty(t, firstID)

	again := newItem("u1", storage.SourceGmail, "msg-1", "Budget review v2", "updated numbers", time.Now())
	require.NoError(t, store.UpsertItem(ctx, again))
	assert.Equal(t, firstID, again.ID)

	got, err := store.GetItem(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, "Budget review v2", got.Title)

	recent, err := store.MostRecent(ctx, storage.Filter{OwnerID: "u1"}, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestSQLiteClient_GetItemNotFound(t *testing.T) {
	store, cleanup := setupSQLiteTest(t)
	defer cleanup()

	_, err := store.GetItem(context.Background(), "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSQLiteClient_VectorSearch(t *testing.T) {
	store, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	near := newItem("u1", storage.SourceGmail, "a", "near", "near", time.Now())
	far := newItem("u1", storage.SourceJira, "b", "far", "far", time.Now())
	other := newItem("u2", storage.SourceGmail, "c", "other owner", "x", time.Now())
	for _, it := range []*storage.KnowledgeItem{near, far, other} {
		require.NoError(t, store.UpsertItem(ctx, it))
	}

	require.NoError(t, store.SaveEmbeddings(ctx, near.ID, []*storage.EmbeddingRecord{
		{ChunkIndex: 0, ChunkText: "near", Vector: []float64{0, 1, 0}},
		{ChunkIndex: 1, ChunkText: "near 2", Vector: []float64{1, 0, 0}},
	}))
	require.NoError(t, store.SaveEmbeddings(ctx, far.ID, []*storage.EmbeddingRecord{
		{ChunkIndex: 0, Vector: []float64{0, 0, 1}},
	}))
	require.NoError(t, store.SaveEmbeddings(ctx, other.ID, []*storage.EmbeddingRecord{
		{ChunkIndex: 0, Vector: []float64{1, 0, 0}},
	}))

	hits, err := store.VectorSearch(ctx, []float64{1, 0, 0}, storage.Filter{OwnerID: "u1"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near.ID, hits[0].Item.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)

	hits, err = store.VectorSearch(ctx, []float64{1, 0, 0}, storage.Filter{OwnerID: "u1", Sources: []string{storage.SourceJira}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, far.ID, hits[0].Item.ID)
}

func TestSQLiteClient_FullTextSearch(t *testing.T) {
	store, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	a := newItem("u1", storage.SourceGmail, "a", "Quarterly budget", "The budget for marketing", time.Now())
	b := newItem("u1", storage.SourceGDrive, "b", "Roadmap", "Product roadmap draft", time.Now())
	c := newItem("u2", storage.SourceGmail, "c", "Budget", "budget budget", time.Now())
	for _, it := range []*storage.KnowledgeItem{a, b, c} {
		require.NoError(t, store.UpsertItem(ctx, it))
	}

	hits, err := store.FullTextSearch(ctx, "budget", storage.Filter{OwnerID: "u1"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].Item.ID)
	assert.Greater(t, hits[0].Score, 0.0)

	hits, err = store.FullTextSearch(ctx, "budget", storage.Filter{OwnerID: "u1", Sources: []string{storage.SourceGDrive}}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSQLiteClient_FullTextSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	store, err := sqliteStore.NewClient(&sqliteStore.Config{DBPath: dbPath})
	require.NoError(t, err)
	item := newItem("u1", storage.SourceJira, "PROJ-1", "Login bug", "users cannot login", time.Now())
	require.NoError(t, store.UpsertItem(ctx, item))
	require.NoError(t, store.Close())

	store, err = sqliteStore.NewClient(&sqliteStore.Config{DBPath: dbPath})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	hits, err := store.FullTextSearch(ctx, "login", storage.Filter{OwnerID: "u1"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "PROJ-1", hits[0].Item.SourceID)
}

func TestSQLiteClient_Entities(t *testing.T) {
	store, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	item1 := newItem("u1", storage.SourceGmail, "1", "hello", "from sarah", time.Now())
	item2 := newItem("u1", storage.SourceJira, "2", "task", "assigned to sarah", time.Now())
	require.NoError(t, store.UpsertItem(ctx, item1))
	require.NoError(t, store.UpsertItem(ctx, item2))

	sarah := &storage.Entity{OwnerID: "u1", Type: "person", Name: "Sarah  Connor"}
	sara := &storage.Entity{OwnerID: "u1", Type: "person", Name: "Sarah Lee"}
	require.NoError(t, store.UpsertEntity(ctx, sarah))
	require.NoError(t, store.UpsertEntity(ctx, sara))
	assert.Equal(t, "sarah connor", sarah.NormalizedName)

	require.NoError(t, store.AddMention(ctx, &storage.Mention{EntityID: sarah.ID, ItemID: item1.ID}))
	require.NoError(t, store.AddMention(ctx, &storage.Mention{EntityID: sarah.ID, ItemID: item2.ID}))
	// duplicate mention must not inflate the count
	require.NoError(t, store.AddMention(ctx, &storage.Mention{EntityID: sarah.ID, ItemID: item2.ID}))
	require.NoError(t, store.AddMention(ctx, &storage.Mention{EntityID: sara.ID, ItemID: item1.ID}))

	found, err := store.LookupEntities(ctx, "u1", "Sarah", 5)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, sarah.ID, found[0].ID)
	assert.Equal(t, 2, found[0].MentionCount)

	items, err := store.ItemsMentioning(ctx, sarah.ID, storage.Filter{OwnerID: "u1"}, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	names, err := store.ItemEntities(ctx, []string{item1.ID, item2.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sarah connor", "sarah lee"}, names[item1.ID])
	assert.Equal(t, []string{"sarah connor"}, names[item2.ID])
}

func TestSQLiteClient_SubstringAndMetadataSearch(t *testing.T) {
	store, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	item := newItem("u1", storage.SourceGmail, "1", "Offsite plan", "venue and catering", time.Now())
	item.Metadata = map[string]interface{}{"from": "Sarah@Example.com"}
	require.NoError(t, store.UpsertItem(ctx, item))

	items, err := store.SubstringSearch(ctx, []string{"catering", "nothing"}, storage.Filter{OwnerID: "u1"}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = store.MetadataSearch(ctx, "sarah@example", storage.Filter{OwnerID: "u1"}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
}

func TestSQLiteClient_MostRecentWindow(t *testing.T) {
	store, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	for i, age := range []time.Duration{1 * time.Hour, 48 * time.Hour, 30 * 24 * time.Hour} {
		it := newItem("u1", storage.SourceCalendar, string(rune('a'+i)), "event", "event", now.Add(-age))
		require.NoError(t, store.UpsertItem(ctx, it))
	}

	items, err := store.MostRecent(ctx, storage.Filter{OwnerID: "u1", From: now.Add(-7 * 24 * time.Hour)}, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].SourceCreatedAt.After(items[1].SourceCreatedAt))
}

func TestSQLiteClient_DeleteItem(t *testing.T) {
	store, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	item := newItem("u1", storage.SourceGmail, "1", "Invoice", "invoice attached", time.Now())
	require.NoError(t, store.UpsertItem(ctx, item))
	require.NoError(t, store.DeleteItem(ctx, "u1", storage.SourceGmail, "1"))

	hits, err := store.FullTextSearch(ctx, "invoice", storage.Filter{OwnerID: "u1"}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	err = store.DeleteItem(ctx, "u1", storage.SourceGmail, "1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSQLiteClient_Conversation(t *testing.T) {
	store, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.AppendTurn(ctx, &storage.Turn{SessionID: "s1", OwnerID: "u1", Role: "user", Content: "first", CreatedAt: base}))
	require.NoError(t, store.AppendTurn(ctx, &storage.Turn{SessionID: "s1", OwnerID: "u1", Role: "assistant", Content: "second", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, store.AppendTurn(ctx, &storage.Turn{SessionID: "s2", OwnerID: "u1", Role: "user", Content: "other", CreatedAt: base.Add(2 * time.Minute)}))

	sessions, err := store.RecentSessions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s2", sessions[0].ID)

	turns, err := store.RecentTurns(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "second", turns[0].Content)

	require.NoError(t, store.SaveSession(ctx, &storage.Session{ID: "s1", OwnerID: "u1", Snapshot: []byte(`{"a":1}`)}))
	loaded, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(loaded.Snapshot))

	_, err = store.LoadSession(ctx, "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
