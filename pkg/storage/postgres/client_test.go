package postgres_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerctx-go/pkg/storage"
	postgresStore "github.com/oceanbase/powerctx-go/pkg/storage/postgres"
)

func setupPostgresTest(t *testing.T) (*postgresStore.Client, string, func()) {
	// Load .env file from project root
	_ = godotenv.Load(filepath.Join("..", "..", "..", ".env"))

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "127.0.0.1"
	}

	portStr := os.Getenv("POSTGRES_PORT")
	if portStr == "" {
		portStr = "5432"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Skipf("Skipping PostgreSQL test: invalid POSTGRES_PORT: %s", portStr)
	}

	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "postgres"
	}

	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		t.Skip("Skipping PostgreSQL test: POSTGRES_PASSWORD not set")
	}

	dbName := os.Getenv("POSTGRES_DATABASE")
	if dbName == "" {
		dbName = "powerctx_test"
	}

	store, err := postgresStore.NewClient(&postgresStore.Config{
		Host:               host,
		Port:               port,
		User:               user,
		Password:           password,
		DBName:             dbName,
		SSLMode:            "disable",
		EmbeddingModelDims: 3,
	})
	if err != nil {
		t.Skipf("Skipping PostgreSQL test: failed to connect: %v", err)
	}

	// every test writes under its own owner so runs never collide
	owner := "pg-" + uuid.NewString()

	cleanup := func() {
		_ = store.Close()
	}
	return store, owner, cleanup
}

func TestPostgresClient_ItemsAndSearch(t *testing.T) {
	store, owner, cleanup := setupPostgresTest(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	mail := &storage.KnowledgeItem{
		OwnerID: owner, Source: storage.SourceGmail, SourceID: "m1", ContentKind: storage.KindEmail,
		Title: "Quarterly budget", Content: "The budget for marketing", SourceCreatedAt: now.Add(-time.Hour),
		Metadata: map[string]interface{}{"from": "sarah@example.com"},
	}
	doc := &storage.KnowledgeItem{
		OwnerID: owner, Source: storage.SourceGDrive, SourceID: "d1", ContentKind: storage.KindDocument,
		Title: "Roadmap", Content: "Product roadmap draft", SourceCreatedAt: now.Add(-48 * time.Hour),
	}
	require.NoError(t, store.UpsertItem(ctx, mail))
	require.NoError(t, store.UpsertItem(ctx, doc))

	firstID := mail.ID
	mail.Title = "Quarterly budget v2"
	require.NoError(t, store.UpsertItem(ctx, mail))
	assert.Equal(t, firstID, mail.ID)

	require.NoError(t, store.SaveEmbeddings(ctx, mail.ID, []*storage.EmbeddingRecord{
		{ChunkIndex: 0, ChunkText: "budget", Vector: []float64{1, 0, 0}},
	}))
	require.NoError(t, store.SaveEmbeddings(ctx, doc.ID, []*storage.EmbeddingRecord{
		{ChunkIndex: 0, ChunkText: "roadmap", Vector: []float64{0, 1, 0}},
	}))

	filter := storage.Filter{OwnerID: owner}

	hits, err := store.VectorSearch(ctx, []float64{1, 0, 0}, filter, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, mail.ID, hits[0].Item.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	hits, err = store.FullTextSearch(ctx, "budget", filter, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Quarterly budget v2", hits[0].Item.Title)

	items, err := store.SubstringSearch(ctx, []string{"ROADMAP"}, filter, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, doc.ID, items[0].ID)

	items, err = store.MetadataSearch(ctx, "sarah@example", filter, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = store.MostRecent(ctx, storage.Filter{OwnerID: owner, From: now.Add(-24 * time.Hour)}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, mail.ID, items[0].ID)

	require.NoError(t, store.DeleteItem(ctx, owner, storage.SourceGDrive, "d1"))
	_, err = store.GetItem(ctx, doc.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestPostgresClient_Entities(t *testing.T) {
	store, owner, cleanup := setupPostgresTest(t)
	defer cleanup()
	ctx := context.Background()

	item := &storage.KnowledgeItem{OwnerID: owner, Source: storage.SourceJira, SourceID: "PROJ-1", Title: "task", SourceCreatedAt: time.Now()}
	require.NoError(t, store.UpsertItem(ctx, item))

	entity := &storage.Entity{OwnerID: owner, Type: "person", Name: "Sarah Connor"}
	require.NoError(t, store.UpsertEntity(ctx, entity))
	require.NoError(t, store.AddMention(ctx, &storage.Mention{EntityID: entity.ID, ItemID: item.ID}))
	require.NoError(t, store.AddMention(ctx, &storage.Mention{EntityID: entity.ID, ItemID: item.ID}))

	found, err := store.LookupEntities(ctx, owner, "sarah", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 1, found[0].MentionCount)

	names, err := store.ItemEntities(ctx, []string{item.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"sarah connor"}, names[item.ID])
}

func TestPostgresClient_Conversation(t *testing.T) {
	store, owner, cleanup := setupPostgresTest(t)
	defer cleanup()
	ctx := context.Background()

	sessionID := uuid.NewString()
	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.AppendTurn(ctx, &storage.Turn{SessionID: sessionID, OwnerID: owner, Role: "user", Content: "first", CreatedAt: base}))
	require.NoError(t, store.AppendTurn(ctx, &storage.Turn{SessionID: sessionID, OwnerID: owner, Role: "assistant", Content: "second", CreatedAt: base.Add(time.Minute)}))

	turns, err := store.RecentTurns(ctx, sessionID, 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "second", turns[0].Content)

	require.NoError(t, store.SaveSession(ctx, &storage.Session{ID: sessionID, OwnerID: owner, Snapshot: []byte(`{"k":"v"}`)}))
	loaded, err := store.LoadSession(ctx, sessionID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(loaded.Snapshot))

	sessions, err := store.RecentSessions(ctx, owner, 5)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
