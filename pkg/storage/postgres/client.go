// Package postgres implements storage.Store on PostgreSQL with pgvector.
//
// Chunk vectors live in a pgvector column and are searched with the cosine
// distance operator; lexical rank uses a generated tsvector column and ts_rank.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// Client is a PostgreSQL + pgvector store.
type Client struct {
	db         *sql.DB
	dimensions int
	ids        *storage.IDGenerator
	logger     zerolog.Logger
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	SSLMode            string
	EmbeddingModelDims int

	// IDs overrides the ID generator.
	IDs *storage.IDGenerator

	Logger *zerolog.Logger
}

// NewClient connects and creates the schema.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	if cfg.EmbeddingModelDims <= 0 {
		return nil, fmt.Errorf("NewPostgresClient: embedding dimensions must be positive")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	ids := cfg.IDs
	if ids == nil {
		ids = storage.DefaultIDGenerator()
	}

	client := &Client{
		db:         db,
		dimensions: cfg.EmbeddingModelDims,
		ids:        ids,
		logger:     logger,
	}

	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// initTables enables pgvector and creates the schema.
func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS knowledge_items (
			id TEXT PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			source VARCHAR(64) NOT NULL,
			source_id VARCHAR(512) NOT NULL,
			content_kind VARCHAR(32) NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			source_created_at TIMESTAMPTZ,
			synced_at TIMESTAMPTZ,
			search_vector tsvector GENERATED ALWAYS AS (
				to_tsvector('simple', coalesce(title, '') || ' ' || coalesce(summary, '') || ' ' || coalesce(content, ''))
			) STORED,
			UNIQUE (owner_id, source, source_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_owner_source_created
			ON knowledge_items(owner_id, source, source_created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_items_search_vector ON knowledge_items USING GIN (search_vector)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS item_embeddings (
			item_id TEXT NOT NULL REFERENCES knowledge_items(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			chunk_text TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL,
			PRIMARY KEY (item_id, chunk_index)
		)`, c.dimensions),
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			type VARCHAR(64) NOT NULL,
			name TEXT NOT NULL,
			normalized_name TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			mention_count INT NOT NULL DEFAULT 0,
			last_seen_at TIMESTAMPTZ,
			UNIQUE (owner_id, type, normalized_name)
		)`,
		`CREATE TABLE IF NOT EXISTS entity_mentions (
			entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			item_id TEXT NOT NULL REFERENCES knowledge_items(id) ON DELETE CASCADE,
			context TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (entity_id, item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_item ON entity_mentions(item_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			snapshot BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner_updated ON sessions(owner_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			owner_id VARCHAR(255) NOT NULL,
			role VARCHAR(32) NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// UpsertItem inserts or updates an item keyed by (owner, source, source id).
func (c *Client) UpsertItem(ctx context.Context, item *storage.KnowledgeItem) error {
	if item.OwnerID == "" || item.Source == "" || item.SourceID == "" {
		return fmt.Errorf("UpsertItem: owner, source and source id are required")
	}

	metadataJSON, err := json.Marshal(nonNilMap(item.Metadata))
	if err != nil {
		return fmt.Errorf("UpsertItem: %w", err)
	}
	if item.SyncedAt.IsZero() {
		item.SyncedAt = time.Now().UTC()
	}

	err = c.db.QueryRowContext(ctx, `
		INSERT INTO knowledge_items
		(id, owner_id, source, source_id, content_kind, title, summary, content, metadata, source_created_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (owner_id, source, source_id) DO UPDATE SET
			content_kind = EXCLUDED.content_kind,
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			source_created_at = EXCLUDED.source_created_at,
			synced_at = EXCLUDED.synced_at
		RETURNING id
	`,
		c.ids.Next(),
		item.OwnerID,
		item.Source,
		item.SourceID,
		item.ContentKind,
		item.Title,
		item.Summary,
		item.Content,
		string(metadataJSON),
		nullTime(item.SourceCreatedAt),
		nullTime(item.SyncedAt),
	).Scan(&item.ID)
	if err != nil {
		return fmt.Errorf("UpsertItem: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID.
func (c *Client) GetItem(ctx context.Context, id string) (*storage.KnowledgeItem, error) {
	row := c.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM knowledge_items i WHERE i.id = $1", id)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("GetItem: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetItem: %w", err)
	}
	return item, nil
}

// DeleteItem removes an item; embeddings and mentions cascade.
func (c *Client) DeleteItem(ctx context.Context, ownerID, source, sourceID string) error {
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM knowledge_items WHERE owner_id = $1 AND source = $2 AND source_id = $3",
		ownerID, source, sourceID)
	if err != nil {
		return fmt.Errorf("DeleteItem: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteItem: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("DeleteItem: %w", storage.ErrNotFound)
	}
	return nil
}

// SaveEmbeddings replaces the chunk vectors of an item.
func (c *Client) SaveEmbeddings(ctx context.Context, itemID string, records []*storage.EmbeddingRecord) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveEmbeddings: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM item_embeddings WHERE item_id = $1", itemID); err != nil {
		return fmt.Errorf("SaveEmbeddings: %w", err)
	}

	for _, rec := range records {
		if len(rec.Vector) != c.dimensions {
			return fmt.Errorf("SaveEmbeddings: chunk %d has %d dimensions, want %d", rec.ChunkIndex, len(rec.Vector), c.dimensions)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO item_embeddings (item_id, chunk_index, chunk_text, embedding) VALUES ($1, $2, $3, $4::vector)",
			itemID, rec.ChunkIndex, rec.ChunkText, vectorToString(rec.Vector))
		if err != nil {
			return fmt.Errorf("SaveEmbeddings: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveEmbeddings: %w", err)
	}
	return nil
}

// UpsertEntity inserts or refreshes an entity keyed by (owner, type, normalized name).
func (c *Client) UpsertEntity(ctx context.Context, entity *storage.Entity) error {
	if entity.NormalizedName == "" {
		entity.NormalizedName = storage.NormalizeName(entity.Name)
	}
	if entity.OwnerID == "" || entity.NormalizedName == "" {
		return fmt.Errorf("UpsertEntity: owner and name are required")
	}

	metadataJSON, err := json.Marshal(nonNilMap(entity.Metadata))
	if err != nil {
		return fmt.Errorf("UpsertEntity: %w", err)
	}
	if entity.LastSeenAt.IsZero() {
		entity.LastSeenAt = time.Now().UTC()
	}

	err = c.db.QueryRowContext(ctx, `
		INSERT INTO entities (id, owner_id, type, name, normalized_name, metadata, mention_count, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		ON CONFLICT (owner_id, type, normalized_name) DO UPDATE SET
			name = EXCLUDED.name,
			metadata = EXCLUDED.metadata,
			last_seen_at = GREATEST(entities.last_seen_at, EXCLUDED.last_seen_at)
		RETURNING id, mention_count
	`,
		c.ids.Next(),
		entity.OwnerID,
		entity.Type,
		entity.Name,
		entity.NormalizedName,
		string(metadataJSON),
		entity.LastSeenAt.UTC(),
	).Scan(&entity.ID, &entity.MentionCount)
	if err != nil {
		return fmt.Errorf("UpsertEntity: %w", err)
	}
	return nil
}

// AddMention links an entity to an item and bumps the mention count for new pairs.
func (c *Client) AddMention(ctx context.Context, mention *storage.Mention) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("AddMention: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO entity_mentions (entity_id, item_id, context) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
		mention.EntityID, mention.ItemID, mention.Context)
	if err != nil {
		return fmt.Errorf("AddMention: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("AddMention: %w", err)
	}
	if inserted > 0 {
		_, err = tx.ExecContext(ctx,
			"UPDATE entities SET mention_count = mention_count + 1, last_seen_at = $1 WHERE id = $2",
			time.Now().UTC(), mention.EntityID)
		if err != nil {
			return fmt.Errorf("AddMention: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("AddMention: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

var _ storage.Store = (*Client)(nil)
