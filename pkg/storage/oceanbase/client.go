// Package oceanbase implements storage.Store on OceanBase (MySQL mode).
//
// Chunk vectors use OceanBase's native VECTOR column with cosine_distance;
// lexical rank comes from a FULLTEXT index queried with MATCH ... AGAINST.
package oceanbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// Client is an OceanBase client.
type Client struct {
	db         *sql.DB
	dimensions int
	ids        *storage.IDGenerator
	logger     zerolog.Logger
}

// Config contains OceanBase configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	EmbeddingModelDims int

	IDs    *storage.IDGenerator
	Logger *zerolog.Logger
}

// NewClient creates a new OceanBase client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.EmbeddingModelDims <= 0 {
		return nil, fmt.Errorf("NewOceanBaseClient: embedding dimensions must be positive")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
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

func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS knowledge_items (
			id VARCHAR(32) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			source VARCHAR(64) NOT NULL,
			source_id VARCHAR(512) NOT NULL,
			content_kind VARCHAR(32) NOT NULL DEFAULT '',
			title TEXT,
			summary TEXT,
			content LONGTEXT,
			metadata JSON,
			source_created_at DATETIME(6) NULL,
			synced_at DATETIME(6) NULL,
			UNIQUE KEY uk_owner_source (owner_id, source, source_id),
			INDEX idx_owner_created (owner_id, source_created_at),
			FULLTEXT INDEX ft_items (title, summary, content)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS item_embeddings (
			item_id VARCHAR(32) NOT NULL,
			chunk_index INT NOT NULL,
			chunk_text LONGTEXT,
			embedding VECTOR(%d),
			PRIMARY KEY (item_id, chunk_index)
		)`, c.dimensions),
		`CREATE TABLE IF NOT EXISTS entities (
			id VARCHAR(32) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			type VARCHAR(64) NOT NULL,
			name VARCHAR(512) NOT NULL,
			normalized_name VARCHAR(512) NOT NULL,
			metadata JSON,
			mention_count INT NOT NULL DEFAULT 0,
			last_seen_at DATETIME(6) NULL,
			UNIQUE KEY uk_owner_type_name (owner_id, type, normalized_name)
		)`,
		`CREATE TABLE IF NOT EXISTS entity_mentions (
			entity_id VARCHAR(32) NOT NULL,
			item_id VARCHAR(32) NOT NULL,
			context TEXT,
			PRIMARY KEY (entity_id, item_id),
			INDEX idx_mentions_item (item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			snapshot LONGBLOB,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_sessions_owner_updated (owner_id, updated_at)
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id VARCHAR(32) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			owner_id VARCHAR(255) NOT NULL,
			role VARCHAR(32) NOT NULL,
			content LONGTEXT,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_turns_session_created (session_id, created_at)
		)`,
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

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO knowledge_items
		(id, owner_id, source, source_id, content_kind, title, summary, content, metadata, source_created_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			content_kind = VALUES(content_kind),
			title = VALUES(title),
			summary = VALUES(summary),
			content = VALUES(content),
			metadata = VALUES(metadata),
			source_created_at = VALUES(source_created_at),
			synced_at = VALUES(synced_at)
	`,
		c.ids.Next(),
		item.OwnerID,
		item.Source,
		item.SourceID,
		item.ContentKind,
		item.Title,
		item.Summary,
		item.Content,
		metadataJSON,
		nullTime(item.SourceCreatedAt),
		nullTime(item.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("UpsertItem: %w", err)
	}

	// MySQL mode has no RETURNING; read back the surviving row's id
	err = c.db.QueryRowContext(ctx,
		"SELECT id FROM knowledge_items WHERE owner_id = ? AND source = ? AND source_id = ?",
		item.OwnerID, item.Source, item.SourceID,
	).Scan(&item.ID)
	if err != nil {
		return fmt.Errorf("UpsertItem: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID.
func (c *Client) GetItem(ctx context.Context, id string) (*storage.KnowledgeItem, error) {
	row := c.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM knowledge_items i WHERE i.id = ?", id)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("GetItem: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetItem: %w", err)
	}
	return item, nil
}

// DeleteItem removes an item with its embeddings and mentions.
func (c *Client) DeleteItem(ctx context.Context, ownerID, source, sourceID string) error {
	var id string
	err := c.db.QueryRowContext(ctx,
		"SELECT id FROM knowledge_items WHERE owner_id = ? AND source = ? AND source_id = ?",
		ownerID, source, sourceID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("DeleteItem: %w", storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("DeleteItem: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("DeleteItem: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		"DELETE FROM item_embeddings WHERE item_id = ?",
		"DELETE FROM entity_mentions WHERE item_id = ?",
		"DELETE FROM knowledge_items WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("DeleteItem: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("DeleteItem: %w", err)
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

	if _, err := tx.ExecContext(ctx, "DELETE FROM item_embeddings WHERE item_id = ?", itemID); err != nil {
		return fmt.Errorf("SaveEmbeddings: %w", err)
	}

	for _, rec := range records {
		if len(rec.Vector) != c.dimensions {
			return fmt.Errorf("SaveEmbeddings: chunk %d has %d dimensions, want %d", rec.ChunkIndex, len(rec.Vector), c.dimensions)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO item_embeddings (item_id, chunk_index, chunk_text, embedding) VALUES (?, ?, ?, ?)",
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

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO entities (id, owner_id, type, name, normalized_name, metadata, mention_count, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			metadata = VALUES(metadata),
			last_seen_at = GREATEST(last_seen_at, VALUES(last_seen_at))
	`,
		c.ids.Next(),
		entity.OwnerID,
		entity.Type,
		entity.Name,
		entity.NormalizedName,
		metadataJSON,
		entity.LastSeenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("UpsertEntity: %w", err)
	}

	err = c.db.QueryRowContext(ctx,
		"SELECT id, mention_count FROM entities WHERE owner_id = ? AND type = ? AND normalized_name = ?",
		entity.OwnerID, entity.Type, entity.NormalizedName,
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
		"INSERT IGNORE INTO entity_mentions (entity_id, item_id, context) VALUES (?, ?, ?)",
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
			"UPDATE entities SET mention_count = mention_count + 1, last_seen_at = ? WHERE id = ?",
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
