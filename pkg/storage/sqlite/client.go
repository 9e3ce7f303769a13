// Package sqlite provides the SQLite implementation of storage.Store.
//
// SQLite is a lightweight, file-based database suitable for local development
// and single-node deployments. Vectors are stored as JSON strings in TEXT fields
// and similarity is computed in memory; full-text rank comes from an in-memory
// bleve index that is rebuilt from the items table when the client opens.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB

	// fulltext ranks items lexically and caches hydrated items.
	fulltext *fullTextIndex

	// ids generates item, entity and turn identifiers.
	ids *storage.IDGenerator

	logger zerolog.Logger
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// ItemCacheSize bounds the number of hydrated items kept behind the
	// full-text index. Defaults to 4096.
	ItemCacheSize int

	// IDs overrides the ID generator (mainly for tests).
	IDs *storage.IDGenerator

	// Logger receives debug output. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

// NewClient opens (or creates) the database, creates the schema and rebuilds
// the full-text index.
//
// Parameters:
//   - cfg: Configuration containing the database path and cache sizing
//
// Returns:
//   - *Client: The SQLite client instance
//   - error: Error if the connection, schema creation or indexing fails
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ids := cfg.IDs
	if ids == nil {
		ids = storage.DefaultIDGenerator()
	}

	fulltext, err := newFullTextIndex(cfg.ItemCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	client := &Client{
		db:       db,
		fulltext: fulltext,
		ids:      ids,
		logger:   logger,
	}

	ctx := context.Background()
	if err := client.initTables(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.reindex(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

// initTables creates the schema. Timestamps are stored as Unix milliseconds so
// range filters and ordering compare integers.
func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS knowledge_items (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			content_kind TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			source_created_at INTEGER NOT NULL DEFAULT 0,
			synced_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE (owner_id, source, source_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_owner_source_created
			ON knowledge_items(owner_id, source, source_created_at)`,
		`CREATE TABLE IF NOT EXISTS item_embeddings (
			item_id TEXT NOT NULL REFERENCES knowledge_items(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			chunk_text TEXT NOT NULL DEFAULT '',
			vector TEXT NOT NULL,
			PRIMARY KEY (item_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			normalized_name TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			mention_count INTEGER NOT NULL DEFAULT 0,
			last_seen_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE (owner_id, type, normalized_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_owner_name ON entities(owner_id, normalized_name)`,
		`CREATE TABLE IF NOT EXISTS entity_mentions (
			entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			item_id TEXT NOT NULL REFERENCES knowledge_items(id) ON DELETE CASCADE,
			context TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (entity_id, item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_item ON entity_mentions(item_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			snapshot BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner_updated ON sessions(owner_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// reindex loads every item into the full-text index.
func (c *Client) reindex(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, "SELECT "+itemColumns+" FROM knowledge_items")
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	defer func() { _ = rows.Close() }()

	count := 0
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return fmt.Errorf("reindex: %w", err)
		}
		if err := c.fulltext.index(item); err != nil {
			return fmt.Errorf("reindex: %w", err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}

	c.logger.Debug().Int("items", count).Msg("sqlite full-text index rebuilt")
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

	query := `
		INSERT INTO knowledge_items
		(id, owner_id, source, source_id, content_kind, title, summary, content, metadata, source_created_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, source, source_id) DO UPDATE SET
			content_kind = excluded.content_kind,
			title = excluded.title,
			summary = excluded.summary,
			content = excluded.content,
			metadata = excluded.metadata,
			source_created_at = excluded.source_created_at,
			synced_at = excluded.synced_at
		RETURNING id
	`

	var id string
	err = c.db.QueryRowContext(ctx, query,
		c.ids.Next(),
		item.OwnerID,
		item.Source,
		item.SourceID,
		item.ContentKind,
		item.Title,
		item.Summary,
		item.Content,
		string(metadataJSON),
		toMillis(item.SourceCreatedAt),
		toMillis(item.SyncedAt),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("UpsertItem: %w", err)
	}
	item.ID = id

	if err := c.fulltext.index(item); err != nil {
		return fmt.Errorf("UpsertItem: index: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID.
func (c *Client) GetItem(ctx context.Context, id string) (*storage.KnowledgeItem, error) {
	row := c.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM knowledge_items WHERE id = ?", id)

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

	if _, err := c.db.ExecContext(ctx, "DELETE FROM knowledge_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("DeleteItem: %w", err)
	}

	if err := c.fulltext.remove(id); err != nil {
		return fmt.Errorf("DeleteItem: index: %w", err)
	}
	return nil
}

// SaveEmbeddings replaces the chunk vectors of an item in one transaction.
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
		vectorJSON, err := json.Marshal(rec.Vector)
		if err != nil {
			return fmt.Errorf("SaveEmbeddings: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO item_embeddings (item_id, chunk_index, chunk_text, vector) VALUES (?, ?, ?, ?)",
			itemID, rec.ChunkIndex, rec.ChunkText, string(vectorJSON),
		)
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

	query := `
		INSERT INTO entities (id, owner_id, type, name, normalized_name, metadata, mention_count, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (owner_id, type, normalized_name) DO UPDATE SET
			name = excluded.name,
			metadata = excluded.metadata,
			last_seen_at = MAX(entities.last_seen_at, excluded.last_seen_at)
		RETURNING id, mention_count
	`

	err = c.db.QueryRowContext(ctx, query,
		c.ids.Next(),
		entity.OwnerID,
		entity.Type,
		entity.Name,
		entity.NormalizedName,
		string(metadataJSON),
		toMillis(entity.LastSeenAt),
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
		"INSERT OR IGNORE INTO entity_mentions (entity_id, item_id, context) VALUES (?, ?, ?)",
		mention.EntityID, mention.ItemID, mention.Context,
	)
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
			toMillis(time.Now()), mention.EntityID,
		)
		if err != nil {
			return fmt.Errorf("AddMention: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("AddMention: %w", err)
	}
	return nil
}

// Close closes the database connection and the full-text index.
func (c *Client) Close() error {
	var firstErr error
	if c.fulltext != nil {
		if err := c.fulltext.close(); err != nil {
			firstErr = err
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ storage.Store = (*Client)(nil)
