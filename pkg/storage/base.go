// Package storage provides interfaces and types for the knowledge and conversation stores.
//
// It defines the KnowledgeStore and ConversationStore interfaces that every backend
// (SQLite, PostgreSQL, OceanBase) must satisfy, along with the records they persist.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Content kinds of a KnowledgeItem.
const (
	KindEmail    = "email"
	KindDocument = "document"
	KindTask     = "task"
	KindEvent    = "event"
)

// Well-known sources. The set is open; unknown sources are stored and searched like any other.
const (
	SourceGmail    = "gmail"
	SourceOutlook  = "outlook"
	SourceGDrive   = "gdrive"
	SourceOneDrive = "onedrive"
	SourceJira     = "jira"
	SourceCalendar = "calendar"
)

// KnowledgeItem is one retrievable unit of ingested content.
//
// Items are unique per (OwnerID, Source, SourceID): re-ingesting the same
// upstream object updates the stored row in place and keeps its ID.
type KnowledgeItem struct {
	// ID is the store-assigned identifier (a snowflake rendered as decimal).
	ID string `json:"id"`

	// OwnerID identifies the user the item belongs to.
	OwnerID string `json:"owner_id"`

	// Source is the upstream system, e.g. "gmail" or "jira".
	Source string `json:"source"`

	// SourceID is the upstream object's native identifier.
	SourceID string `json:"source_id"`

	// ContentKind is one of email, document, task, event.
	ContentKind string `json:"content_kind"`

	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
	Content string `json:"content"`

	// Metadata holds free-form upstream attributes (from, to, assignee, ...).
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// SourceCreatedAt is the upstream creation time.
	SourceCreatedAt time.Time `json:"source_created_at"`

	// SyncedAt is when ingestion last wrote the item.
	SyncedAt time.Time `json:"synced_at"`
}

// EmbeddingRecord is one chunk vector of a KnowledgeItem.
type EmbeddingRecord struct {
	ItemID     string    `json:"item_id"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkText  string    `json:"chunk_text"`
	Vector     []float64 `json:"vector"`
}

// Entity is a named person, project, topic or company extracted from content.
type Entity struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	// Type is person, project, topic or company.
	Type string `json:"type"`

	// Name is the display name.
	Name string `json:"name"`

	// NormalizedName is used for case and whitespace insensitive matching.
	NormalizedName string `json:"normalized_name"`

	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	MentionCount int                    `json:"mention_count"`
	LastSeenAt   time.Time              `json:"last_seen_at"`
}

// Mention links an Entity to a KnowledgeItem that mentions it.
type Mention struct {
	EntityID string `json:"entity_id"`
	ItemID   string `json:"item_id"`

	// Context is the surrounding text of the mention.
	Context string `json:"context,omitempty"`
}

// Session is a persisted conversation with its latest agent state snapshot.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Snapshot  []byte    `json:"snapshot,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one message of a conversation.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"owner_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter scopes a store query.
type Filter struct {
	// OwnerID is required on every query.
	OwnerID string

	// Sources restricts results to these sources; empty means all.
	Sources []string

	// From and To bound SourceCreatedAt; zero values leave the side open.
	From time.Time
	To   time.Time
}

// Hit is an item returned with a store-computed signal (similarity or rank).
type Hit struct {
	Item  *KnowledgeItem
	Score float64
}

// KnowledgeStore is the corpus side of a backend.
type KnowledgeStore interface {
	// UpsertItem inserts the item or updates the existing row with the same
	// (OwnerID, Source, SourceID). item.ID is set on return.
	UpsertItem(ctx context.Context, item *KnowledgeItem) error

	// GetItem returns ErrNotFound when the item does not exist.
	GetItem(ctx context.Context, id string) (*KnowledgeItem, error)

	// DeleteItem removes the item, its embeddings and its mentions.
	DeleteItem(ctx context.Context, ownerID, source, sourceID string) error

	// SaveEmbeddings replaces all chunk vectors of an item.
	SaveEmbeddings(ctx context.Context, itemID string, records []*EmbeddingRecord) error

	// UpsertEntity is unique per (OwnerID, Type, NormalizedName).
	UpsertEntity(ctx context.Context, entity *Entity) error

	// AddMention records that an item mentions an entity. The entity's
	// MentionCount grows once per new (entity, item) pair.
	AddMention(ctx context.Context, mention *Mention) error

	// VectorSearch returns items ordered by best-chunk cosine similarity.
	VectorSearch(ctx context.Context, vector []float64, filter Filter, limit int) ([]Hit, error)

	// FullTextSearch returns items ordered by the backend's lexical rank.
	FullTextSearch(ctx context.Context, text string, filter Filter, limit int) ([]Hit, error)

	// LookupEntities matches normalizedName exactly or as a substring of an
	// entity's normalized name, ordered by mention count descending.
	LookupEntities(ctx context.Context, ownerID, normalizedName string, limit int) ([]*Entity, error)

	// ItemsMentioning returns items mentioning the entity, newest first.
	ItemsMentioning(ctx context.Context, entityID string, filter Filter, limit int) ([]*KnowledgeItem, error)

	// SubstringSearch returns items whose title, content or summary contains
	// any of the tokens, newest first.
	SubstringSearch(ctx context.Context, tokens []string, filter Filter, limit int) ([]*KnowledgeItem, error)

	// MetadataSearch returns items whose serialised metadata contains term
	// (case-insensitive), newest first.
	MetadataSearch(ctx context.Context, term string, filter Filter, limit int) ([]*KnowledgeItem, error)

	// MostRecent returns items ordered by SourceCreatedAt descending.
	MostRecent(ctx context.Context, filter Filter, limit int) ([]*KnowledgeItem, error)

	// ItemEntities returns the normalized names of the entities mentioned by
	// each of the given items.
	ItemEntities(ctx context.Context, itemIDs []string) (map[string][]string, error)
}

// ConversationStore persists sessions and their turns.
type ConversationStore interface {
	// SaveSession inserts or updates the session and bumps UpdatedAt.
	SaveSession(ctx context.Context, session *Session) error

	// LoadSession returns ErrNotFound for an unknown session.
	LoadSession(ctx context.Context, sessionID string) (*Session, error)

	// RecentSessions returns the owner's sessions, most recently updated first.
	RecentSessions(ctx context.Context, ownerID string, limit int) ([]*Session, error)

	// AppendTurn stores a turn and touches its session.
	AppendTurn(ctx context.Context, turn *Turn) error

	// RecentTurns returns the session's newest turns, newest first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error)
}

// Store is a complete backend.
type Store interface {
	KnowledgeStore
	ConversationStore

	// Close releases the backend's resources.
	Close() error
}
