package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// Chunking parameters for item embeddings, in characters.
const (
	ChunkSize    = 1000
	ChunkOverlap = 100
)

// maxIngestConcurrency bounds BatchIngest workers.
const maxIngestConcurrency = 8

// EntityInput names an entity mentioned by an ingested item.
type EntityInput struct {
	// Type is person, project, topic or company. Defaults to person.
	Type string `json:"type,omitempty"`

	Name  string `json:"name"`
	Email string `json:"email,omitempty"`

	// Context is the text around the mention.
	Context string `json:"context,omitempty"`
}

// IngestRecord is one line of a JSONL ingestion file: an item plus the
// entities it mentions.
type IngestRecord struct {
	storage.KnowledgeItem
	Entities []EntityInput `json:"entities,omitempty"`
}

// ChunkText splits text into windows of at most size runes, each starting
// overlap runes before the end of the previous one. Empty text yields no
// chunks.
func ChunkText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Ingest stores a knowledge item, embeds its chunks and records the entities
// it mentions.
//
// Re-ingesting the same (owner, source, source id) updates the item in place
// and replaces its embeddings. An embedding failure is logged and leaves the
// item searchable by text.
//
// Parameters:
//   - ctx: Context for cancellation
//   - item: The item to store; ID is filled in on return
//   - entities: People, projects or companies the item mentions
//
// Example:
//
//	item := &storage.KnowledgeItem{
//	    OwnerID:     "user_001",
//	    Source:      storage.SourceGmail,
//	    SourceID:    "msg-42",
//	    ContentKind: storage.KindEmail,
//	    Title:       "Q3 budget",
//	    Content:     "Hi, attached is the Q3 budget draft...",
//	}
//	err := client.Ingest(ctx, item, core.EntityInput{Name: "Sarah Chen", Email: "sarah@acme.com"})
func (c *Client) Ingest(ctx context.Context, item *storage.KnowledgeItem, entities ...EntityInput) error {
	if c.closed.Load() {
		return NewContextError("Ingest", ErrClosed)
	}
	if item == nil || item.OwnerID == "" || item.Source == "" || item.SourceID == "" {
		return NewContextError("Ingest", fmt.Errorf("%w: owner, source and source id are required", ErrInvalidInput))
	}

	now := c.now().UTC()
	if item.SyncedAt.IsZero() {
		item.SyncedAt = now
	}
	if item.SourceCreatedAt.IsZero() {
		item.SourceCreatedAt = now
	}

	if err := c.store.UpsertItem(ctx, item); err != nil {
		return NewContextError("Ingest", err)
	}

	if c.embedder != nil {
		if err := c.embedItem(ctx, item); err != nil {
			if ctx.Err() != nil {
				return NewContextError("Ingest", ctx.Err())
			}
			c.logger.Warn().Err(err).
				Str("item_id", item.ID).
				Str("source", item.Source).
				Msg("embedding failed, item stays text-searchable")
		}
	}

	for _, in := range entities {
		if strings.TrimSpace(in.Name) == "" {
			continue
		}
		if err := c.recordMention(ctx, item, in); err != nil {
			return NewContextError("Ingest", err)
		}
	}

	c.logger.Debug().
		Str("item_id", item.ID).
		Str("owner_id", item.OwnerID).
		Str("source", item.Source).
		Int("entities", len(entities)).
		Msg("item ingested")
	return nil
}

func (c *Client) embedItem(ctx context.Context, item *storage.KnowledgeItem) error {
	text := item.Content
	if item.Title != "" {
		text = item.Title + "\n\n" + item.Content
	}
	chunks := ChunkText(text, ChunkSize, ChunkOverlap)
	if len(chunks) == 0 {
		return nil
	}

	vectors, err := c.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return err
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	records := make([]*storage.EmbeddingRecord, len(chunks))
	for i, chunk := range chunks {
		records[i] = &storage.EmbeddingRecord{
			ItemID:     item.ID,
			ChunkIndex: i,
			ChunkText:  chunk,
			Vector:     vectors[i],
		}
	}
	return c.store.SaveEmbeddings(ctx, item.ID, records)
}

func (c *Client) recordMention(ctx context.Context, item *storage.KnowledgeItem, in EntityInput) error {
	entityType := strings.ToLower(strings.TrimSpace(in.Type))
	if entityType == "" {
		entityType = "person"
	}
	entity := &storage.Entity{
		OwnerID:    item.OwnerID,
		Type:       entityType,
		Name:       strings.TrimSpace(in.Name),
		LastSeenAt: item.SourceCreatedAt,
	}
	if in.Email != "" {
		entity.Metadata = map[string]interface{}{"email": strings.ToLower(in.Email)}
	}
	if err := c.store.UpsertEntity(ctx, entity); err != nil {
		return err
	}
	return c.store.AddMention(ctx, &storage.Mention{
		EntityID: entity.ID,
		ItemID:   item.ID,
		Context:  in.Context,
	})
}

// BatchIngestResult contains the result of a batch ingestion.
type BatchIngestResult struct {
	// Ingested holds the stored items in completion order.
	Ingested []*storage.KnowledgeItem

	// Failed holds the records that could not be stored.
	Failed []BatchIngestError

	Total         int
	IngestedCount int
	FailedCount   int
}

// BatchIngestError describes a failed record of a batch.
type BatchIngestError struct {
	// Index is the record's position in the batch.
	Index    int
	SourceID string
	Error    error
}

// BatchIngest ingests records concurrently. Failures are collected per record
// and never abort the rest of the batch.
//
// Example:
//
//	result, _ := client.BatchIngest(ctx, records)
//	fmt.Printf("Ingested %d/%d items\n", result.IngestedCount, result.Total)
func (c *Client) BatchIngest(ctx context.Context, records []*IngestRecord) (*BatchIngestResult, error) {
	result := &BatchIngestResult{
		Total:    len(records),
		Ingested: make([]*storage.KnowledgeItem, 0, len(records)),
	}
	if len(records) == 0 {
		return result, nil
	}

	sem := make(chan struct{}, maxIngestConcurrency)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	fail := func(index int, sourceID string, err error) {
		mu.Lock()
		result.Failed = append(result.Failed, BatchIngestError{Index: index, SourceID: sourceID, Error: err})
		result.FailedCount++
		mu.Unlock()
	}

	for i, rec := range records {
		if rec == nil {
			fail(i, "", NewContextError("Ingest", ErrInvalidInput))
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(index int, rec *IngestRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				fail(index, rec.SourceID, err)
				return
			}

			item := rec.KnowledgeItem
			if err := c.Ingest(ctx, &item, rec.Entities...); err != nil {
				fail(index, rec.SourceID, err)
				return
			}

			mu.Lock()
			result.Ingested = append(result.Ingested, &item)
			result.IngestedCount++
			mu.Unlock()
		}(i, rec)
	}

	wg.Wait()
	return result, nil
}
