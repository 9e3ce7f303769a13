package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// VectorSearch scores every chunk in scope with cosine similarity and keeps
// the best chunk per item.
//
// SQLite has no vector operators, so similarity is calculated in memory after
// loading the candidate chunks.
func (c *Client) VectorSearch(ctx context.Context, vector []float64, filter storage.Filter, limit int) ([]storage.Hit, error) {
	where, args := buildFilterClause("i", filter)
	query := fmt.Sprintf(`
		SELECT e.item_id, e.vector
		FROM item_embeddings e
		JOIN knowledge_items i ON i.id = e.item_id
		WHERE %s
	`, where)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("VectorSearch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	best := make(map[string]float64)
	for rows.Next() {
		var itemID, vectorStr string
		if err := rows.Scan(&itemID, &vectorStr); err != nil {
			return nil, fmt.Errorf("VectorSearch: %w", err)
		}

		var chunk []float64
		if err := json.Unmarshal([]byte(vectorStr), &chunk); err != nil {
			return nil, fmt.Errorf("VectorSearch: parse vector: %w", err)
		}

		score := storage.CosineSimilarity(vector, chunk)
		if prev, ok := best[itemID]; !ok || score > prev {
			best[itemID] = score
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("VectorSearch: %w", err)
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		if best[ids[a]] != best[ids[b]] {
			return best[ids[a]] > best[ids[b]]
		}
		return ids[a] < ids[b]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	items, err := c.loadItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("VectorSearch: %w", err)
	}

	hits := make([]storage.Hit, 0, len(ids))
	for _, id := range ids {
		if item, ok := items[id]; ok {
			hits = append(hits, storage.Hit{Item: item, Score: best[id]})
		}
	}
	return hits, nil
}

// FullTextSearch ranks with the bleve index, then applies the source and time
// filter to the hydrated items.
func (c *Client) FullTextSearch(ctx context.Context, text string, filter storage.Filter, limit int) ([]storage.Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	// over-fetch so post-filtering still fills the page
	size := limit * 4
	if size <= 0 {
		size = 40
	}

	hits, err := c.fulltext.search(ctx, filter.OwnerID, text, size)
	if err != nil {
		return nil, fmt.Errorf("FullTextSearch: %w", err)
	}

	var missing []string
	for _, h := range hits {
		if h.Item.OwnerID == "" {
			missing = append(missing, h.Item.ID)
		}
	}
	if len(missing) > 0 {
		loaded, err := c.loadItems(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("FullTextSearch: %w", err)
		}
		for i := range hits {
			if item, ok := loaded[hits[i].Item.ID]; ok {
				hits[i].Item = item
			}
		}
	}

	out := make([]storage.Hit, 0, len(hits))
	for _, h := range hits {
		if !filter.Matches(h.Item) {
			continue
		}
		out = append(out, h)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LookupEntities performs the fuzzy normalized-name match.
func (c *Client) LookupEntities(ctx context.Context, ownerID, normalizedName string, limit int) ([]*storage.Entity, error) {
	name := storage.NormalizeName(normalizedName)
	if name == "" {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, owner_id, type, name, normalized_name, metadata, mention_count, last_seen_at
		FROM entities
		WHERE owner_id = ? AND (normalized_name = ? OR normalized_name LIKE ? ESCAPE '\')
		ORDER BY mention_count DESC, last_seen_at DESC, id
		LIMIT ?
	`, ownerID, name, "%"+escapeLike(name)+"%", limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("LookupEntities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entities []*storage.Entity
	for rows.Next() {
		var e storage.Entity
		var metadataStr string
		var lastSeen int64
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Type, &e.Name, &e.NormalizedName, &metadataStr, &e.MentionCount, &lastSeen); err != nil {
			return nil, fmt.Errorf("LookupEntities: %w", err)
		}
		if metadataStr != "" {
			_ = json.Unmarshal([]byte(metadataStr), &e.Metadata)
		}
		e.LastSeenAt = fromMillis(lastSeen)
		entities = append(entities, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LookupEntities: %w", err)
	}
	return entities, nil
}

// ItemsMentioning returns the items linked to an entity, newest first.
func (c *Client) ItemsMentioning(ctx context.Context, entityID string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	where, args := buildFilterClause("i", filter)
	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		JOIN entity_mentions m ON m.item_id = i.id
		WHERE m.entity_id = ? AND %s
		ORDER BY i.source_created_at DESC, i.id
		LIMIT ?
	`, prefixedItemColumns("i"), where)

	allArgs := append([]interface{}{entityID}, args...)
	allArgs = append(allArgs, limitOrAll(limit))

	return c.queryItems(ctx, "ItemsMentioning", query, allArgs...)
}

// SubstringSearch matches any token against title, content and summary.
func (c *Client) SubstringSearch(ctx context.Context, tokens []string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	where, args := buildFilterClause("i", filter)

	var ors []string
	for _, tok := range tokens {
		pattern := "%" + escapeLike(strings.ToLower(tok)) + "%"
		ors = append(ors,
			`LOWER(i.title) LIKE ? ESCAPE '\'`,
			`LOWER(i.content) LIKE ? ESCAPE '\'`,
			`LOWER(i.summary) LIKE ? ESCAPE '\'`,
		)
		args = append(args, pattern, pattern, pattern)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		WHERE %s AND (%s)
		ORDER BY i.source_created_at DESC, i.id
		LIMIT ?
	`, prefixedItemColumns("i"), where, strings.Join(ors, " OR "))
	args = append(args, limitOrAll(limit))

	return c.queryItems(ctx, "SubstringSearch", query, args...)
}

// MetadataSearch matches term inside the serialised metadata.
func (c *Client) MetadataSearch(ctx context.Context, term string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	where, args := buildFilterClause("i", filter)
	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		WHERE %s AND LOWER(i.metadata) LIKE ? ESCAPE '\'
		ORDER BY i.source_created_at DESC, i.id
		LIMIT ?
	`, prefixedItemColumns("i"), where)
	args = append(args, "%"+escapeLike(strings.ToLower(term))+"%", limitOrAll(limit))

	return c.queryItems(ctx, "MetadataSearch", query, args...)
}

// MostRecent returns items ordered by source timestamp, newest first.
func (c *Client) MostRecent(ctx context.Context, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	where, args := buildFilterClause("i", filter)
	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		WHERE %s
		ORDER BY i.source_created_at DESC, i.id
		LIMIT ?
	`, prefixedItemColumns("i"), where)
	args = append(args, limitOrAll(limit))

	return c.queryItems(ctx, "MostRecent", query, args...)
}

// ItemEntities returns normalized entity names per item.
func (c *Client) ItemEntities(ctx context.Context, itemIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(itemIDs))
	if len(itemIDs) == 0 {
		return result, nil
	}

	args := make([]interface{}, len(itemIDs))
	for i, id := range itemIDs {
		args[i] = id
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT m.item_id, e.normalized_name
		FROM entity_mentions m
		JOIN entities e ON e.id = m.entity_id
		WHERE m.item_id IN (%s)
	`, placeholders(len(itemIDs))), args...)
	if err != nil {
		return nil, fmt.Errorf("ItemEntities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var itemID, name string
		if err := rows.Scan(&itemID, &name); err != nil {
			return nil, fmt.Errorf("ItemEntities: %w", err)
		}
		result[itemID] = append(result[itemID], name)
	}
	return result, rows.Err()
}

func (c *Client) queryItems(ctx context.Context, op, query string, args ...interface{}) ([]*storage.KnowledgeItem, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}

// loadItems fetches items by ID into a map.
func (c *Client) loadItems(ctx context.Context, ids []string) (map[string]*storage.KnowledgeItem, error) {
	out := make(map[string]*storage.KnowledgeItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM knowledge_items WHERE id IN (%s)", itemColumns, placeholders(len(ids))),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		out[item.ID] = item
	}
	return out, nil
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
