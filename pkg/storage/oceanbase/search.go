package oceanbase

import (
	"context"
	"fmt"
	"strings"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// VectorSearch ranks items by their closest chunk. Similarity is reported as
// 1 - cosine_distance.
func (c *Client) VectorSearch(ctx context.Context, vector []float64, filter storage.Filter, limit int) ([]storage.Hit, error) {
	if len(vector) == 0 {
		return nil, nil
	}

	where, filterArgs := buildFilterClause(filter)
	limitSQL, limitArgs := limitClause(limit)

	query := fmt.Sprintf(`
		SELECT %s, 1 - best.distance AS similarity
		FROM (
			SELECT e.item_id, MIN(cosine_distance(e.embedding, ?)) AS distance
			FROM item_embeddings e
			JOIN knowledge_items i ON i.id = e.item_id
			WHERE %s
			GROUP BY e.item_id
		) best
		JOIN knowledge_items i ON i.id = best.item_id
		ORDER BY best.distance ASC, i.id
		%s
	`, itemColumns, where, limitSQL)

	args := append([]interface{}{vectorToString(vector)}, filterArgs...)
	args = append(args, limitArgs...)

	return c.queryHits(ctx, "VectorSearch", query, args...)
}

// FullTextSearch ranks with the FULLTEXT index in natural language mode.
func (c *Client) FullTextSearch(ctx context.Context, text string, filter storage.Filter, limit int) ([]storage.Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	where, filterArgs := buildFilterClause(filter)
	limitSQL, limitArgs := limitClause(limit)

	query := fmt.Sprintf(`
		SELECT %s, MATCH(i.title, i.summary, i.content) AGAINST (? IN NATURAL LANGUAGE MODE) AS rank_score
		FROM knowledge_items i
		WHERE %s AND MATCH(i.title, i.summary, i.content) AGAINST (? IN NATURAL LANGUAGE MODE)
		ORDER BY rank_score DESC, i.id
		%s
	`, itemColumns, where, limitSQL)

	args := append([]interface{}{text}, filterArgs...)
	args = append(args, text)
	args = append(args, limitArgs...)

	return c.queryHits(ctx, "FullTextSearch", query, args...)
}

// LookupEntities performs the fuzzy normalized-name match.
func (c *Client) LookupEntities(ctx context.Context, ownerID, normalizedName string, limit int) ([]*storage.Entity, error) {
	name := storage.NormalizeName(normalizedName)
	if name == "" {
		return nil, nil
	}

	limitSQL, limitArgs := limitClause(limit)
	query := fmt.Sprintf(`
		SELECT id, owner_id, type, name, normalized_name, metadata, mention_count, last_seen_at
		FROM entities
		WHERE owner_id = ? AND (normalized_name = ? OR normalized_name LIKE ?)
		ORDER BY mention_count DESC, last_seen_at DESC, id
		%s
	`, limitSQL)

	args := append([]interface{}{ownerID, name, "%" + escapeLike(name) + "%"}, limitArgs...)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("LookupEntities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entities []*storage.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("LookupEntities: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LookupEntities: %w", err)
	}
	return entities, nil
}

// ItemsMentioning returns the items linked to an entity, newest first.
func (c *Client) ItemsMentioning(ctx context.Context, entityID string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	where, filterArgs := buildFilterClause(filter)
	limitSQL, limitArgs := limitClause(limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		JOIN entity_mentions m ON m.item_id = i.id
		WHERE m.entity_id = ? AND %s
		ORDER BY i.source_created_at DESC, i.id
		%s
	`, itemColumns, where, limitSQL)

	args := append([]interface{}{entityID}, filterArgs...)
	args = append(args, limitArgs...)
	return c.queryItems(ctx, "ItemsMentioning", query, args...)
}

// SubstringSearch matches any token against title, content and summary.
func (c *Client) SubstringSearch(ctx context.Context, tokens []string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	where, args := buildFilterClause(filter)

	var ors []string
	for _, tok := range tokens {
		pattern := "%" + escapeLike(strings.ToLower(tok)) + "%"
		ors = append(ors, "LOWER(i.title) LIKE ?", "LOWER(i.content) LIKE ?", "LOWER(i.summary) LIKE ?")
		args = append(args, pattern, pattern, pattern)
	}

	limitSQL, limitArgs := limitClause(limit)
	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		WHERE %s AND (%s)
		ORDER BY i.source_created_at DESC, i.id
		%s
	`, itemColumns, where, strings.Join(ors, " OR "), limitSQL)

	return c.queryItems(ctx, "SubstringSearch", query, append(args, limitArgs...)...)
}

// MetadataSearch matches term inside the JSON metadata.
func (c *Client) MetadataSearch(ctx context.Context, term string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	where, args := buildFilterClause(filter)
	limitSQL, limitArgs := limitClause(limit)
	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		WHERE %s AND LOWER(CAST(i.metadata AS CHAR)) LIKE ?
		ORDER BY i.source_created_at DESC, i.id
		%s
	`, itemColumns, where, limitSQL)

	args = append(args, "%"+escapeLike(strings.ToLower(term))+"%")
	return c.queryItems(ctx, "MetadataSearch", query, append(args, limitArgs...)...)
}

// MostRecent returns items ordered by source timestamp, newest first.
func (c *Client) MostRecent(ctx context.Context, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	where, args := buildFilterClause(filter)
	limitSQL, limitArgs := limitClause(limit)
	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		WHERE %s
		ORDER BY i.source_created_at DESC, i.id
		%s
	`, itemColumns, where, limitSQL)

	return c.queryItems(ctx, "MostRecent", query, append(args, limitArgs...)...)
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

	var items []*storage.KnowledgeItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}

func (c *Client) queryHits(ctx context.Context, op, query string, args ...interface{}) ([]storage.Hit, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.Hit
	for rows.Next() {
		var score float64
		item, err := scanItem(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		hits = append(hits, storage.Hit{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return hits, nil
}
