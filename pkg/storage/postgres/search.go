package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// VectorSearch ranks items by their best chunk using pgvector's cosine distance.
func (c *Client) VectorSearch(ctx context.Context, vector []float64, filter storage.Filter, limit int) ([]storage.Hit, error) {
	if len(vector) == 0 {
		return nil, nil
	}

	a := &argList{}
	vec := a.add(vectorToString(vector))
	where := buildFilterClause(a, filter)

	query := fmt.Sprintf(`
		SELECT %s, best.similarity
		FROM (
			SELECT DISTINCT ON (e.item_id) e.item_id, 1 - (e.embedding <=> %s::vector) AS similarity
			FROM item_embeddings e
			JOIN knowledge_items i ON i.id = e.item_id
			WHERE %s
			ORDER BY e.item_id, e.embedding <=> %s::vector
		) best
		JOIN knowledge_items i ON i.id = best.item_id
		ORDER BY best.similarity DESC, i.id
		%s
	`, itemColumns, vec, where, vec, limitClause(a, limit))

	return c.queryHits(ctx, "VectorSearch", query, a.values...)
}

// FullTextSearch ranks with ts_rank over the generated search vector.
func (c *Client) FullTextSearch(ctx context.Context, text string, filter storage.Filter, limit int) ([]storage.Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	a := &argList{}
	q := a.add(text)
	where := buildFilterClause(a, filter)

	query := fmt.Sprintf(`
		SELECT %s, ts_rank(i.search_vector, plainto_tsquery('simple', %s)) AS rank
		FROM knowledge_items i
		WHERE %s AND i.search_vector @@ plainto_tsquery('simple', %s)
		ORDER BY rank DESC, i.id
		%s
	`, itemColumns, q, where, q, limitClause(a, limit))

	return c.queryHits(ctx, "FullTextSearch", query, a.values...)
}

// LookupEntities performs the fuzzy normalized-name match.
func (c *Client) LookupEntities(ctx context.Context, ownerID, normalizedName string, limit int) ([]*storage.Entity, error) {
	name := storage.NormalizeName(normalizedName)
	if name == "" {
		return nil, nil
	}

	a := &argList{}
	query := fmt.Sprintf(`
		SELECT id, owner_id, type, name, normalized_name, metadata, mention_count, last_seen_at
		FROM entities
		WHERE owner_id = %s AND (normalized_name = %s OR normalized_name LIKE %s)
		ORDER BY mention_count DESC, last_seen_at DESC NULLS LAST, id
		%s
	`, a.add(ownerID), a.add(name), a.add("%"+escapeLike(name)+"%"), limitClause(a, limit))

	rows, err := c.db.QueryContext(ctx, query, a.values...)
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
	a := &argList{}
	entity := a.add(entityID)
	where := buildFilterClause(a, filter)

	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		JOIN entity_mentions m ON m.item_id = i.id
		WHERE m.entity_id = %s AND %s
		ORDER BY i.source_created_at DESC NULLS LAST, i.id
		%s
	`, itemColumns, entity, where, limitClause(a, limit))

	return c.queryItems(ctx, "ItemsMentioning", query, a.values...)
}

// SubstringSearch matches any token against title, content and summary.
func (c *Client) SubstringSearch(ctx context.Context, tokens []string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	a := &argList{}
	where := buildFilterClause(a, filter)

	var ors []string
	for _, tok := range tokens {
		p := a.add("%" + escapeLike(tok) + "%")
		ors = append(ors,
			"i.title ILIKE "+p,
			"i.content ILIKE "+p,
			"i.summary ILIKE "+p,
		)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		WHERE %s AND (%s)
		ORDER BY i.source_created_at DESC NULLS LAST, i.id
		%s
	`, itemColumns, where, strings.Join(ors, " OR "), limitClause(a, limit))

	return c.queryItems(ctx, "SubstringSearch", query, a.values...)
}

// MetadataSearch matches term inside the metadata document.
func (c *Client) MetadataSearch(ctx context.Context, term string, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	a := &argList{}
	where := buildFilterClause(a, filter)
	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		WHERE %s AND i.metadata::text ILIKE %s
		ORDER BY i.source_created_at DESC NULLS LAST, i.id
		%s
	`, itemColumns, where, a.add("%"+escapeLike(term)+"%"), limitClause(a, limit))

	return c.queryItems(ctx, "MetadataSearch", query, a.values...)
}

// MostRecent returns items ordered by source timestamp, newest first.
func (c *Client) MostRecent(ctx context.Context, filter storage.Filter, limit int) ([]*storage.KnowledgeItem, error) {
	a := &argList{}
	where := buildFilterClause(a, filter)
	query := fmt.Sprintf(`
		SELECT %s
		FROM knowledge_items i
		WHERE %s
		ORDER BY i.source_created_at DESC NULLS LAST, i.id
		%s
	`, itemColumns, where, limitClause(a, limit))

	return c.queryItems(ctx, "MostRecent", query, a.values...)
}

// ItemEntities returns normalized entity names per item.
func (c *Client) ItemEntities(ctx context.Context, itemIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(itemIDs))
	if len(itemIDs) == 0 {
		return result, nil
	}

	a := &argList{}
	ph := make([]string, len(itemIDs))
	for n, id := range itemIDs {
		ph[n] = a.add(id)
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT m.item_id, e.normalized_name
		FROM entity_mentions m
		JOIN entities e ON e.id = m.entity_id
		WHERE m.item_id IN (%s)
	`, strings.Join(ph, ", ")), a.values...)
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

func limitClause(a *argList, limit int) string {
	if limit <= 0 {
		return ""
	}
	return "LIMIT " + a.add(limit)
}
