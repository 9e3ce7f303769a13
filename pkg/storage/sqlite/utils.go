package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

const itemColumns = `id, owner_id, source, source_id, content_kind, title, summary, content,
	metadata, source_created_at, synced_at`

// prefixedItemColumns qualifies itemColumns with a table alias.
func prefixedItemColumns(alias string) string {
	cols := strings.Split(itemColumns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

// buildFilterClause renders a storage.Filter as SQL conditions against the
// given items alias. The returned clause never starts with WHERE/AND.
func buildFilterClause(alias string, f storage.Filter) (string, []interface{}) {
	conditions := []string{alias + ".owner_id = ?"}
	args := []interface{}{f.OwnerID}

	if len(f.Sources) > 0 {
		conditions = append(conditions, fmt.Sprintf("%s.source IN (%s)", alias, placeholders(len(f.Sources))))
		for _, s := range f.Sources {
			args = append(args, s)
		}
	}

	if !f.From.IsZero() {
		conditions = append(conditions, alias+".source_created_at >= ?")
		args = append(args, toMillis(f.From))
	}

	if !f.To.IsZero() {
		conditions = append(conditions, alias+".source_created_at <= ?")
		args = append(args, toMillis(f.To))
	}

	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// scanItem scans an item from a *sql.Row or *sql.Rows.
func scanItem(scanner interface{ Scan(dest ...interface{}) error }) (*storage.KnowledgeItem, error) {
	var item storage.KnowledgeItem
	var metadataStr string
	var createdMs, syncedMs int64

	err := scanner.Scan(
		&item.ID,
		&item.OwnerID,
		&item.Source,
		&item.SourceID,
		&item.ContentKind,
		&item.Title,
		&item.Summary,
		&item.Content,
		&metadataStr,
		&createdMs,
		&syncedMs,
	)
	if err != nil {
		return nil, err
	}

	if metadataStr != "" {
		if err := json.Unmarshal([]byte(metadataStr), &item.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}

	item.SourceCreatedAt = fromMillis(createdMs)
	item.SyncedAt = fromMillis(syncedMs)

	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*storage.KnowledgeItem, error) {
	var items []*storage.KnowledgeItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// toMillis maps the zero time to 0 so unknown timestamps sort last.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
