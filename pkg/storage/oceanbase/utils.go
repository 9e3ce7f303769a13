package oceanbase

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

const itemColumns = `i.id, i.owner_id, i.source, i.source_id, i.content_kind, i.title, i.summary, i.content,
	i.metadata, i.source_created_at, i.synced_at`

// vectorToString converts a float64 slice to an OceanBase VECTOR format string.
// Example: [0.1, 0.2, 0.3] -> "[0.1,0.2,0.3]"
func vectorToString(vector []float64) string {
	if len(vector) == 0 {
		return "[]"
	}

	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}

	return "[" + strings.Join(parts, ",") + "]"
}

// buildFilterClause builds the conditions for a storage.Filter against alias "i".
func buildFilterClause(f storage.Filter) (string, []interface{}) {
	conditions := []string{"i.owner_id = ?"}
	args := []interface{}{f.OwnerID}

	if len(f.Sources) > 0 {
		conditions = append(conditions, fmt.Sprintf("i.source IN (%s)", placeholders(len(f.Sources))))
		for _, s := range f.Sources {
			args = append(args, s)
		}
	}

	if !f.From.IsZero() {
		conditions = append(conditions, "i.source_created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		conditions = append(conditions, "i.source_created_at <= ?")
		args = append(args, f.To.UTC())
	}

	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// limitClause returns an empty clause for a non-positive limit.
func limitClause(limit int) (string, []interface{}) {
	if limit <= 0 {
		return "", nil
	}
	return "LIMIT ?", []interface{}{limit}
}

func scanItem(scanner interface{ Scan(dest ...interface{}) error }, extra ...interface{}) (*storage.KnowledgeItem, error) {
	var item storage.KnowledgeItem
	var metadata []byte
	var created, synced sql.NullTime

	dest := append([]interface{}{
		&item.ID, &item.OwnerID, &item.Source, &item.SourceID, &item.ContentKind,
		&item.Title, &item.Summary, &item.Content, &metadata, &created, &synced,
	}, extra...)

	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	if created.Valid {
		item.SourceCreatedAt = created.Time.UTC()
	}
	if synced.Valid {
		item.SyncedAt = synced.Time.UTC()
	}
	return &item, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
