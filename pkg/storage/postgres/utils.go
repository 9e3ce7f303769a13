package postgres

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

// argList numbers positional parameters as they are appended.
type argList struct {
	values []interface{}
}

// add appends v and returns its placeholder.
func (a *argList) add(v interface{}) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(len(a.values))
}

// buildFilterClause renders a storage.Filter against the items alias "i".
func buildFilterClause(a *argList, f storage.Filter) string {
	conditions := []string{"i.owner_id = " + a.add(f.OwnerID)}

	if len(f.Sources) > 0 {
		ph := make([]string, len(f.Sources))
		for n, s := range f.Sources {
			ph[n] = a.add(s)
		}
		conditions = append(conditions, fmt.Sprintf("i.source IN (%s)", strings.Join(ph, ", ")))
	}

	if !f.From.IsZero() {
		conditions = append(conditions, "i.source_created_at >= "+a.add(f.From.UTC()))
	}
	if !f.To.IsZero() {
		conditions = append(conditions, "i.source_created_at <= "+a.add(f.To.UTC()))
	}

	return strings.Join(conditions, " AND ")
}

// vectorToString converts a float64 slice to pgvector's text form: "[0.1,0.2,0.3]".
func vectorToString(vector []float64) string {
	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func scanItem(scanner interface{ Scan(dest ...interface{}) error }, extra ...interface{}) (*storage.KnowledgeItem, error) {
	var item storage.KnowledgeItem
	var metadata []byte
	var created, synced sql.NullTime

	dest := []interface{}{
		&item.ID,
		&item.OwnerID,
		&item.Source,
		&item.SourceID,
		&item.ContentKind,
		&item.Title,
		&item.Summary,
		&item.Content,
		&metadata,
		&created,
		&synced,
	}
	dest = append(dest, extra...)

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
