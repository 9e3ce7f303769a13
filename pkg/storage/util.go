package storage

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// NormalizeName lower-cases a name and collapses inner whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched or zero-length vectors yield 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// IDGenerator hands out snowflake IDs rendered as decimal strings.
type IDGenerator struct {
	node *snowflake.Node
}

var (
	defaultIDs     *IDGenerator
	defaultIDsOnce sync.Once
)

// NewIDGenerator creates a generator for the given snowflake node number (0-1023).
func NewIDGenerator(node int64) (*IDGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("NewIDGenerator: %w", err)
	}
	return &IDGenerator{node: n}, nil
}

// DefaultIDGenerator returns a process-wide generator on node 1.
func DefaultIDGenerator() *IDGenerator {
	defaultIDsOnce.Do(func() {
		// node 1 is always within range
		defaultIDs, _ = NewIDGenerator(1)
	})
	return defaultIDs
}

// Next returns a fresh ID.
func (g *IDGenerator) Next() string {
	return g.node.Generate().String()
}

// Matches reports whether item satisfies the filter. Backends that rank
// outside SQL (an external full-text index) use it to post-filter hits.
func (f Filter) Matches(item *KnowledgeItem) bool {
	if item == nil || item.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Sources) > 0 {
		found := false
		for _, s := range f.Sources {
			if s == item.Source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && item.SourceCreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && item.SourceCreatedAt.After(f.To) {
		return false
	}
	return true
}

// WithoutSources returns a copy of the filter with the source restriction dropped.
func (f Filter) WithoutSources() Filter {
	f.Sources = nil
	return f
}
