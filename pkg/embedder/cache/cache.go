// Package cache wraps an embedder.Provider with a ristretto cache keyed by text.
//
// Episodic recall re-embeds the same conversation turns on every query; the
// cache keeps those vectors in memory so only unseen text reaches the API.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/oceanbase/powerctx-go/pkg/embedder"
)

const (
	defaultNumCounters = 1e6
	defaultMaxCost     = 64 << 20 // 64MB of vectors
	defaultBufferItems = 64
)

// Config configures the embedding cache.
type Config struct {
	NumCounters int64
	// MaxCost is the budget in bytes; a vector costs 8 bytes per dimension.
	MaxCost     int64
	BufferItems int64
}

// Provider is a caching embedder.Provider.
type Provider struct {
	next  embedder.Provider
	cache *ristretto.Cache
}

// New wraps next. A nil config uses the defaults.
func New(next embedder.Provider, cfg *Config) (*Provider, error) {
	c := Config{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: defaultBufferItems,
	}
	if cfg != nil {
		if cfg.NumCounters > 0 {
			c.NumCounters = cfg.NumCounters
		}
		if cfg.MaxCost > 0 {
			c.MaxCost = cfg.MaxCost
		}
		if cfg.BufferItems > 0 {
			c.BufferItems = cfg.BufferItems
		}
	}

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: c.NumCounters,
		MaxCost:     c.MaxCost,
		BufferItems: c.BufferItems,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{next: next, cache: rc}, nil
}

func key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (p *Provider) get(text string) ([]float64, bool) {
	v, ok := p.cache.Get(key(text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float64)
	return vec, ok
}

func (p *Provider) put(text string, vec []float64) {
	p.cache.Set(key(text), vec, int64(len(vec)*8))
}

// Embed returns the cached vector or embeds and caches it.
func (p *Provider) Embed(ctx context.Context, text string) ([]float64, error) {
	if vec, ok := p.get(text); ok {
		return vec, nil
	}

	vec, err := p.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.put(text, vec)
	return vec, nil
}

// EmbedBatch only sends cache misses to the wrapped provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))

	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, ok := p.get(text); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := p.next.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedding cache: got %d vectors for %d texts", len(vectors), len(missing))
	}
	for j, vec := range vectors {
		out[missingIdx[j]] = vec
		p.put(missing[j], vec)
	}
	return out, nil
}

// Wait blocks until buffered writes are visible to Get.
func (p *Provider) Wait() {
	p.cache.Wait()
}

// Dimensions returns the wrapped provider's dimensions.
func (p *Provider) Dimensions() int {
	return p.next.Dimensions()
}

// Close releases the cache and closes the wrapped provider.
func (p *Provider) Close() error {
	p.cache.Close()
	return p.next.Close()
}

var _ embedder.Provider = (*Provider)(nil)
