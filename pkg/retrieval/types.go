// Package retrieval implements context retrieval and relevance ranking over a
// user's knowledge store.
//
// A query is analyzed into routing hints, fanned out to independent strategies
// (semantic, full-text, entity, keyword fallback, temporal, metadata), fused
// into one deduplicated set with a composite score, optionally merged with
// episodic recall from past conversations, then ranked and truncated.
package retrieval

import (
	"errors"
	"math"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// ErrInvalidRequest is returned for a retrieval request without an owner.
var ErrInvalidRequest = errors.New("invalid retrieval request")

// StrategyKind names a retrieval strategy.
type StrategyKind string

const (
	StrategySemantic StrategyKind = "semantic"
	StrategyFullText StrategyKind = "fulltext"
	StrategyEntity   StrategyKind = "entity"
	StrategyKeyword  StrategyKind = "keyword"
	StrategyTemporal StrategyKind = "temporal"
	StrategyMetadata StrategyKind = "metadata"
	StrategyEpisodic StrategyKind = "episodic"
)

// Origin tells how a ScoredItem was scored.
type Origin string

const (
	// OriginPrimary items went through the composite formula.
	OriginPrimary Origin = "primary"
	// OriginTemporal items carry the fixed temporal score.
	OriginTemporal Origin = "temporal"
	// OriginEpisodic items come from past conversation turns.
	OriginEpisodic Origin = "episodic"
)

// Scoring constants.
const (
	TemporalScore         = 0.9
	MetadataSignal        = 0.8
	DefaultSemantic       = 0.5
	SemanticWeight        = 0.5
	MaxRecency            = 0.2
	RecencyHorizonDays    = 365
	EntityPerMatch        = 0.1
	MaxEntity             = 0.3
	EntityStrategyFloor   = 0.2
	DefaultSourceWeight   = 0.05
	FullTextWeight        = 0.05
	MaxFullText           = 0.1
	ExplicitSourceBoost   = 0.4
	EpisodicCeiling       = 0.5
	EpisodicMinSimilarity = 0.3
)

// CandidateResult is an unscored hit from one strategy.
type CandidateResult struct {
	Item     *storage.KnowledgeItem
	Strategy StrategyKind

	// Signal is the strategy's raw value: similarity, rank or match ratio.
	Signal    float64
	HasSignal bool

	// EntityName and EntityType identify the entity an entity-strategy hit
	// was found through. EntityName is normalized.
	EntityName string
	EntityType string
}

// Components is the decomposed composite score.
// Semantic holds the raw [0,1] value; it contributes Semantic*0.5.
type Components struct {
	Semantic       float64 `json:"semantic"`
	Recency        float64 `json:"recency"`
	Entity         float64 `json:"entity"`
	SourcePriority float64 `json:"source_priority"`
	FullText       float64 `json:"fulltext"`
	ExplicitBoost  float64 `json:"explicit_boost"`
}

// Total applies the composite formula.
func (c Components) Total() float64 {
	return c.Semantic*SemanticWeight + c.Recency + c.Entity + c.SourcePriority + c.FullText + c.ExplicitBoost
}

// ScoredItem is a fused, scored item ready for ranking.
type ScoredItem struct {
	Item       *storage.KnowledgeItem `json:"item"`
	Origin     Origin                 `json:"origin"`
	Components Components             `json:"components"`
	Score      float64                `json:"score"`
	Strategies []StrategyKind         `json:"strategies"`
}

// EntityRef is an entity surfaced by a retrieval, for display and follow-up tool calls.
type EntityRef struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
