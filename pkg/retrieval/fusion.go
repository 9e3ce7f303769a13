package retrieval

import (
	"math"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// sourcePriority weights each well-known source. Unknown sources get DefaultSourceWeight.
var sourcePriority = map[string]float64{
	storage.SourceGmail:    0.10,
	storage.SourceOutlook:  0.10,
	storage.SourceGDrive:   0.08,
	storage.SourceOneDrive: 0.08,
	storage.SourceJira:     0.07,
	storage.SourceCalendar: 0.05,
}

// metadataPeople are the metadata keys that name people.
var metadataPeople = []string{"from", "to", "assignee", "reporter"}

// FusionInput is the query-level context fusion scores against.
type FusionInput struct {
	// QueryEntities are normalized entity names from the query and from
	// entity-strategy hits.
	QueryEntities []string

	// ExplicitSources are the sources the query's wording named.
	ExplicitSources []string

	// ItemEntities maps item ID to the normalized names the store links to it.
	ItemEntities map[string][]string

	Now time.Time
}

// SourcePriority returns the weight of a source.
func SourcePriority(source string) float64 {
	if w, ok := sourcePriority[source]; ok {
		return w
	}
	return DefaultSourceWeight
}

// group accumulates every candidate seen for one item.
type group struct {
	item       *storage.KnowledgeItem
	strategies []StrategyKind

	semantic    float64
	hasSemantic bool
	keyword     float64
	hasKeyword  bool
	fullText    float64
	hasFullText bool
	entityHit   bool
	temporal    bool
	entityNames []string
}

func (g *group) add(c CandidateResult) {
	seen := false
	for _, k := range g.strategies {
		if k == c.Strategy {
			seen = true
			break
		}
	}
	if !seen {
		g.strategies = append(g.strategies, c.Strategy)
	}

	switch c.Strategy {
	case StrategySemantic, StrategyMetadata:
		if c.HasSignal && (!g.hasSemantic || c.Signal > g.semantic) {
			g.semantic, g.hasSemantic = c.Signal, true
		}
	case StrategyKeyword:
		if c.HasSignal && (!g.hasKeyword || c.Signal > g.keyword) {
			g.keyword, g.hasKeyword = c.Signal, true
		}
	case StrategyFullText:
		if c.HasSignal && (!g.hasFullText || c.Signal > g.fullText) {
			g.fullText, g.hasFullText = c.Signal, true
		}
	case StrategyEntity:
		g.entityHit = true
		if c.EntityName != "" {
			g.entityNames = append(g.entityNames, c.EntityName)
		}
	case StrategyTemporal:
		g.temporal = true
	}
}

// Fuse merges candidates by item ID and scores each item once.
//
// Items found by the temporal strategy score exactly TemporalScore. All
// others use the composite formula. The output keeps first-seen order;
// use Rank to order it.
func Fuse(candidates []CandidateResult, in FusionInput) []ScoredItem {
	var order []string
	groups := make(map[string]*group)
	for _, c := range candidates {
		if c.Item == nil || c.Item.ID == "" {
			continue
		}
		g, ok := groups[c.Item.ID]
		if !ok {
			g = &group{item: c.Item}
			groups[c.Item.ID] = g
			order = append(order, c.Item.ID)
		}
		g.add(c)
	}

	queryEntities := make(map[string]bool, len(in.QueryEntities))
	for _, e := range in.QueryEntities {
		if n := storage.NormalizeName(e); n != "" {
			queryEntities[n] = true
		}
	}
	explicit := make(map[string]bool, len(in.ExplicitSources))
	for _, s := range in.ExplicitSources {
		explicit[s] = true
	}

	out := make([]ScoredItem, 0, len(order))
	for _, id := range order {
		g := groups[id]
		if g.temporal {
			out = append(out, ScoredItem{
				Item:       g.item,
				Origin:     OriginTemporal,
				Score:      TemporalScore,
				Strategies: g.strategies,
			})
			continue
		}

		var c Components
		switch {
		case g.hasSemantic:
			c.Semantic = clamp(g.semantic, 0, 1)
		case g.hasKeyword:
			c.Semantic = clamp(g.keyword, 0, 1)
		default:
			c.Semantic = DefaultSemantic
		}
		c.Recency = Recency(g.item.SourceCreatedAt, in.Now)
		c.Entity = entityScore(queryEntities, itemEntities(g, in.ItemEntities[id]), g.entityHit)
		c.SourcePriority = SourcePriority(g.item.Source)
		if g.hasFullText {
			c.FullText = clamp(g.fullText*FullTextWeight, 0, MaxFullText)
		}
		if explicit[g.item.Source] {
			c.ExplicitBoost = ExplicitSourceBoost
		}

		out = append(out, ScoredItem{
			Item:       g.item,
			Origin:     OriginPrimary,
			Components: c,
			Score:      round3(c.Total()),
			Strategies: g.strategies,
		})
	}
	return out
}

// Recency decays linearly from MaxRecency today to zero after a year.
// Unknown timestamps score zero; future ones score the maximum.
func Recency(created, now time.Time) float64 {
	if created.IsZero() {
		return 0
	}
	days := math.Floor(now.Sub(created).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return clamp(MaxRecency*(1-days/RecencyHorizonDays), 0, MaxRecency)
}

func entityScore(query map[string]bool, item map[string]bool, entityHit bool) float64 {
	matches := 0
	for name := range item {
		if query[name] {
			matches++
		}
	}
	score := math.Min(MaxEntity, EntityPerMatch*float64(matches))
	if entityHit {
		score = math.Max(score, EntityStrategyFloor)
	}
	return score
}

// itemEntities is the union of store mentions, the names an entity hit came
// through and the people named in the item's metadata.
func itemEntities(g *group, stored []string) map[string]bool {
	out := make(map[string]bool)
	for _, n := range stored {
		out[storage.NormalizeName(n)] = true
	}
	for _, n := range g.entityNames {
		out[n] = true
	}
	for _, n := range MetadataPeople(g.item.Metadata) {
		out[n] = true
	}
	return out
}

// MetadataPeople extracts normalized person names from the from, to,
// assignee and reporter metadata fields. Addresses are reduced to the part
// before "@"; a display name ("Sarah Chen <sarah@acme.com>") is kept as well.
func MetadataPeople(metadata map[string]interface{}) []string {
	var out []string
	add := func(v string) {
		if addr, err := mail.ParseAddress(v); err == nil {
			if n := storage.NormalizeName(addr.Name); n != "" {
				out = append(out, n)
			}
			v = addr.Address
		}
		if i := strings.Index(v, "@"); i >= 0 {
			v = v[:i]
		}
		if n := storage.NormalizeName(v); n != "" {
			out = append(out, n)
		}
	}
	for _, key := range metadataPeople {
		switch v := metadata[key].(type) {
		case string:
			add(v)
		case []string:
			for _, s := range v {
				add(s)
			}
		case []interface{}:
			for _, x := range v {
				if s, ok := x.(string); ok {
					add(s)
				}
			}
		}
	}
	return out
}

// Rank orders items by descending score, then newest SourceCreatedAt, then
// ID, and truncates to limit (no truncation when limit <= 0).
func Rank(items []ScoredItem, limit int) []ScoredItem {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.SourceCreatedAt.Equal(b.Item.SourceCreatedAt) {
			return a.Item.SourceCreatedAt.After(b.Item.SourceCreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
