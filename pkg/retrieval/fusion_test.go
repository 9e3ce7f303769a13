package retrieval_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerctx-go/pkg/retrieval"
	"github.com/oceanbase/powerctx-go/pkg/storage"
)

func TestFuse_WorkedExample(t *testing.T) {
	it := item("1", storage.SourceGmail, testNow.Add(-2*time.Hour))
	candidates := []retrieval.CandidateResult{
		{Item: it, Strategy: retrieval.StrategySemantic, Signal: 0.8, HasSignal: true},
		{Item: it, Strategy: retrieval.StrategyFullText, Signal: 0.6, HasSignal: true},
	}

	out := retrieval.Fuse(candidates, retrieval.FusionInput{Now: testNow})
	require.Len(t, out, 1)

	got := out[0]
	assert.Equal(t, retrieval.OriginPrimary, got.Origin)
	assert.InDelta(t, 0.73, got.Score, 1e-9)
	assert.InDelta(t, 0.8, got.Components.Semantic, 1e-9)
	assert.InDelta(t, 0.2, got.Components.Recency, 1e-9)
	assert.InDelta(t, 0.10, got.Components.SourcePriority, 1e-9)
	assert.InDelta(t, 0.03, got.Components.FullText, 1e-9)
	assert.Zero(t, got.Components.Entity)
	assert.Zero(t, got.Components.ExplicitBoost)
	assert.Equal(t, []retrieval.StrategyKind{retrieval.StrategySemantic, retrieval.StrategyFullText}, got.Strategies)
}

func TestFuse_TemporalOverride(t *testing.T) {
	it := item("1", storage.SourceJira, testNow)
	candidates := []retrieval.CandidateResult{
		{Item: it, Strategy: retrieval.StrategySemantic, Signal: 0.99, HasSignal: true},
		{Item: it, Strategy: retrieval.StrategyTemporal, Signal: retrieval.TemporalScore, HasSignal: true},
		{Item: it, Strategy: retrieval.StrategyFullText, Signal: 3, HasSignal: true},
	}

	out := retrieval.Fuse(candidates, retrieval.FusionInput{
		Now:             testNow,
		ExplicitSources: []string{storage.SourceJira},
	})
	require.Len(t, out, 1)
	assert.Equal(t, retrieval.OriginTemporal, out[0].Origin)
	assert.Equal(t, 0.9, out[0].Score)
	assert.Equal(t, retrieval.Components{}, out[0].Components)
}

func TestFuse_DedupIdempotent(t *testing.T) {
	a := item("a", storage.SourceGmail, testNow.AddDate(0, 0, -3))
	b := item("b", storage.SourceGDrive, testNow.AddDate(0, 0, -40))
	candidates := []retrieval.CandidateResult{
		{Item: a, Strategy: retrieval.StrategySemantic, Signal: 0.7, HasSignal: true},
		{Item: b, Strategy: retrieval.StrategyFullText, Signal: 1.2, HasSignal: true},
		{Item: a, Strategy: retrieval.StrategyEntity, EntityName: "sarah"},
	}
	in := retrieval.FusionInput{Now: testNow, QueryEntities: []string{"Sarah"}}

	once := retrieval.Fuse(candidates, in)
	twice := retrieval.Fuse(append(append([]retrieval.CandidateResult{}, candidates...), candidates...), in)

	require.Len(t, once, 2)
	require.Len(t, twice, 2)
	for i := range once {
		assert.Equal(t, once[i].Item.ID, twice[i].Item.ID)
		assert.Equal(t, once[i].Score, twice[i].Score)
		assert.Equal(t, once[i].Strategies, twice[i].Strategies)
	}
}

func TestFuse_ScoreBounds(t *testing.T) {
	tests := []struct {
		name    string
		created time.Time
		cands   func(*storage.KnowledgeItem) []retrieval.CandidateResult
		in      retrieval.FusionInput
		check   func(t *testing.T, c retrieval.Components)
	}{
		{
			name:    "signals above range clamp",
			created: testNow,
			cands: func(it *storage.KnowledgeItem) []retrieval.CandidateResult {
				return []retrieval.CandidateResult{
					{Item: it, Strategy: retrieval.StrategySemantic, Signal: 5, HasSignal: true},
					{Item: it, Strategy: retrieval.StrategyFullText, Signal: 100, HasSignal: true},
				}
			},
			check: func(t *testing.T, c retrieval.Components) {
				assert.Equal(t, 1.0, c.Semantic)
				assert.Equal(t, retrieval.MaxFullText, c.FullText)
			},
		},
		{
			name:    "negative rank never subtracts",
			created: testNow,
			cands: func(it *storage.KnowledgeItem) []retrieval.CandidateResult {
				return []retrieval.CandidateResult{
					{Item: it, Strategy: retrieval.StrategyFullText, Signal: -3, HasSignal: true},
				}
			},
			check: func(t *testing.T, c retrieval.Components) {
				assert.Zero(t, c.FullText)
				assert.Equal(t, retrieval.DefaultSemantic, c.Semantic)
			},
		},
		{
			name:    "future timestamps clamp to max recency",
			created: testNow.AddDate(0, 0, 10),
			cands:   fullTextOnly,
			check: func(t *testing.T, c retrieval.Components) {
				assert.Equal(t, retrieval.MaxRecency, c.Recency)
			},
		},
		{
			name:    "old items get no recency",
			created: testNow.AddDate(-2, 0, 0),
			cands:   fullTextOnly,
			check: func(t *testing.T, c retrieval.Components) {
				assert.Zero(t, c.Recency)
			},
		},
		{
			name:    "unknown timestamp gets no recency",
			created: time.Time{},
			cands:   fullTextOnly,
			check: func(t *testing.T, c retrieval.Components) {
				assert.Zero(t, c.Recency)
			},
		},
		{
			name:    "entity matches cap",
			created: testNow,
			cands:   fullTextOnly,
			in: retrieval.FusionInput{
				QueryEntities: []string{"a", "b", "c", "d", "e"},
				ItemEntities:  map[string][]string{"x": {"a", "b", "c", "d", "e"}},
			},
			check: func(t *testing.T, c retrieval.Components) {
				assert.Equal(t, retrieval.MaxEntity, c.Entity)
			},
		},
		{
			name:    "entity strategy floor",
			created: testNow,
			cands: func(it *storage.KnowledgeItem) []retrieval.CandidateResult {
				return []retrieval.CandidateResult{{Item: it, Strategy: retrieval.StrategyEntity}}
			},
			check: func(t *testing.T, c retrieval.Components) {
				assert.Equal(t, retrieval.EntityStrategyFloor, c.Entity)
			},
		},
		{
			name:    "keyword ratio stands in for semantic",
			created: testNow,
			cands: func(it *storage.KnowledgeItem) []retrieval.CandidateResult {
				return []retrieval.CandidateResult{
					{Item: it, Strategy: retrieval.StrategyKeyword, Signal: 0.4, HasSignal: true},
				}
			},
			check: func(t *testing.T, c retrieval.Components) {
				assert.Equal(t, 0.4, c.Semantic)
			},
		},
		{
			name:    "metadata signal beats keyword ratio",
			created: testNow,
			cands: func(it *storage.KnowledgeItem) []retrieval.CandidateResult {
				return []retrieval.CandidateResult{
					{Item: it, Strategy: retrieval.StrategyKeyword, Signal: 0.4, HasSignal: true},
					{Item: it, Strategy: retrieval.StrategyMetadata, Signal: retrieval.MetadataSignal, HasSignal: true},
				}
			},
			check: func(t *testing.T, c retrieval.Components) {
				assert.Equal(t, retrieval.MetadataSignal, c.Semantic)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := item("x", "confluence", tt.created)
			in := tt.in
			in.Now = testNow

			out := retrieval.Fuse(tt.cands(it), in)
			require.Len(t, out, 1)
			c := out[0].Components
			tt.check(t, c)

			assert.GreaterOrEqual(t, c.Semantic, 0.0)
			assert.LessOrEqual(t, c.Semantic, 1.0)
			assert.GreaterOrEqual(t, c.Recency, 0.0)
			assert.LessOrEqual(t, c.Recency, retrieval.MaxRecency)
			assert.LessOrEqual(t, c.Entity, retrieval.MaxEntity)
			assert.GreaterOrEqual(t, c.FullText, 0.0)
			assert.LessOrEqual(t, c.FullText, retrieval.MaxFullText)
			assert.Equal(t, retrieval.DefaultSourceWeight, c.SourcePriority)
		})
	}
}

func fullTextOnly(it *storage.KnowledgeItem) []retrieval.CandidateResult {
	return []retrieval.CandidateResult{
		{Item: it, Strategy: retrieval.StrategyFullText, Signal: 1, HasSignal: true},
	}
}

func TestFuse_ExplicitSourceBoost(t *testing.T) {
	mail := item("m", storage.SourceOutlook, testNow)
	doc := item("d", storage.SourceGDrive, testNow)
	out := retrieval.Fuse([]retrieval.CandidateResult{
		{Item: mail, Strategy: retrieval.StrategyFullText, Signal: 1, HasSignal: true},
		{Item: doc, Strategy: retrieval.StrategyFullText, Signal: 1, HasSignal: true},
	}, retrieval.FusionInput{Now: testNow, ExplicitSources: []string{storage.SourceGmail, storage.SourceOutlook}})

	require.Len(t, out, 2)
	assert.Equal(t, retrieval.ExplicitSourceBoost, out[0].Components.ExplicitBoost)
	assert.Zero(t, out[1].Components.ExplicitBoost)
	assert.InDelta(t, 0.08, out[1].Components.SourcePriority, 1e-9)
}

func TestFuse_MetadataEntities(t *testing.T) {
	it := item("m", storage.SourceGmail, testNow)
	it.Metadata = map[string]interface{}{
		"from": "Sarah Chen <sarah.chen@acme.com>",
		"to":   []interface{}{"bob@acme.com", "Carol"},
	}
	out := retrieval.Fuse([]retrieval.CandidateResult{
		{Item: it, Strategy: retrieval.StrategyFullText, Signal: 1, HasSignal: true},
	}, retrieval.FusionInput{Now: testNow, QueryEntities: []string{"Sarah Chen", "bob", "carol", "dave"}})

	require.Len(t, out, 1)
	assert.InDelta(t, 0.3, out[0].Components.Entity, 1e-9)
}

func TestMetadataPeople(t *testing.T) {
	got := retrieval.MetadataPeople(map[string]interface{}{
		"from":     "Sarah Chen <sarah.chen@acme.com>",
		"to":       []string{"bob@acme.com"},
		"assignee": "Dave",
		"subject":  "ignored",
	})
	assert.Equal(t, []string{"sarah chen", "sarah.chen", "bob", "dave"}, got)
}

func TestRank(t *testing.T) {
	items := []retrieval.ScoredItem{
		{Item: item("c", "x", testNow.AddDate(0, 0, -2)), Score: 0.5},
		{Item: item("b", "x", testNow.AddDate(0, 0, -1)), Score: 0.5},
		{Item: item("a", "x", testNow.AddDate(0, 0, -1)), Score: 0.5},
		{Item: item("d", "x", testNow.AddDate(0, 0, -9)), Score: 0.9},
	}

	ranked := retrieval.Rank(items, 3)
	require.Len(t, ranked, 3)
	assert.Equal(t, "d", ranked[0].Item.ID)
	assert.Equal(t, "a", ranked[1].Item.ID)
	assert.Equal(t, "b", ranked[2].Item.ID)

	assert.Len(t, retrieval.Rank(items, 0), 4)
}

func TestRecency(t *testing.T) {
	assert.InDelta(t, 0.2, retrieval.Recency(testNow, testNow), 1e-9)
	assert.InDelta(t, 0.1, retrieval.Recency(testNow.Add(-182*24*time.Hour-time.Hour), testNow), 0.001)
	assert.Zero(t, retrieval.Recency(testNow.AddDate(-1, 0, -1), testNow))
}
