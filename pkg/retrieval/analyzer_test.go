package retrieval_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerctx-go/pkg/retrieval"
)

func newTestAnalyzer() *retrieval.Analyzer {
	return retrieval.NewAnalyzer(retrieval.WithClock(fixedClock))
}

func TestAnalyzer_Deterministic(t *testing.T) {
	a := newTestAnalyzer()
	queries := []string{
		"show me the latest emails from Sarah about the Q3 budget",
		"jira tickets assigned to John Smith last week",
		"",
		"what did we discuss in may",
	}
	for _, q := range queries {
		first := a.Analyze(q, retrieval.Overrides{})
		second := a.Analyze(q, retrieval.Overrides{})
		assert.Equal(t, first, second, q)
	}
}

func TestAnalyzer_Sources(t *testing.T) {
	a := newTestAnalyzer()

	tests := []struct {
		query    string
		sources  []string
		temporal bool
	}{
		{"show me emails from Sarah", []string{"gmail", "outlook"}, false},
		{"latest jira tickets", []string{"jira"}, true},
		{"what's the most recent doc?", []string{"gdrive", "onedrive"}, true},
		{"meetings and tasks for tomorrow", []string{"calendar", "jira"}, false},
		{"newest inbox message", []string{"gmail", "outlook"}, true},
		{"quarterly revenue projections", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h := a.Analyze(tt.query, retrieval.Overrides{})
			assert.Equal(t, tt.sources, h.ExplicitSources)
			assert.Equal(t, tt.sources, h.CandidateSources)
			assert.Equal(t, tt.temporal, h.IsTemporal)
			assert.False(t, h.SourcesSupplied)
		})
	}
}

func TestAnalyzer_Overrides(t *testing.T) {
	a := newTestAnalyzer()

	h := a.Analyze("emails from Sarah", retrieval.Overrides{
		Sources:      []string{"Jira", "jira"},
		EntityFilter: "Bob",
	})
	assert.Equal(t, []string{"jira"}, h.CandidateSources)
	assert.Equal(t, []string{"gmail", "outlook"}, h.ExplicitSources)
	assert.True(t, h.SourcesSupplied)
	assert.Equal(t, "Bob", h.EntityFilter)
	assert.Equal(t, []string{"Sarah"}, h.Entities)
}

func TestAnalyzer_Entities(t *testing.T) {
	a := newTestAnalyzer()

	tests := []struct {
		query    string
		entities []string
	}{
		{"tasks assigned to John Smith", []string{"John Smith"}},
		{"Sarah's emails", []string{"Sarah"}},
		{"email from bob@acme.com about Budget", []string{"bob@acme.com", "Budget"}},
		{"Meeting with Alice and Bob on Monday", []string{"Alice", "Bob"}},
		{"show me all the documents", nil},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h := a.Analyze(tt.query, retrieval.Overrides{})
			assert.Equal(t, tt.entities, h.Entities)
			if len(tt.entities) > 0 {
				assert.Equal(t, tt.entities[0], h.EntityFilter)
			} else {
				assert.Empty(t, h.EntityFilter)
			}
		})
	}
}

func TestAnalyzer_TimeWindows(t *testing.T) {
	a := newTestAnalyzer()
	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	endOf := func(next time.Time) time.Time {
		return next.Add(-time.Nanosecond)
	}

	tests := []struct {
		query string
		from  time.Time
		to    time.Time
	}{
		{"items from last week", day(2024, time.June, 3), endOf(day(2024, time.June, 10))},
		{"what happened this week", day(2024, time.June, 10), testNow},
		{"notes from today", day(2024, time.June, 12), testNow},
		{"anything from yesterday", day(2024, time.June, 11), endOf(day(2024, time.June, 12))},
		{"reports from last month", day(2024, time.May, 1), endOf(day(2024, time.June, 1))},
		{"emails from march 2023", day(2023, time.March, 1), endOf(day(2023, time.April, 1))},
		{"invoices from last december", day(2023, time.December, 1), endOf(day(2024, time.January, 1))},
		{"the offsite last june", day(2023, time.June, 1), endOf(day(2023, time.July, 1))},
		{"notes from april", day(2024, time.April, 1), endOf(day(2024, time.May, 1))},
		{"plans for september", day(2023, time.September, 1), endOf(day(2023, time.October, 1))},
		{"what did we decide in may", day(2024, time.May, 1), endOf(day(2024, time.June, 1))},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h := a.Analyze(tt.query, retrieval.Overrides{})
			require.NotNil(t, h.Window)
			assert.Equal(t, tt.from, h.Window.From)
			assert.Equal(t, tt.to, h.Window.To)
		})
	}
}

func TestAnalyzer_NoFalseMonths(t *testing.T) {
	a := newTestAnalyzer()
	for _, q := range []string{"marketing plan", "you may want to check this", "the junebug project"} {
		h := a.Analyze(q, retrieval.Overrides{})
		assert.Nil(t, h.Window, q)
	}
}

func TestAnalyzer_WindowOverrides(t *testing.T) {
	a := newTestAnalyzer()

	h := a.Analyze("emails from march 2023", retrieval.Overrides{TimeFilter: "last_3_months"})
	require.NotNil(t, h.Window)
	assert.Equal(t, testNow.AddDate(0, 0, -90), h.Window.From)
	assert.Equal(t, testNow, h.Window.To)

	from := time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)
	h = a.Analyze("items from last week", retrieval.Overrides{TimeFilter: "today", From: from})
	require.NotNil(t, h.Window)
	assert.Equal(t, from, h.Window.From)
	assert.True(t, h.Window.To.IsZero())

	// unknown named filters fall back to the wording
	h = a.Analyze("notes from today", retrieval.Overrides{TimeFilter: "last_decade"})
	require.NotNil(t, h.Window)
	assert.Equal(t, "today", h.Window.Label)
}

func TestNamedWindow(t *testing.T) {
	w, ok := retrieval.NamedWindow("last_week", testNow)
	require.True(t, ok)
	assert.Equal(t, testNow.AddDate(0, 0, -7), w.From)

	_, ok = retrieval.NamedWindow("someday", testNow)
	assert.False(t, ok)
}
