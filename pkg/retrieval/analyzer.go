package retrieval

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// sourceKeywords maps query words to the sources they name.
var sourceKeywords = map[string][]string{
	"email":       {storage.SourceGmail, storage.SourceOutlook},
	"emails":      {storage.SourceGmail, storage.SourceOutlook},
	"mail":        {storage.SourceGmail, storage.SourceOutlook},
	"inbox":       {storage.SourceGmail, storage.SourceOutlook},
	"message":     {storage.SourceGmail, storage.SourceOutlook},
	"messages":    {storage.SourceGmail, storage.SourceOutlook},
	"document":    {storage.SourceGDrive, storage.SourceOneDrive},
	"documents":   {storage.SourceGDrive, storage.SourceOneDrive},
	"doc":         {storage.SourceGDrive, storage.SourceOneDrive},
	"docs":        {storage.SourceGDrive, storage.SourceOneDrive},
	"file":        {storage.SourceGDrive, storage.SourceOneDrive},
	"files":       {storage.SourceGDrive, storage.SourceOneDrive},
	"task":        {storage.SourceJira},
	"tasks":       {storage.SourceJira},
	"ticket":      {storage.SourceJira},
	"tickets":     {storage.SourceJira},
	"issue":       {storage.SourceJira},
	"issues":      {storage.SourceJira},
	"jira":        {storage.SourceJira},
	"assigned":    {storage.SourceJira},
	"assignee":    {storage.SourceJira},
	"meeting":     {storage.SourceCalendar},
	"meetings":    {storage.SourceCalendar},
	"calendar":    {storage.SourceCalendar},
	"event":       {storage.SourceCalendar},
	"events":      {storage.SourceCalendar},
	"appointment": {storage.SourceCalendar},
	"schedule":    {storage.SourceCalendar},
}

var temporalKeywords = map[string]bool{
	"last":   true,
	"latest": true,
	"recent": true,
	"newest": true,
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bassigned\s+to\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`),
		regexp.MustCompile(`\bassignee[:\s]+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`),
		regexp.MustCompile(`\b(?:from|to|by|with)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`),
		regexp.MustCompile(`\b([A-Z][a-z]+)'s\s+(?:tasks?|emails?|documents?|meetings?|tickets?|files?)\b`),
	}

	nonWord = regexp.MustCompile(`[^\p{L}\p{N}_]`)
)

// skipWords are capitalised words that are never taken as names.
var skipWords = map[string]bool{
	"the": true, "a": true, "an": true, "in": true, "on": true, "at": true, "to": true,
	"from": true, "by": true, "for": true, "what": true, "where": true, "when": true,
	"how": true, "which": true, "who": true, "tasks": true, "emails": true, "email": true,
	"documents": true, "meetings": true, "calendar": true, "jira": true, "gmail": true,
	"outlook": true, "drive": true, "show": true, "find": true, "get": true, "list": true,
	"search": true, "all": true, "my": true, "i": true, "me": true, "last": true,
	"latest": true, "recent": true, "today": true, "yesterday": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true, "friday": true,
	"saturday": true, "sunday": true,
}

// Hints are the routing hints derived from a query.
type Hints struct {
	// CandidateSources restricts the strategies; empty means every source.
	CandidateSources []string `json:"candidate_sources"`

	// ExplicitSources are the sources named by the query's own wording.
	ExplicitSources []string `json:"explicit_sources"`

	// SourcesSupplied is set when the caller, not the wording, chose the sources.
	SourcesSupplied bool `json:"sources_supplied"`

	IsTemporal   bool        `json:"is_temporal"`
	EntityFilter string      `json:"entity_filter,omitempty"`
	Entities     []string    `json:"entities"`
	Window       *TimeWindow `json:"window,omitempty"`
}

// Overrides are caller-supplied hints that take precedence over the wording.
type Overrides struct {
	Sources      []string
	EntityFilter string

	// TimeFilter is a named window: today, yesterday, last_week, last_month,
	// last_3_months, last_6_months.
	TimeFilter string

	// From and To bound the window explicitly; either may be zero.
	From time.Time
	To   time.Time
}

// Analyzer turns a raw query into Hints using fixed lexical tables.
// It is deterministic for a fixed clock.
type Analyzer struct {
	now      func() time.Time
	location *time.Location
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithClock fixes the analyzer's notion of now.
func WithClock(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) {
		a.now = now
	}
}

// WithLocation sets the location calendar windows are computed in (default UTC).
func WithLocation(loc *time.Location) AnalyzerOption {
	return func(a *Analyzer) {
		if loc != nil {
			a.location = loc
		}
	}
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		now:      time.Now,
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze derives hints from query. It never fails: no match yields empty hints.
func (a *Analyzer) Analyze(query string, o Overrides) Hints {
	lower := strings.ToLower(query)
	tokens := Tokenize(lower)

	var h Hints
	seen := make(map[string]bool)
	for _, tok := range tokens {
		if temporalKeywords[tok] {
			h.IsTemporal = true
		}
		for _, src := range sourceKeywords[tok] {
			if !seen[src] {
				seen[src] = true
				h.ExplicitSources = append(h.ExplicitSources, src)
			}
		}
	}
	if strings.Contains(lower, "most recent") {
		h.IsTemporal = true
	}

	h.CandidateSources = append([]string(nil), h.ExplicitSources...)
	if len(o.Sources) > 0 {
		h.CandidateSources = dedupe(o.Sources)
		h.SourcesSupplied = true
	}

	h.Entities = extractEntities(query)
	h.EntityFilter = strings.TrimSpace(o.EntityFilter)
	if h.EntityFilter == "" && len(h.Entities) > 0 {
		h.EntityFilter = h.Entities[0]
	}

	now := a.now().In(a.location)
	switch {
	case !o.From.IsZero() || !o.To.IsZero():
		h.Window = &TimeWindow{From: o.From, To: o.To, Label: "explicit"}
	case o.TimeFilter != "":
		if w, ok := NamedWindow(o.TimeFilter, now); ok {
			h.Window = w
		}
	}
	if h.Window == nil {
		h.Window = windowFromText(lower, now)
	}

	return h
}

// Tokenize splits lower-cased text on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// extractEntities pulls names and e-mail addresses from the original-case query.
// Order is first occurrence; duplicates are removed case-insensitively.
func extractEntities(query string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		key := storage.NormalizeName(name)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(name))
	}

	for _, email := range emailPattern.FindAllString(query, -1) {
		add(email)
	}
	for _, re := range namePatterns {
		for _, m := range re.FindAllStringSubmatch(query, -1) {
			add(m[1])
		}
	}

	// words inside a name already taken are not repeated on their own
	covered := make(map[string]bool)
	for _, e := range out {
		for _, part := range strings.Fields(strings.ToLower(e)) {
			covered[part] = true
		}
	}

	words := strings.Fields(emailPattern.ReplaceAllString(query, " "))
	for i, word := range words {
		if i == 0 {
			continue
		}
		r := []rune(word)
		if len(r) == 0 || !unicode.IsUpper(r[0]) {
			continue
		}
		clean := nonWord.ReplaceAllString(strings.TrimSuffix(word, "'s"), "")
		lower := strings.ToLower(clean)
		if len([]rune(clean)) < 2 || skipWords[lower] || covered[lower] || isMonth(lower) {
			continue
		}
		add(clean)
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
