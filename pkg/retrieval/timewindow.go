package retrieval

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeWindow bounds SourceCreatedAt. A zero From or To leaves that side open.
type TimeWindow struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Label string    `json:"label"`
}

var months = map[string]time.Month{
	"january":   time.January,
	"february":  time.February,
	"march":     time.March,
	"april":     time.April,
	"may":       time.May,
	"june":      time.June,
	"july":      time.July,
	"august":    time.August,
	"september": time.September,
	"october":   time.October,
	"november":  time.November,
	"december":  time.December,
}

const monthAlternation = `january|february|march|april|may|june|july|august|september|october|november|december`

var (
	monthYearPattern = regexp.MustCompile(`\b(` + monthAlternation + `)\s+(\d{4})\b`)
	lastMonthPattern = regexp.MustCompile(`\blast\s+(` + monthAlternation + `)\b`)
	bareMonthPattern = regexp.MustCompile(`\b(` + monthAlternation + `)\b`)
	inMayPattern     = regexp.MustCompile(`\bin\s+may\b`)
	relativePhrases  = []string{"today", "yesterday", "this week", "last week", "this month", "last month"}
	relativePatterns = compilePhrases(relativePhrases)
)

func compilePhrases(phrases []string) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(phrases))
	for _, p := range phrases {
		out[p] = regexp.MustCompile(`\b` + strings.ReplaceAll(p, " ", `\s+`) + `\b`)
	}
	return out
}

func isMonth(word string) bool {
	_, ok := months[word]
	return ok
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func monthWindow(year int, month time.Month, loc *time.Location, label string) *TimeWindow {
	from := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return &TimeWindow{From: from, To: from.AddDate(0, 1, 0).Add(-time.Nanosecond), Label: label}
}

// NamedWindow resolves a caller-supplied time filter relative to now.
// Unknown names report false.
func NamedWindow(name string, now time.Time) (*TimeWindow, bool) {
	today := startOfDay(now)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "today":
		return &TimeWindow{From: today, To: now, Label: "today"}, true
	case "yesterday":
		return &TimeWindow{From: today.AddDate(0, 0, -1), To: today.Add(-time.Nanosecond), Label: "yesterday"}, true
	case "last_week":
		return &TimeWindow{From: now.AddDate(0, 0, -7), To: now, Label: "last_week"}, true
	case "last_month":
		return &TimeWindow{From: now.AddDate(0, 0, -30), To: now, Label: "last_month"}, true
	case "last_3_months":
		return &TimeWindow{From: now.AddDate(0, 0, -90), To: now, Label: "last_3_months"}, true
	case "last_6_months":
		return &TimeWindow{From: now.AddDate(0, 0, -180), To: now, Label: "last_6_months"}, true
	}
	return nil, false
}

// windowFromText finds a window in lower-cased query text. Explicit months are
// checked before relative phrases. Returns nil when nothing matches.
func windowFromText(lower string, now time.Time) *TimeWindow {
	loc := now.Location()

	if m := monthYearPattern.FindStringSubmatch(lower); m != nil {
		year, err := strconv.Atoi(m[2])
		if err == nil {
			return monthWindow(year, months[m[1]], loc, m[1]+" "+m[2])
		}
	}

	if m := lastMonthPattern.FindStringSubmatch(lower); m != nil {
		month := months[m[1]]
		year := now.Year()
		if month >= now.Month() {
			year--
		}
		return monthWindow(year, month, loc, "last "+m[1])
	}

	for _, m := range bareMonthPattern.FindAllStringSubmatch(lower, -1) {
		// "may" is a modal verb far more often than a month
		if m[1] == "may" && !inMayPattern.MatchString(lower) {
			continue
		}
		month := months[m[1]]
		year := now.Year()
		if month > now.Month() {
			year--
		}
		return monthWindow(year, month, loc, m[1])
	}

	today := startOfDay(now)
	for _, phrase := range relativePhrases {
		if !relativePatterns[phrase].MatchString(lower) {
			continue
		}
		switch phrase {
		case "today":
			return &TimeWindow{From: today, To: now, Label: phrase}
		case "yesterday":
			return &TimeWindow{From: today.AddDate(0, 0, -1), To: today.Add(-time.Nanosecond), Label: phrase}
		case "this week":
			monday := today.AddDate(0, 0, -mondayOffset(now))
			return &TimeWindow{From: monday, To: now, Label: phrase}
		case "last week":
			monday := today.AddDate(0, 0, -mondayOffset(now))
			return &TimeWindow{From: monday.AddDate(0, 0, -7), To: monday.Add(-time.Nanosecond), Label: phrase}
		case "this month":
			first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
			return &TimeWindow{From: first, To: now, Label: phrase}
		case "last month":
			first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
			return &TimeWindow{From: first.AddDate(0, -1, 0), To: first.Add(-time.Nanosecond), Label: phrase}
		}
	}
	return nil
}

// mondayOffset is the number of days since the most recent Monday.
func mondayOffset(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
