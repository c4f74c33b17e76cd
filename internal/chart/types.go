package chart

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Strategy names recorded on acquisition results.
const (
	StrategyAPI     = "direct_endpoint_call"
	StrategySSR     = "server_rendered_fetch"
	StrategyBrowser = "interactive_automation"
)

// SortKey names a chart ordering metric.
type SortKey string

// Known sort keys.
const (
	SortPopularity       SortKey = "popularity"
	SortViews            SortKey = "views"
	SortCreatedAt        SortKey = "createdAt"
	SortPopularityMale   SortKey = "popularityMale"
	SortPopularityFemale SortKey = "popularityFemale"
)

// sortLabels are the labels the listing UI shows on its sort control.
var sortLabels = map[SortKey]string{
	SortPopularity:       "전체 인기순",
	SortViews:            "조회순",
	SortCreatedAt:        "최신순",
	SortPopularityMale:   "남성 인기순",
	SortPopularityFemale: "여성 인기순",
}

// SortKeys lists every known sort key in display order.
func SortKeys() []SortKey {
	return []SortKey{SortPopularity, SortViews, SortCreatedAt, SortPopularityMale, SortPopularityFemale}
}

// Valid reports whether k is a known sort key.
func (k SortKey) Valid() bool {
	_, ok := sortLabels[k]
	return ok
}

// Label returns the UI label for k, or "" when unknown.
func (k SortKey) Label() string {
	return sortLabels[k]
}

// ParseSortKey validates a raw sort key.
func ParseSortKey(raw string) (SortKey, error) {
	key := SortKey(strings.TrimSpace(raw))
	if !key.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSortKey, raw)
	}
	return key, nil
}

// Weekday is a three-letter lowercase weekday code.
type Weekday string

// Weekday codes in listing order.
const (
	Monday    Weekday = "mon"
	Tuesday   Weekday = "tue"
	Wednesday Weekday = "wed"
	Thursday  Weekday = "thu"
	Friday    Weekday = "fri"
	Saturday  Weekday = "sat"
	Sunday    Weekday = "sun"
)

var weekdayLabels = map[Weekday]string{
	Monday:    "월",
	Tuesday:   "화",
	Wednesday: "수",
	Thursday:  "목",
	Friday:    "금",
	Saturday:  "토",
	Sunday:    "일",
}

// Weekdays returns mon..sun.
func Weekdays() []Weekday {
	return []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}
}

// WeekdayOf maps a time to its weekday code.
func WeekdayOf(t time.Time) Weekday {
	// time.Weekday starts at Sunday.
	return Weekdays()[(int(t.Weekday())+6)%7]
}

// Valid reports whether w is one of the seven weekday codes.
func (w Weekday) Valid() bool {
	_, ok := weekdayLabels[w]
	return ok
}

// Label returns the single-character tab label used by the listing UI.
func (w Weekday) Label() string {
	return weekdayLabels[w]
}

// ParseWeekday validates a raw weekday code.
func ParseWeekday(raw string) (Weekday, error) {
	w := Weekday(strings.ToLower(strings.TrimSpace(raw)))
	if !w.Valid() {
		return "", fmt.Errorf("unknown weekday %q", raw)
	}
	return w, nil
}

// Filter selects a listing variant.
type Filter string

// Listing filters.
const (
	FilterAll            Filter = "all"
	FilterFreePublishing Filter = "free_publishing"
	FilterWaitFree       Filter = "wait_free"
)

// PlacementSuffix returns the suffix appended to the timetable placement.
func (f Filter) PlacementSuffix() string {
	switch f {
	case FilterFreePublishing:
		return "_free_publishing"
	case FilterWaitFree:
		return "_wait_free"
	default:
		return ""
	}
}

// ParseFilter validates a raw filter; empty means FilterAll.
func ParseFilter(raw string) (Filter, error) {
	switch f := Filter(strings.TrimSpace(raw)); f {
	case "", FilterAll:
		return FilterAll, nil
	case FilterFreePublishing, FilterWaitFree:
		return f, nil
	default:
		return "", fmt.Errorf("unknown filter %q", raw)
	}
}

// Author is a credited creator of a title.
type Author struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Badge is a promotional label on a card.
type Badge struct {
	Title string `json:"title"`
}

// RawContent is the content block of a listing card.
type RawContent struct {
	ID                  FlexInt  `json:"id"`
	Title               string   `json:"title"`
	Authors             []Author `json:"authors"`
	SeoKeywords         []string `json:"seoKeywords"`
	SeoID               string   `json:"seoId"`
	Adult               *bool    `json:"adult"`
	CatchphraseTwoLines string   `json:"catchphraseTwoLines"`
	Badges              []Badge  `json:"badges"`
	ViewCount           FlexInt  `json:"viewCount"`
}

// RawItem is one card of an upstream listing, exactly as decoded.
type RawItem struct {
	ID           FlexString `json:"id"`
	Content      RawContent `json:"content"`
	Sorting      Scores     `json:"sorting"`
	GenreFilters []string   `json:"genreFilters"`
	ViewCount    FlexInt    `json:"viewCount"`

	// DecodeErr is set when the card could not be decoded; the item is kept
	// so the normalizer can count it as skipped.
	DecodeErr error `json:"-"`
}

// RawGroup holds the items of one weekday listing in upstream order.
type RawGroup struct {
	Weekday Weekday
	Items   []RawItem
}

// Payload is a raw response body kept for archiving.
type Payload struct {
	Weekday Weekday
	Body    []byte
}

// RawResult is the output of a successful acquisition.
type RawResult struct {
	Groups    []RawGroup
	Strategy  string
	Weekdays  []Weekday
	Filter    Filter
	ChartDate time.Time
	FetchedAt time.Time
	Payloads  []Payload
}

// ItemCount totals the items across groups.
func (r RawResult) ItemCount() int {
	n := 0
	for _, g := range r.Groups {
		n += len(g.Items)
	}
	return n
}

// AcquireRequest describes what a run wants to acquire.
type AcquireRequest struct {
	Weekday            Weekday
	Filter             Filter
	SortKey            SortKey
	CollectAllWeekdays bool
	ChartDate          time.Time
}

// Attempt is one per-weekday call into a strategy.
type Attempt struct {
	Weekday Weekday
	Filter  Filter
	SortKey SortKey
}

// InterceptedResponse is one network response captured inside a browser page.
type InterceptedResponse struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Profile is the canonical descriptive record of a webtoon.
type Profile struct {
	WebtoonID   string
	Title       string
	Author      *string
	Genre       *string
	Tags        []string
	SeoID       *string
	Adult       *bool
	Catchphrase *string
	Badges      []string
	ContentID   *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the fields the warehouse requires.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.WebtoonID) == "" {
		return &ValidationError{Field: "webtoon_id", Reason: "required"}
	}
	if strings.TrimSpace(p.Title) == "" {
		return &ValidationError{Key: p.WebtoonID, Field: "title", Reason: "required"}
	}
	if p.UpdatedAt.IsZero() {
		return &ValidationError{Key: p.WebtoonID, Field: "updated_at", Reason: "required"}
	}
	return nil
}

// Entry is one ranked observation of a webtoon on a chart.
type Entry struct {
	ChartDate   time.Time
	WebtoonID   string
	Rank        int
	CollectedAt time.Time
	Weekday     Weekday
	WeekdayRank int
	Year        int
	Month       int
	Week        int
	ViewCount   *int64
	SortKey     SortKey
}

// Validate checks the fields the warehouse requires.
func (e Entry) Validate() error {
	switch {
	case strings.TrimSpace(e.WebtoonID) == "":
		return &ValidationError{Field: "webtoon_id", Reason: "required"}
	case e.ChartDate.IsZero():
		return &ValidationError{Key: e.WebtoonID, Field: "chart_date", Reason: "required"}
	case e.SortKey == "":
		return &ValidationError{Key: e.WebtoonID, Field: "sort_key", Reason: "required"}
	case e.Rank < 1:
		return &ValidationError{Key: e.WebtoonID, Field: "rank", Reason: "must be >= 1"}
	case e.Weekday != "" && e.WeekdayRank < 1:
		return &ValidationError{Key: e.WebtoonID, Field: "weekday_rank", Reason: "must be >= 1"}
	case e.CollectedAt.IsZero():
		return &ValidationError{Key: e.WebtoonID, Field: "collected_at", Reason: "required"}
	}
	return nil
}

// DateOnly truncates t to midnight UTC of its calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WeekOfMonth returns the 1-based day-of-month bucket ((day-1)/7)+1.
func WeekOfMonth(t time.Time) int {
	return (t.Day()-1)/7 + 1
}

// RunRecord is the persisted summary of one pipeline run.
type RunRecord struct {
	ID         string          `json:"id"`
	ChartDate  time.Time       `json:"chart_date"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Report     json.RawMessage `json:"report"`
}
