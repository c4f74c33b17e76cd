// Package normalize turns raw listing items into canonical profile and chart
// entry records with deterministic ranking.
package normalize

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/metrics"
	"github.com/JakeFAU/webtoon-chart-collector/internal/sorting"
)

// Output holds the records produced for one sort key.
type Output struct {
	Profiles []chart.Profile
	Entries  []chart.Entry
	// Skipped counts items dropped for missing identity or title.
	Skipped int
}

// Normalizer converts acquisition results into warehouse records.
type Normalizer struct {
	clock  chart.Clock
	logger *zap.Logger
}

// New builds a Normalizer.
func New(clock chart.Clock, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{clock: clock, logger: logger.Named("normalize")}
}

// Normalize orders each group by metric and emits one entry per surviving
// item and one profile per distinct webtoon. Rank runs across all groups;
// weekday rank restarts in each group.
func (n *Normalizer) Normalize(result chart.RawResult, metric chart.SortKey) Output {
	collectedAt := n.clock.Now()
	chartDate := chart.DateOnly(result.ChartDate)
	ordered := sorting.OrderResult(result, metric)

	var (
		out         Output
		seen        = map[string]struct{}{}
		rank        int
		weekdayRank int
	)
	for _, group := range ordered.Groups {
		weekdayRank = 0
		for idx, item := range group.Items {
			id, title, reason := identity(item)
			if reason != "" {
				out.Skipped++
				n.logger.Warn("skipping listing item",
					zap.String("reason", reason),
					zap.String("weekday", string(group.Weekday)),
					zap.Int("position", idx+1),
					zap.String("sort_key", string(metric)),
				)
				continue
			}
			rank++
			weekdayRank++

			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out.Profiles = append(out.Profiles, profileOf(item, id, title, collectedAt))
			}
			out.Entries = append(out.Entries, chart.Entry{
				ChartDate:   chartDate,
				WebtoonID:   id,
				Rank:        rank,
				CollectedAt: collectedAt,
				Weekday:     group.Weekday,
				WeekdayRank: weekdayRank,
				Year:        collectedAt.Year(),
				Month:       int(collectedAt.Month()),
				Week:        chart.WeekOfMonth(collectedAt),
				ViewCount:   viewCount(item),
				SortKey:     metric,
			})
		}
	}
	metrics.ObserveNormalized(string(metric), len(out.Entries), out.Skipped)
	return out
}

func identity(item chart.RawItem) (id, title, reason string) {
	if item.DecodeErr != nil {
		return "", "", "undecodable card"
	}
	id = strings.TrimSpace(item.ID.String())
	if id == "" {
		return "", "", "missing id"
	}
	title = clean(item.Content.Title)
	if title == "" {
		return "", "", "missing title"
	}
	return id, title, ""
}

func profileOf(item chart.RawItem, id, title string, now time.Time) chart.Profile {
	c := item.Content
	return chart.Profile{
		WebtoonID:   id,
		Title:       title,
		Author:      authorOf(c.Authors),
		Genre:       genreOf(item.GenreFilters),
		Tags:        tagsOf(c.SeoKeywords),
		SeoID:       optional(c.SeoID),
		Adult:       c.Adult,
		Catchphrase: optional(c.CatchphraseTwoLines),
		Badges:      badgesOf(c.Badges),
		ContentID:   c.ID.Ptr(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func authorOf(authors []chart.Author) *string {
	var names []string
	for _, a := range authors {
		name := clean(a.Name)
		if a.Type == "AUTHOR" && name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	joined := strings.Join(names, ", ")
	return &joined
}

func genreOf(filters []string) *string {
	for _, f := range filters {
		f = clean(f)
		if f != "" && f != "all" {
			return &f
		}
	}
	return nil
}

func tagsOf(keywords []string) []string {
	var tags []string
	seen := map[string]struct{}{}
	for _, k := range keywords {
		tag := clean(strings.TrimLeft(strings.TrimSpace(k), "#"))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

func badgesOf(badges []chart.Badge) []string {
	var out []string
	for _, b := range badges {
		if title := clean(b.Title); title != "" {
			out = append(out, title)
		}
	}
	return out
}

// viewCount takes the first present value of content, card and sort score.
func viewCount(item chart.RawItem) *int64 {
	if v := item.Content.ViewCount.Ptr(); v != nil {
		return v
	}
	if v := item.ViewCount.Ptr(); v != nil {
		return v
	}
	if v, ok := item.Sorting.Lookup(string(chart.SortViews)); ok {
		return &v
	}
	return nil
}

func optional(s string) *string {
	s = clean(s)
	if s == "" {
		return nil
	}
	return &s
}

// clean trims s and composes it to NFC. The API and the rendered pages do not
// agree on the Hangul normalization form.
func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
