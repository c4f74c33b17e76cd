package acquire

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// DefaultAPIBase is the timetable endpoint the listing UI itself calls.
const DefaultAPIBase = "https://gateway-kw.kakao.com/section/v2/timetables/days"

// APIStrategy calls the listing endpoint directly.
type APIStrategy struct {
	fetcher chart.Fetcher
	base    string
	origin  string
}

// NewAPIStrategy builds the direct endpoint strategy. origin is sent as both
// Origin and Referer.
func NewAPIStrategy(fetcher chart.Fetcher, base, origin string) *APIStrategy {
	if base == "" {
		base = DefaultAPIBase
	}
	return &APIStrategy{fetcher: fetcher, base: base, origin: strings.TrimRight(origin, "/")}
}

// Name implements chart.Strategy.
func (s *APIStrategy) Name() string {
	return chart.StrategyAPI
}

// Attempt implements chart.Strategy.
func (s *APIStrategy) Attempt(ctx context.Context, a chart.Attempt) (chart.RawGroup, []byte, error) {
	target, err := s.endpoint(a)
	if err != nil {
		return chart.RawGroup{}, nil, err
	}
	headers := http.Header{}
	headers.Set("Accept", "application/json, text/plain, */*")
	if s.origin != "" {
		headers.Set("Origin", s.origin)
		headers.Set("Referer", s.origin+"/")
	}
	headers.Set("Sec-Fetch-Dest", "empty")
	headers.Set("Sec-Fetch-Mode", "cors")
	headers.Set("Sec-Fetch-Site", "same-site")

	resp, err := s.fetcher.Fetch(ctx, chart.FetchRequest{URL: target, Headers: headers})
	if err != nil {
		return chart.RawGroup{}, nil, fmt.Errorf("fetch listing: %w", err)
	}
	items, err := DecodeListing(resp.Body)
	if err != nil {
		return chart.RawGroup{}, nil, err
	}
	return chart.RawGroup{Weekday: a.Weekday, Items: items}, resp.Body, nil
}

func (s *APIStrategy) endpoint(a chart.Attempt) (string, error) {
	u, err := url.Parse(s.base)
	if err != nil {
		return "", fmt.Errorf("parse api base: %w", err)
	}
	q := u.Query()
	q.Set("placement", placementPrefix+string(a.Weekday)+a.Filter.PlacementSuffix())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
