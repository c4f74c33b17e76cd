package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// Page is a server-rendered listing page.
type Page struct {
	URL    string
	Mobile bool
}

// SSRStrategy reads the hydration payload embedded in listing pages. Page
// bodies are fetched once per pass and reused for every weekday.
type SSRStrategy struct {
	fetcher chart.Fetcher
	pages   []Page
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string][]byte
}

// NewSSRStrategy builds the server-rendered fetch strategy; pages are tried in order.
func NewSSRStrategy(fetcher chart.Fetcher, pages []Page, logger *zap.Logger) *SSRStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSRStrategy{
		fetcher: fetcher,
		pages:   append([]Page(nil), pages...),
		logger:  logger.Named("ssr"),
		cache:   map[string][]byte{},
	}
}

// Name implements chart.Strategy.
func (s *SSRStrategy) Name() string {
	return chart.StrategySSR
}

// Attempt implements chart.Strategy.
func (s *SSRStrategy) Attempt(ctx context.Context, a chart.Attempt) (chart.RawGroup, []byte, error) {
	if len(s.pages) == 0 {
		return chart.RawGroup{}, nil, errors.New("no pages configured")
	}
	var errs []error
	for _, p := range s.pages {
		body, err := s.page(ctx, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items, raw, err := ListingFromHTML(body, a.Weekday)
		if err != nil {
			s.logger.Debug("page has no usable listing", zap.String("url", p.URL), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p.URL, err))
			continue
		}
		return chart.RawGroup{Weekday: a.Weekday, Items: items}, raw, nil
	}
	return chart.RawGroup{}, nil, errors.Join(errs...)
}

// Release drops cached page bodies at the end of a chain pass.
func (s *SSRStrategy) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cache)
	return nil
}

func (s *SSRStrategy) page(ctx context.Context, p Page) ([]byte, error) {
	s.mu.Lock()
	body, ok := s.cache[p.URL]
	s.mu.Unlock()
	if ok {
		return body, nil
	}
	resp, err := s.fetcher.Fetch(ctx, chart.FetchRequest{URL: p.URL, Mobile: p.Mobile})
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	s.mu.Lock()
	s.cache[p.URL] = resp.Body
	s.mu.Unlock()
	return resp.Body, nil
}
