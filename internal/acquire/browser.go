package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// BrowserConfig tunes the interactive strategy.
type BrowserConfig struct {
	PageURL string
	// Marker selects intercepted responses by URL substring.
	Marker string
	// SettleWait is the pause after the first navigation.
	SettleWait time.Duration
	// ClickWait is the pause after each UI click.
	ClickWait time.Duration
	// DOMThreshold is the match count a DOM selector must exceed to win.
	DOMThreshold int
}

// BrowserStrategy drives the listing UI in a real browser. One session is
// opened lazily per chain pass and closed by Release.
type BrowserStrategy struct {
	launcher chart.BrowserLauncher
	cfg      BrowserConfig
	logger   *zap.Logger
	session  chart.BrowserSession
}

type domCard struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Href   string `json:"href"`
	Author string `json:"author"`
}

// NewBrowserStrategy builds the interactive automation strategy.
func NewBrowserStrategy(launcher chart.BrowserLauncher, cfg BrowserConfig, logger *zap.Logger) *BrowserStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Marker == "" {
		cfg.Marker = "timetables"
	}
	if cfg.DOMThreshold <= 0 {
		cfg.DOMThreshold = 10
	}
	return &BrowserStrategy{launcher: launcher, cfg: cfg, logger: logger.Named("browser")}
}

// Name implements chart.Strategy.
func (s *BrowserStrategy) Name() string {
	return chart.StrategyBrowser
}

// Attempt implements chart.Strategy.
func (s *BrowserStrategy) Attempt(ctx context.Context, a chart.Attempt) (chart.RawGroup, []byte, error) {
	sess, err := s.open(ctx)
	if err != nil {
		return chart.RawGroup{}, nil, err
	}
	log := s.logger.With(zap.String("weekday", string(a.Weekday)), zap.String("sort_key", string(a.SortKey)))

	var clicked bool
	if err := sess.Evaluate(ctx, clickScript(weekdayXPaths(a.Weekday.Label()), nil), &clicked); err != nil {
		return chart.RawGroup{}, nil, fmt.Errorf("click weekday tab: %w", err)
	}
	if !clicked {
		// The page would still show the weekday it opened on.
		return chart.RawGroup{}, nil, fmt.Errorf("%w: weekday tab %q not found", chart.ErrNoListing, a.Weekday.Label())
	}
	if err := sleep(ctx, s.cfg.ClickWait); err != nil {
		return chart.RawGroup{}, nil, err
	}

	if label := a.SortKey.Label(); label != "" {
		if err := s.applySort(ctx, sess, label, log); err != nil {
			return chart.RawGroup{}, nil, err
		}
	}

	var intercepted []chart.InterceptedResponse
	if err := sess.Evaluate(ctx, drainInterceptsScript, &intercepted); err != nil {
		return chart.RawGroup{}, nil, fmt.Errorf("read intercepted responses: %w", err)
	}
	if items, body, ok := s.fromIntercepted(intercepted, a.Weekday); ok {
		log.Info("listing captured from intercepted response", zap.Int("items", len(items)))
		return chart.RawGroup{Weekday: a.Weekday, Items: items}, body, nil
	}

	log.Info("no intercepted listing, falling back to DOM extraction", zap.Int("intercepted", len(intercepted)))
	var cards []domCard
	if err := sess.Evaluate(ctx, domExtractScript(s.cfg.DOMThreshold), &cards); err != nil {
		return chart.RawGroup{}, nil, fmt.Errorf("extract listing from DOM: %w", err)
	}
	items := itemsFromDOM(cards)
	if len(items) == 0 {
		return chart.RawGroup{}, nil, fmt.Errorf("%w: DOM yielded no cards", chart.ErrNoListing)
	}
	body, err := json.Marshal(cards)
	if err != nil {
		return chart.RawGroup{}, nil, fmt.Errorf("encode DOM cards: %w", err)
	}
	return chart.RawGroup{Weekday: a.Weekday, Items: items}, body, nil
}

// Release closes the browser session, if one was opened.
func (s *BrowserStrategy) Release() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

func (s *BrowserStrategy) open(ctx context.Context) (chart.BrowserSession, error) {
	if s.session != nil {
		return s.session, nil
	}
	sess, err := s.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	// The shim must be in place before the page issues its first request.
	if err := sess.Navigate(ctx, s.cfg.PageURL, interceptShim(s.cfg.Marker)); err != nil {
		_ = sess.Close()
		return nil, err
	}
	s.session = sess
	if err := sleep(ctx, s.cfg.SettleWait); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *BrowserStrategy) applySort(ctx context.Context, sess chart.BrowserSession, label string, log *zap.Logger) error {
	before := s.titles(ctx, sess)
	candidates, openers := sortXPaths(label)
	var clicked bool
	if err := sess.Evaluate(ctx, clickScript(candidates, openers), &clicked); err != nil {
		return fmt.Errorf("click sort control: %w", err)
	}
	if !clicked {
		log.Warn("sort control not found", zap.String("label", label))
		return nil
	}
	if err := sleep(ctx, s.cfg.ClickWait); err != nil {
		return err
	}
	after := s.titles(ctx, sess)
	log.Debug("sort applied",
		zap.Bool("order_changed", !slices.Equal(before, after)),
		zap.Strings("before", before),
		zap.Strings("after", after),
	)
	return nil
}

func (s *BrowserStrategy) titles(ctx context.Context, sess chart.BrowserSession) []string {
	var out []string
	if err := sess.Evaluate(ctx, titleSnapshotScript(5), &out); err != nil {
		s.logger.Debug("title snapshot failed", zap.Error(err))
	}
	return out
}

// fromIntercepted picks the newest relevant response, preferring one whose
// URL names the requested weekday's placement. Responses scoped to another
// weekday never match.
func (s *BrowserStrategy) fromIntercepted(log []chart.InterceptedResponse, weekday chart.Weekday) ([]chart.RawItem, []byte, bool) {
	placement := placementPrefix + string(weekday)
	passes := []func(chart.InterceptedResponse) bool{
		func(r chart.InterceptedResponse) bool { return strings.Contains(r.URL, placement) },
		func(r chart.InterceptedResponse) bool { return weekdayOfHint(r.URL) == "" },
	}
	for _, match := range passes {
		for i := len(log) - 1; i >= 0; i-- {
			r := log[i]
			if r.Status >= 400 || r.Body == "" || !strings.Contains(r.URL, s.cfg.Marker) || !match(r) {
				continue
			}
			items, err := DecodeListing([]byte(r.Body))
			if err != nil {
				if !errors.Is(err, chart.ErrNoListing) {
					s.logger.Debug("intercepted body rejected", zap.String("url", r.URL), zap.Error(err))
				}
				continue
			}
			return items, []byte(r.Body), true
		}
	}
	return nil, nil, false
}

// itemsFromDOM converts scraped cards into raw items, dropping repeats of the
// same id so nested matches of one card count once.
func itemsFromDOM(cards []domCard) []chart.RawItem {
	seen := make(map[string]struct{}, len(cards))
	items := make([]chart.RawItem, 0, len(cards))
	for _, c := range cards {
		if c.ID != "" {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
		}
		item := chart.RawItem{
			ID:      chart.FlexString(c.ID),
			Content: chart.RawContent{Title: strings.TrimSpace(c.Title)},
		}
		if c.Author != "" {
			item.Content.Authors = []chart.Author{{Name: c.Author, Type: "AUTHOR"}}
		}
		items = append(items, item)
	}
	return items
}
