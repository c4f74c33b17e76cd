// Package headless drives a real browser through chromedp for listings that
// only materialize after client-side script runs.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// Config controls the behavior of the browser launcher.
type Config struct {
	// MaxParallel caps concurrently open sessions; 0 means unbounded.
	MaxParallel       int
	UserAgent         string
	ExecPath          string
	NoSandbox         bool
	NavigationTimeout time.Duration
	// EvalTimeout bounds a single script evaluation.
	EvalTimeout time.Duration
	Headers     http.Header
}

// Launcher implements chart.BrowserLauncher using chromedp and headless Chrome.
type Launcher struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger
}

// NewChromedp creates a launcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Launcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Launcher{cfg: cfg, limiter: limiter, logger: logger.Named("headless")}, nil
}

// Launch starts a browser process with a single tab.
func (l *Launcher) Launch(ctx context.Context) (chart.BrowserSession, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:  l.cfg,
		tab:  tabCtx,
		meta: newResponseMeta(),
		cancel: func() {
			tabCancel()
			allocCancel()
		},
		release: l.release,
		logger:  l.logger,
	}
	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)

	startCtx, stop := s.bounded(ctx, s.navTimeout())
	defer stop()
	if err := chromedp.Run(startCtx, s.networkSetupAction()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return s, nil
}

func (l *Launcher) acquire(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	select {
	case l.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (l *Launcher) release() {
	if l.limiter == nil {
		return
	}
	select {
	case <-l.limiter:
	default:
	}
}

// Session is one open browser tab.
type Session struct {
	cfg       Config
	tab       context.Context
	meta      *responseMeta
	cancel    func()
	release   func()
	closeOnce sync.Once
	logger    *zap.Logger
}

// Navigate registers initScripts for every new document, then loads url and
// waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, url string, initScripts ...string) error {
	runCtx, stop := s.bounded(ctx, s.navTimeout())
	defer stop()

	actions := make([]chromedp.Action, 0, len(initScripts)+2)
	for _, script := range initScripts {
		actions = append(actions, addInitScript(script))
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}

	status, _, finalURL := s.meta.snapshotWithFallbacks(url, "")
	s.logger.Debug("page loaded", zap.String("url", finalURL), zap.Int("status", status))
	if status >= http.StatusBadRequest {
		return &chart.StatusError{URL: finalURL, StatusCode: status}
	}
	return nil
}

// Evaluate runs expression in the page, awaiting promises, and decodes the
// result into out. The expression must produce a JSON-serializable value.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	runCtx, stop := s.bounded(ctx, s.evalTimeout())
	defer stop()

	if out == nil {
		var discard any
		out = &discard
	}
	awaitPromise := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expression, out, awaitPromise)); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

// Close tears down the tab and the browser process. It is safe to call twice.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.release != nil {
			s.release()
		}
	})
	return nil
}

// bounded derives a context from the tab that ends at timeout or when the
// caller's ctx is done, whichever comes first.
func (s *Session) bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.tab, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(s.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(s.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func addInitScript(script string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			return fmt.Errorf("add init script: %w", err)
		}
		return nil
	})
}

func (s *Session) navTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func (s *Session) evalTimeout() time.Duration {
	if s.cfg.EvalTimeout > 0 {
		return s.cfg.EvalTimeout
	}
	return 15 * time.Second
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
