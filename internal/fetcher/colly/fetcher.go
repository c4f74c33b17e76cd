// Package collyfetcher implements chart.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/metrics"
)

// Default browser identities.
const (
	DefaultUserAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36"
	DefaultMobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 14_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Mobile/15E148 Safari/604.1"
)

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	MobileUserAgent string
	// Referer is also sent as the Sec-Fetch-Site anchor for every request.
	Referer string
	Timeout time.Duration
	// Retry decides whether a failed attempt is repeated. Nil means three
	// attempts with the default backoff.
	Retry chart.RetryPolicy
	// Limiter paces attempts per host; nil disables pacing.
	Limiter Limiter
}

// Limiter blocks until a request to url may proceed.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements chart.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	retry         chart.RetryPolicy
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MobileUserAgent == "" {
		cfg.MobileUserAgent = DefaultMobileUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	retry := cfg.Retry
	if retry == nil {
		retry = chart.NewExponentialRetryPolicy(3, time.Second, 8*time.Second)
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		retry:         retry,
		logger:        logger.Named("fetcher"),
	}
}

// Fetch executes an HTTP GET, retrying throttled and failed attempts.
func (f *Fetcher) Fetch(ctx context.Context, request chart.FetchRequest) (chart.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		if f.cfg.Limiter != nil {
			if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
				return chart.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", err)
			}
		}
		result, err := f.fetchOnce(ctx, request)
		if err == nil {
			result.Attempts = attempt
			metrics.ObserveFetch(result.StatusCode, result.Duration)
			return result, nil
		}
		metrics.ObserveFetch(statusOf(err), 0)
		if !f.retry.ShouldRetry(err, attempt) {
			return chart.FetchResponse{}, err
		}
		wait := f.retry.Backoff(attempt)
		f.logger.Warn("fetch failed, retrying",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return chart.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, request chart.FetchRequest) (chart.FetchResponse, error) {
	var (
		result   chart.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return chart.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request chart.FetchRequest,
	start time.Time,
	result *chart.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	if request.Mobile {
		collector.UserAgent = f.cfg.MobileUserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.transport != nil {
		collector.WithTransport(f.transport)
	}
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request chart.FetchRequest,
	start time.Time,
	result *chart.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.applyIdentity(r.Headers)
		copyHeaders(request.Headers, r.Headers)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = chart.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*fetchErr = &chart.StatusError{URL: request.URL, StatusCode: r.StatusCode, Err: err}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// applyIdentity sets the headers a desktop browser would send on navigation.
func (f *Fetcher) applyIdentity(h *http.Header) {
	if h == nil {
		return
	}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "ko,en-US;q=0.9,en;q=0.8")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("DNT", "1")
	if f.cfg.Referer != "" {
		h.Set("Referer", f.cfg.Referer)
	}
}

func copyHeaders(src http.Header, dst *http.Header) {
	if src == nil || dst == nil {
		return
	}
	for key, values := range src {
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func statusOf(err error) int {
	var statusErr *chart.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
