// Package metrics exposes Prometheus collectors for the chart collector.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchRequestsTotal         *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	acquisitionAttemptsTotal   *prometheus.CounterVec
	normalizedItemsTotal       *prometheus.CounterVec
	loadRowsTotal              *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chart_fetch_requests_total",
				Help: "Upstream HTTP attempts, labeled by status code (0 for transport errors).",
			},
			[]string{"code"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chart_fetch_duration_seconds",
				Help:    "Latency of successful upstream fetches.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		acquisitionAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chart_acquisition_attempts_total",
				Help: "Per-weekday strategy attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		normalizedItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chart_normalized_items_total",
				Help: "Listing items seen by the normalizer, labeled by sort key and outcome.",
			},
			[]string{"sort_key", "outcome"},
		)

		loadRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chart_load_rows_total",
				Help: "Rows handled by the warehouse loader, labeled by table and stage.",
			},
			[]string{"table", "stage"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chart_runs_total",
				Help: "Pipeline runs, labeled by final status.",
			},
			[]string{"status"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chart_run_duration_seconds",
				Help:    "Wall time of pipeline runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chart_rate_limit_delay_seconds",
				Help:    "Time spent waiting for an upstream host's rate limit.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one upstream attempt.
func ObserveFetch(code int, duration time.Duration) {
	Init()
	fetchRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	if duration > 0 {
		fetchDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveAcquisition records a per-weekday strategy attempt.
func ObserveAcquisition(strategy, outcome string) {
	Init()
	acquisitionAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveNormalized records normalizer output counts.
func ObserveNormalized(sortKey string, parsed, skipped int) {
	Init()
	normalizedItemsTotal.WithLabelValues(sortKey, "parsed").Add(float64(parsed))
	normalizedItemsTotal.WithLabelValues(sortKey, "skipped").Add(float64(skipped))
}

// ObserveLoad records rows at one loader stage (rejected, staged, merged).
func ObserveLoad(table, stage string, rows int64) {
	Init()
	if rows <= 0 {
		return
	}
	loadRowsTotal.WithLabelValues(table, stage).Add(float64(rows))
}

// ObserveRun records a finished pipeline run.
func ObserveRun(status string, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records time spent blocked on a host's limiter.
func ObserveRateLimitDelay(host string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
