// Package acquire obtains raw weekday listings from an uncooperative upstream
// by trying a fixed sequence of strategies until one yields data.
package acquire

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/metrics"
)

// releaser is implemented by strategies that hold resources across the
// weekday attempts of one chain pass.
type releaser interface {
	Release() error
}

// ChainConfig tunes the chain.
type ChainConfig struct {
	// WeekdayDelay separates consecutive per-weekday calls of one strategy.
	WeekdayDelay time.Duration
}

// Chain tries strategies in order and returns the first usable result.
type Chain struct {
	strategies []chart.Strategy
	cfg        ChainConfig
	clock      chart.Clock
	logger     *zap.Logger
}

// NewChain builds a chain over strategies, tried in the given order.
func NewChain(strategies []chart.Strategy, cfg ChainConfig, clock chart.Clock, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		strategies: append([]chart.Strategy(nil), strategies...),
		cfg:        cfg,
		clock:      clock,
		logger:     logger.Named("acquire"),
	}
}

// Acquire runs the chain. A strategy succeeds when at least one weekday
// produced a parseable group; otherwise the next strategy is tried. When all
// fail the error is a *chart.AcquisitionFailure.
func (c *Chain) Acquire(ctx context.Context, req chart.AcquireRequest) (chart.RawResult, error) {
	if req.Filter == "" {
		req.Filter = chart.FilterAll
	}
	if req.ChartDate.IsZero() {
		req.ChartDate = c.clock.Now()
	}
	weekdays := c.plan(req)
	c.warnIfPast(req.ChartDate)

	failure := &chart.AcquisitionFailure{}
	for _, strategy := range c.strategies {
		groups, payloads, errs := c.runStrategy(ctx, strategy, req, weekdays)
		failure.Attempts = append(failure.Attempts, errs...)
		if len(groups) > 0 {
			result := chart.RawResult{
				Groups:    groups,
				Strategy:  strategy.Name(),
				Weekdays:  weekdays,
				Filter:    req.Filter,
				ChartDate: chart.DateOnly(req.ChartDate),
				FetchedAt: c.clock.Now(),
				Payloads:  payloads,
			}
			c.logger.Info("listing acquired",
				zap.String("strategy", result.Strategy),
				zap.Int("groups", len(groups)),
				zap.Int("items", result.ItemCount()),
				zap.Int("weekday_failures", len(errs)),
			)
			return result, nil
		}
		c.logger.Warn("strategy produced no listing", zap.String("strategy", strategy.Name()), zap.Int("failures", len(errs)))
		if ctx.Err() != nil {
			break
		}
	}
	return chart.RawResult{}, failure
}

// runStrategy calls one strategy for every planned weekday, pacing the calls.
func (c *Chain) runStrategy(
	ctx context.Context,
	strategy chart.Strategy,
	req chart.AcquireRequest,
	weekdays []chart.Weekday,
) ([]chart.RawGroup, []chart.Payload, []chart.StrategyError) {
	if r, ok := strategy.(releaser); ok {
		defer func() {
			if err := r.Release(); err != nil {
				c.logger.Warn("strategy release failed", zap.String("strategy", strategy.Name()), zap.Error(err))
			}
		}()
	}

	var limiter *rate.Limiter
	if c.cfg.WeekdayDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(c.cfg.WeekdayDelay), 1)
	}

	var (
		groups   []chart.RawGroup
		payloads []chart.Payload
		errs     []chart.StrategyError
	)
	for _, weekday := range weekdays {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				errs = append(errs, chart.StrategyError{Strategy: strategy.Name(), Weekday: weekday, Err: err})
				break
			}
		}
		group, body, err := strategy.Attempt(ctx, chart.Attempt{Weekday: weekday, Filter: req.Filter, SortKey: req.SortKey})
		if err == nil && len(group.Items) == 0 {
			err = chart.ErrNoListing
		}
		if err != nil {
			metrics.ObserveAcquisition(strategy.Name(), "failed")
			c.logger.Warn("weekday attempt failed",
				zap.String("strategy", strategy.Name()),
				zap.String("weekday", string(weekday)),
				zap.Error(err),
			)
			errs = append(errs, chart.StrategyError{Strategy: strategy.Name(), Weekday: weekday, Err: err})
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			continue
		}
		metrics.ObserveAcquisition(strategy.Name(), "ok")
		group.Weekday = weekday
		groups = append(groups, group)
		payloads = append(payloads, chart.Payload{Weekday: weekday, Body: body})
	}
	return groups, payloads, errs
}

// plan returns the weekdays to acquire: all seven, the requested one, or the
// weekday of the chart date.
func (c *Chain) plan(req chart.AcquireRequest) []chart.Weekday {
	switch {
	case req.CollectAllWeekdays:
		return chart.Weekdays()
	case req.Weekday != "":
		return []chart.Weekday{req.Weekday}
	default:
		return []chart.Weekday{chart.WeekdayOf(req.ChartDate)}
	}
}

func (c *Chain) warnIfPast(chartDate time.Time) {
	today := chart.DateOnly(c.clock.Now())
	if chart.DateOnly(chartDate).Before(today) {
		c.logger.Warn("chart date is in the past; upstream only serves the live listing",
			zap.Time("chart_date", chartDate),
			zap.Time("today", today),
		)
	}
}
