// Package pipeline runs one collection: acquire the listing once, archive the
// raw payloads, then normalize and load every requested sort key.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/loader"
	"github.com/JakeFAU/webtoon-chart-collector/internal/metrics"
	"github.com/JakeFAU/webtoon-chart-collector/internal/normalize"
)

// Acquirer obtains the raw listing for a run.
type Acquirer interface {
	Acquire(ctx context.Context, req chart.AcquireRequest) (chart.RawResult, error)
}

// Normalizer converts a raw listing into records for one sort key.
type Normalizer interface {
	Normalize(result chart.RawResult, metric chart.SortKey) normalize.Output
}

// Loader merges records into the warehouse.
type Loader interface {
	LoadProfiles(ctx context.Context, records []chart.Profile) (loader.Result, error)
	LoadEntries(ctx context.Context, records []chart.Entry, chartDate time.Time, sortKey chart.SortKey) (loader.Result, error)
}

// Config controls archiving and notification.
type Config struct {
	// ArchivePrefix is prepended to raw snapshot object paths.
	ArchivePrefix string
	// Topic receives the run report; empty uses the publisher's default.
	Topic string
}

// Deps are the collaborators of a Pipeline. Blobs, Publisher and Runs are
// optional.
type Deps struct {
	Acquirer   Acquirer
	Normalizer Normalizer
	Loader     Loader
	Blobs      chart.BlobStore
	Publisher  chart.Publisher
	Runs       chart.RunStore
	Hasher     chart.Hasher
	IDs        chart.IDGenerator
	Clock      chart.Clock
	Logger     *zap.Logger
}

// Pipeline orchestrates a run.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Acquirer == nil:
		return nil, errors.New("acquirer is required")
	case deps.Normalizer == nil:
		return nil, errors.New("normalizer is required")
	case deps.Loader == nil:
		return nil, errors.New("loader is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Blobs != nil && deps.Hasher == nil:
		return nil, errors.New("hasher is required when archiving")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger.Named("pipeline")}, nil
}

// Run executes one collection and always returns a report.
func (p *Pipeline) Run(ctx context.Context, req Request) Report {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "chart.run")
	defer span.End()

	started := p.deps.Clock.Now()
	report := Report{StartedAt: started, Status: StatusFailure}
	runID, err := p.deps.IDs.NewID()
	if err != nil {
		report.Error = fmt.Sprintf("generate run id: %v", err)
		return p.finish(ctx, report)
	}
	report.RunID = runID
	span.SetAttributes(attribute.String("run_id", runID))
	logger := p.logger.With(zap.String("run_id", runID))

	date := req.Date
	if date.IsZero() {
		date = started
	}
	report.ChartDate = chart.DateOnly(date).Format(time.DateOnly)
	keys := req.SortKeys
	if len(keys) == 0 {
		keys = []string{string(chart.SortPopularity)}
	}

	result, err := p.deps.Acquirer.Acquire(ctx, chart.AcquireRequest{
		Weekday:            req.Weekday,
		Filter:             req.Filter,
		SortKey:            primaryKey(keys),
		CollectAllWeekdays: req.CollectAllWeekdays,
		ChartDate:          date,
	})
	if err != nil {
		logger.Error("acquisition failed", zap.Error(err))
		report.Error = err.Error()
		return p.finish(ctx, report)
	}
	report.Strategy = result.Strategy
	report.Weekdays = result.Weekdays
	report.Items = result.ItemCount()
	report.ArchiveURIs = p.archive(ctx, logger, result)

	for _, raw := range keys {
		kr := p.runKey(ctx, logger, result, raw)
		report.Keys = append(report.Keys, kr)
	}
	report.Status = aggregate(report.Keys)
	return p.finish(ctx, report)
}

func (p *Pipeline) runKey(ctx context.Context, logger *zap.Logger, result chart.RawResult, raw string) KeyReport {
	kr := KeyReport{SortKey: raw, Status: StatusFailure}
	logger = logger.With(zap.String("sort_key", raw))
	fail := func(err error) KeyReport {
		logger.Error("sort key failed", zap.Error(err))
		kr.Error = err.Error()
		return kr
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	key, err := chart.ParseSortKey(raw)
	if err != nil {
		return fail(err)
	}

	out := p.deps.Normalizer.Normalize(result, key)
	kr.Skipped = out.Skipped
	if len(out.Entries) == 0 {
		return fail(fmt.Errorf("normalization produced no entries (%d skipped)", out.Skipped))
	}

	profiles, err := p.deps.Loader.LoadProfiles(ctx, out.Profiles)
	kr.Rejected += profiles.Rejected
	if err != nil {
		return fail(err)
	}
	kr.Profiles = profiles.Merged

	entries, err := p.deps.Loader.LoadEntries(ctx, out.Entries, result.ChartDate, key)
	kr.Rejected += entries.Rejected
	if err != nil {
		return fail(err)
	}
	kr.Entries = entries.Merged
	kr.Status = StatusSuccess
	logger.Info("sort key loaded",
		zap.Int64("entries", kr.Entries),
		zap.Int64("profiles", kr.Profiles),
		zap.Int("skipped", kr.Skipped),
		zap.Int("rejected", kr.Rejected),
	)
	return kr
}

// archive stores each raw payload under a content address. Failures are
// logged and never fail the run.
func (p *Pipeline) archive(ctx context.Context, logger *zap.Logger, result chart.RawResult) []string {
	if p.deps.Blobs == nil {
		return nil
	}
	var uris []string
	for _, payload := range result.Payloads {
		if len(payload.Body) == 0 {
			continue
		}
		digest, err := p.deps.Hasher.Hash(payload.Body)
		if err != nil {
			logger.Warn("hash raw payload failed", zap.Error(err))
			continue
		}
		objectPath := path.Join(
			strings.Trim(p.cfg.ArchivePrefix, "/"),
			chart.DateOnly(result.ChartDate).Format(time.DateOnly),
			result.Strategy,
			digest+".json",
		)
		uri, err := p.deps.Blobs.PutObject(ctx, objectPath, "application/json", bytes.NewReader(payload.Body))
		if err != nil {
			logger.Warn("archive raw payload failed", zap.String("path", objectPath), zap.Error(err))
			continue
		}
		uris = append(uris, uri)
	}
	return uris
}

func (p *Pipeline) finish(ctx context.Context, report Report) Report {
	report.FinishedAt = p.deps.Clock.Now()
	metrics.ObserveRun(string(report.Status), report.FinishedAt.Sub(report.StartedAt))
	logger := p.logger.With(zap.String("run_id", report.RunID), zap.String("status", string(report.Status)))

	if p.deps.Runs != nil && report.RunID != "" {
		if err := p.saveRun(ctx, report); err != nil {
			logger.Warn("record run failed", zap.Error(err))
		}
	}
	if p.deps.Publisher != nil {
		if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, report); err != nil {
			logger.Warn("publish run report failed", zap.Error(err))
		}
	}
	logger.Info("run finished", zap.Int("keys", len(report.Keys)), zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report
}

func (p *Pipeline) saveRun(ctx context.Context, report Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	chartDate, _ := time.Parse(time.DateOnly, report.ChartDate)
	return p.deps.Runs.SaveRun(ctx, chart.RunRecord{
		ID:         report.RunID,
		ChartDate:  chartDate,
		Status:     string(report.Status),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Report:     body,
	})
}

// primaryKey is the first recognised sort key; the browser strategy clicks it.
func primaryKey(keys []string) chart.SortKey {
	for _, raw := range keys {
		if key, err := chart.ParseSortKey(raw); err == nil {
			return key
		}
	}
	return chart.SortPopularity
}

func aggregate(keys []KeyReport) Status {
	ok := 0
	for _, k := range keys {
		if k.Status == StatusSuccess {
			ok++
		}
	}
	switch {
	case ok == len(keys) && ok > 0:
		return StatusSuccess
	case ok == 0:
		return StatusFailure
	default:
		return StatusPartial
	}
}
