// Package loader stages normalized records into the warehouse and merges them
// idempotently: repeated loads of the same batch never create duplicates.
package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/metrics"
)

// Kind names the record set a staging table holds.
type Kind string

// Record kinds.
const (
	KindProfile Kind = "profile"
	KindEntry   Kind = "entry"
)

// Warehouse is the stage/merge/drop surface the loader drives.
type Warehouse interface {
	CreateStaging(ctx context.Context, kind Kind, name string) error
	CopyProfiles(ctx context.Context, staging string, rows []chart.Profile, seqStart int) (int64, error)
	CopyEntries(ctx context.Context, staging string, rows []chart.Entry, seqStart int) (int64, error)
	MergeProfiles(ctx context.Context, staging string) (int64, error)
	MergeEntries(ctx context.Context, staging string) (int64, error)
	DropStaging(ctx context.Context, staging string) error
}

// Config tunes batch sizes and cleanup.
type Config struct {
	BatchSize      int
	CleanupTimeout time.Duration
}

const (
	defaultBatchSize      = 1000
	defaultCleanupTimeout = 30 * time.Second
)

// Result summarizes one load call.
type Result struct {
	Received int   `json:"received"`
	Rejected int   `json:"rejected"`
	Staged   int64 `json:"staged"`
	Merged   int64 `json:"merged"`
}

// LoadError wraps a failure while staging or merging.
type LoadError struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Loader writes batches through a Warehouse.
type Loader struct {
	wh     Warehouse
	cfg    Config
	ids    chart.IDGenerator
	logger *zap.Logger
}

// New constructs a Loader.
func New(wh Warehouse, cfg Config, ids chart.IDGenerator, logger *zap.Logger) (*Loader, error) {
	if wh == nil {
		return nil, errors.New("warehouse is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{wh: wh, cfg: cfg, ids: ids, logger: logger.Named("loader")}, nil
}

// LoadProfiles upserts profiles. The latest updated_at per webtoon wins and
// created_at of existing rows is preserved.
func (l *Loader) LoadProfiles(ctx context.Context, records []chart.Profile) (Result, error) {
	res := Result{Received: len(records)}
	valid := make([]chart.Profile, 0, len(records))
	for _, p := range records {
		if err := p.Validate(); err != nil {
			l.reject(KindProfile, err)
			res.Rejected++
			continue
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return res, nil
	}
	staged, merged, err := l.stageAndMerge(ctx, KindProfile, len(valid),
		func(ctx context.Context, staging string, lo, hi int) (int64, error) {
			return l.wh.CopyProfiles(ctx, staging, valid[lo:hi], lo)
		},
		l.wh.MergeProfiles,
	)
	res.Staged, res.Merged = staged, merged
	return res, err
}

// LoadEntries inserts chart entries for one chart date and sort key. Entries
// whose key already exists are left untouched.
func (l *Loader) LoadEntries(
	ctx context.Context,
	records []chart.Entry,
	chartDate time.Time,
	sortKey chart.SortKey,
) (Result, error) {
	res := Result{Received: len(records)}
	day := chart.DateOnly(chartDate)
	valid := make([]chart.Entry, 0, len(records))
	for _, e := range records {
		err := e.Validate()
		switch {
		case err != nil:
		case !chart.DateOnly(e.ChartDate).Equal(day):
			err = &chart.ValidationError{Key: e.WebtoonID, Field: "chart_date", Reason: "does not match load date"}
		case e.SortKey != sortKey:
			err = &chart.ValidationError{Key: e.WebtoonID, Field: "sort_key", Reason: "does not match load sort key"}
		}
		if err != nil {
			l.reject(KindEntry, err)
			res.Rejected++
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		return res, nil
	}
	staged, merged, err := l.stageAndMerge(ctx, KindEntry, len(valid),
		func(ctx context.Context, staging string, lo, hi int) (int64, error) {
			return l.wh.CopyEntries(ctx, staging, valid[lo:hi], lo)
		},
		l.wh.MergeEntries,
	)
	res.Staged, res.Merged = staged, merged
	return res, err
}

func (l *Loader) stageAndMerge(
	ctx context.Context,
	kind Kind,
	n int,
	copyRange func(ctx context.Context, staging string, lo, hi int) (int64, error),
	merge func(ctx context.Context, staging string) (int64, error),
) (int64, int64, error) {
	staging, err := l.stagingName(kind)
	if err != nil {
		return 0, 0, &LoadError{Kind: kind, Stage: "name", Err: err}
	}
	logger := l.logger.With(zap.String("kind", string(kind)), zap.String("staging", staging))
	defer l.drop(ctx, logger, staging)

	if err := l.wh.CreateStaging(ctx, kind, staging); err != nil {
		return 0, 0, &LoadError{Kind: kind, Stage: "create", Err: err}
	}
	var staged int64
	for lo := 0; lo < n; lo += l.cfg.BatchSize {
		hi := min(lo+l.cfg.BatchSize, n)
		copied, err := copyRange(ctx, staging, lo, hi)
		staged += copied
		if err != nil {
			return staged, 0, &LoadError{Kind: kind, Stage: "copy", Err: err}
		}
	}
	metrics.ObserveLoad(string(kind), "staged", staged)

	merged, err := merge(ctx, staging)
	if err != nil {
		return staged, 0, &LoadError{Kind: kind, Stage: "merge", Err: err}
	}
	metrics.ObserveLoad(string(kind), "merged", merged)
	logger.Info("batch merged", zap.Int64("staged", staged), zap.Int64("merged", merged))
	return staged, merged, nil
}

// drop runs on a fresh context so cleanup survives a canceled load.
func (l *Loader) drop(ctx context.Context, logger *zap.Logger, staging string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CleanupTimeout)
	defer cancel()
	if err := l.wh.DropStaging(cleanupCtx, staging); err != nil {
		logger.Warn("staging cleanup failed", zap.Error(err))
	}
}

func (l *Loader) stagingName(kind Kind) (string, error) {
	id, err := l.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("staging id: %w", err)
	}
	return "stg_" + string(kind) + "_" + strings.ReplaceAll(id, "-", ""), nil
}

func (l *Loader) reject(kind Kind, err error) {
	var verr *chart.ValidationError
	if errors.As(err, &verr) {
		l.logger.Warn("record rejected",
			zap.String("kind", string(kind)),
			zap.String("key", verr.Key),
			zap.String("field", verr.Field),
			zap.String("reason", verr.Reason),
		)
	} else {
		l.logger.Warn("record rejected", zap.String("kind", string(kind)), zap.Error(err))
	}
	metrics.ObserveLoad(string(kind), "rejected", 1)
}
