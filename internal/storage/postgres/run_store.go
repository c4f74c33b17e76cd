package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// DefaultRunTable stores one row per pipeline run.
const DefaultRunTable = "chart_runs"

type runConn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// RunStore implements chart.RunStore using Postgres.
type RunStore struct {
	pool  runConn
	table string
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(pool runConn, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultRunTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the run table when missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	chart_date  DATE NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	report      JSONB NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure run schema: %w", err)
	}
	return nil
}

// SaveRun inserts a run; saving the same id twice keeps the first row.
func (s *RunStore) SaveRun(ctx context.Context, run chart.RunRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, chart_date, status, started_at, finished_at, report)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`, s.table)
	_, err := s.pool.Exec(ctx, query,
		run.ID, chart.DateOnly(run.ChartDate), run.Status, run.StartedAt, run.FinishedAt, []byte(run.Report))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// LastRun returns the most recently started run.
func (s *RunStore) LastRun(ctx context.Context) (chart.RunRecord, error) {
	query := fmt.Sprintf(`
SELECT id, chart_date, status, started_at, finished_at, report
FROM %s
ORDER BY started_at DESC
LIMIT 1`, s.table)
	var (
		run    chart.RunRecord
		report []byte
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&run.ID,
		&run.ChartDate,
		&run.Status,
		&run.StartedAt,
		&run.FinishedAt,
		&report,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chart.RunRecord{}, chart.ErrNoRuns
		}
		return chart.RunRecord{}, fmt.Errorf("failed to get last run: %w", err)
	}
	run.Report = report
	return run, nil
}
