package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

func TestNewRunStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRunStore(nil, "")
	require.Error(t, err)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	_, err = NewRunStore(mock, "runs;drop")
	require.Error(t, err)
}

func TestRunStoreSaveRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := NewRunStore(mock, "")
	require.NoError(t, err)

	started := time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)
	run := chart.RunRecord{
		ID:         "run-1",
		ChartDate:  started,
		Status:     "success",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Report:     []byte(`{"status":"success"}`),
	}
	mock.ExpectExec("INSERT INTO chart_runs").
		WithArgs("run-1", chart.DateOnly(started), "success", started, started.Add(time.Minute), []byte(`{"status":"success"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO chart_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("down"))

	require.NoError(t, store.SaveRun(context.Background(), run))
	require.Error(t, store.SaveRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreLastRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := NewRunStore(mock, "")
	require.NoError(t, err)

	started := time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta("ORDER BY started_at DESC")
	mock.ExpectQuery(query).WillReturnRows(
		pgxmock.NewRows([]string{"id", "chart_date", "status", "started_at", "finished_at", "report"}).
			AddRow("run-9", chart.DateOnly(started), "partial_failure", started, started.Add(time.Minute), []byte(`{}`)),
	)
	mock.ExpectQuery(query).WillReturnError(pgx.ErrNoRows)

	run, err := store.LastRun(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-9", run.ID)
	require.Equal(t, "partial_failure", run.Status)
	require.JSONEq(t, `{}`, string(run.Report))

	_, err = store.LastRun(context.Background())
	require.ErrorIs(t, err, chart.ErrNoRuns)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := NewRunStore(mock, "runs")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
