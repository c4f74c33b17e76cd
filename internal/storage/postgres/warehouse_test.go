package postgres

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/loader"
)

func newMockWarehouse(t *testing.T) (*Warehouse, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	w, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	return w, mock
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "", "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	_, err = NewWithPool(mock, "bad-name", "")
	require.Error(t, err)
	_, err = NewWithPool(mock, "", "fact entry")
	require.Error(t, err)

	w, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	require.Equal(t, DefaultProfileTable, w.profileTable)
	require.Equal(t, DefaultEntryTable, w.entryTable)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	w, mock := newMockWarehouse(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS dim_profile").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("PRIMARY KEY (chart_date, webtoon_id, sort_key)")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS fact_entry_chart_rank_idx").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, w.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateStaging(t *testing.T) {
	t.Parallel()

	w, mock := newMockWarehouse(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE UNLOGGED TABLE stg_entry_abc (LIKE fact_entry INCLUDING DEFAULTS, seq BIGINT NOT NULL)")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE UNLOGGED TABLE stg_profile_abc (LIKE dim_profile")).
		WillReturnError(errors.New("exists"))

	require.NoError(t, w.CreateStaging(context.Background(), loader.KindEntry, "stg_entry_abc"))
	require.Error(t, w.CreateStaging(context.Background(), loader.KindProfile, "stg_profile_abc"))
	require.Error(t, w.CreateStaging(context.Background(), loader.KindEntry, "stg; DROP TABLE x"))
	require.Error(t, w.CreateStaging(context.Background(), loader.Kind("other"), "stg_x"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyEntriesAppendsSeq(t *testing.T) {
	t.Parallel()

	w, mock := newMockWarehouse(t)
	mock.ExpectCopyFrom(pgx.Identifier{"stg_entry_abc"}, withSeq(entryColumns)).WillReturnResult(2)

	day := time.Date(2025, 1, 7, 15, 0, 0, 0, time.UTC)
	rows := []chart.Entry{
		{ChartDate: day, WebtoonID: "1", Rank: 1, Weekday: chart.Tuesday, WeekdayRank: 1, SortKey: chart.SortViews},
		{ChartDate: day, WebtoonID: "2", Rank: 2, SortKey: chart.SortViews},
	}
	n, err := w.CopyEntries(context.Background(), "stg_entry_abc", rows, 10)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyProfilesError(t *testing.T) {
	t.Parallel()

	w, mock := newMockWarehouse(t)
	mock.ExpectCopyFrom(pgx.Identifier{"stg_profile_abc"}, withSeq(profileColumns)).
		WillReturnError(errors.New("copy failed"))

	_, err := w.CopyProfiles(context.Background(), "stg_profile_abc", []chart.Profile{{WebtoonID: "1", Title: "T"}}, 0)
	require.ErrorContains(t, err, "copy profiles into stg_profile_abc")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeEntriesInsertOnly(t *testing.T) {
	t.Parallel()

	w, mock := newMockWarehouse(t)
	pattern := regexp.QuoteMeta("ON CONFLICT (chart_date, webtoon_id, sort_key) DO NOTHING")
	mock.ExpectExec("INSERT INTO fact_entry(?s).*" + pattern).WillReturnResult(pgxmock.NewResult("INSERT", 3))
	mock.ExpectExec("INSERT INTO fact_entry(?s).*" + pattern).WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ctx := context.Background()
	first, err := w.MergeEntries(ctx, "stg_entry_a")
	require.NoError(t, err)
	require.Equal(t, int64(3), first)
	second, err := w.MergeEntries(ctx, "stg_entry_b")
	require.NoError(t, err)
	require.Zero(t, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeProfilesLatestWins(t *testing.T) {
	t.Parallel()

	w, mock := newMockWarehouse(t)
	merge := "(?s)" + regexp.QuoteMeta("ORDER BY webtoon_id, updated_at DESC, seq DESC") + ".*" +
		regexp.QuoteMeta("LEFT JOIN dim_profile c") + ".*" +
		regexp.QuoteMeta("INSERT INTO dim_profile AS t") + ".*" +
		regexp.QuoteMeta("updated_at = EXCLUDED.updated_at") + ".*" +
		regexp.QuoteMeta("WHERE t.updated_at <= EXCLUDED.updated_at") + ".*" +
		regexp.QuoteMeta("SELECT n FROM changed")
	mock.ExpectQuery(merge).WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(int64(1)))
	// A repeat of identical attributes still refreshes updated_at but reports no change.
	mock.ExpectQuery(merge).WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(int64(0)))
	mock.ExpectQuery(merge).WillReturnError(errors.New("boom"))

	ctx := context.Background()
	n, err := w.MergeProfiles(ctx, "stg_profile_a")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = w.MergeProfiles(ctx, "stg_profile_b")
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = w.MergeProfiles(ctx, "stg_profile_c")
	require.ErrorContains(t, err, "merge profiles from stg_profile_c")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileMergeRefreshesUnchangedRows(t *testing.T) {
	t.Parallel()

	w, _ := newMockWarehouse(t)
	query := w.profileMergeSQL("stg_profile_a")
	upsert := query[strings.Index(query, "ON CONFLICT"):]

	require.Contains(t, upsert, "updated_at = EXCLUDED.updated_at")
	require.NotContains(t, upsert, "IS DISTINCT FROM")
	require.NotContains(t, upsert, "created_at")
	require.Contains(t, query[:strings.Index(query, "upsert AS")], "IS DISTINCT FROM")
}

func TestMergeError(t *testing.T) {
	t.Parallel()

	w, mock := newMockWarehouse(t)
	mock.ExpectExec("INSERT INTO fact_entry").WillReturnError(errors.New("boom"))

	_, err := w.MergeEntries(context.Background(), "stg_entry_a")
	require.ErrorContains(t, err, "merge entries from stg_entry_a")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropStaging(t *testing.T) {
	t.Parallel()

	w, mock := newMockWarehouse(t)
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS stg_entry_a")).WillReturnResult(pgxmock.NewResult("DROP", 0))

	require.NoError(t, w.DropStaging(context.Background(), "stg_entry_a"))
	require.Error(t, w.DropStaging(context.Background(), "bad name"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoaderAgainstMockRepeatedLoad(t *testing.T) {
	t.Parallel()

	w, mock := newMockWarehouse(t)
	ids := &fixedIDs{id: "0190a1b2-c3d4-7e5f-8a9b-000000000001"}
	l, err := loader.New(w, loader.Config{}, ids, nil)
	require.NoError(t, err)

	staging := "stg_entry_0190a1b2c3d47e5f8a9b000000000001"
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	rows := []chart.Entry{{
		ChartDate: day, WebtoonID: "1", Rank: 1, CollectedAt: day, SortKey: chart.SortPopularity,
		Year: 2025, Month: 1, Week: 1,
	}}
	for _, merged := range []int64{1, 0} {
		mock.ExpectExec(regexp.QuoteMeta("CREATE UNLOGGED TABLE " + staging)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectCopyFrom(pgx.Identifier{staging}, withSeq(entryColumns)).WillReturnResult(1)
		mock.ExpectExec(regexp.QuoteMeta("DO NOTHING")).WillReturnResult(pgxmock.NewResult("INSERT", merged))
		mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS " + staging)).WillReturnResult(pgxmock.NewResult("DROP", 0))
	}

	first, err := l.LoadEntries(context.Background(), rows, day, chart.SortPopularity)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Merged)
	second, err := l.LoadEntries(context.Background(), rows, day, chart.SortPopularity)
	require.NoError(t, err)
	require.Zero(t, second.Merged)
	require.NoError(t, mock.ExpectationsWereMet())
}

type fixedIDs struct{ id string }

func (f *fixedIDs) NewID() (string, error) { return f.id, nil }
