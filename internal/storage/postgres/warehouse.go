// Package postgres provides the Postgres-backed chart warehouse.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/loader"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultProfileTable = "dim_profile"
	DefaultEntryTable   = "fact_entry"
)

var profileColumns = []string{
	"webtoon_id", "title", "author", "genre", "tags", "seo_id", "adult",
	"catchphrase", "badges", "content_id", "created_at", "updated_at",
}

var entryColumns = []string{
	"chart_date", "webtoon_id", "rank", "collected_at", "weekday", "weekday_rank",
	"year", "month", "week", "view_count", "sort_key",
}

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	ProfileTable    string
	EntryTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxConn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
	Ping(context.Context) error
	Close()
}

// Warehouse implements loader.Warehouse on Postgres. Staging tables are
// unlogged copies of the target tables plus an arrival sequence column.
type Warehouse struct {
	pool         pgxConn
	profileTable string
	entryTable   string
}

// Connect opens a pgx pool sized by cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// New connects a pool and returns a Warehouse that owns it.
func New(ctx context.Context, cfg Config) (*Warehouse, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	w, err := NewWithPool(pool, cfg.ProfileTable, cfg.EntryTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return w, nil
}

// NewWithPool constructs a Warehouse from an existing pool (primarily for testing).
func NewWithPool(pool pgxConn, profileTable, entryTable string) (*Warehouse, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if profileTable == "" {
		profileTable = DefaultProfileTable
	}
	if entryTable == "" {
		entryTable = DefaultEntryTable
	}
	for _, table := range []string{profileTable, entryTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Warehouse{pool: pool, profileTable: profileTable, entryTable: entryTable}, nil
}

// Close releases the underlying pool resources.
func (w *Warehouse) Close() {
	if w == nil || w.pool == nil {
		return
	}
	w.pool.Close()
}

// Ping checks connectivity.
func (w *Warehouse) Ping(ctx context.Context) error {
	if err := w.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the profile and entry tables when missing.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	webtoon_id  TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	author      TEXT,
	genre       TEXT,
	tags        TEXT[],
	seo_id      TEXT,
	adult       BOOLEAN,
	catchphrase TEXT,
	badges      TEXT[],
	content_id  BIGINT,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`, w.profileTable),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	chart_date   DATE NOT NULL,
	webtoon_id   TEXT NOT NULL,
	rank         INTEGER NOT NULL CHECK (rank >= 1),
	collected_at TIMESTAMPTZ NOT NULL,
	weekday      TEXT,
	weekday_rank INTEGER CHECK (weekday_rank >= 1),
	year         INTEGER NOT NULL,
	month        INTEGER NOT NULL,
	week         INTEGER NOT NULL,
	view_count   BIGINT,
	sort_key     TEXT NOT NULL,
	PRIMARY KEY (chart_date, webtoon_id, sort_key)
)`, w.entryTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_chart_rank_idx ON %s (chart_date, sort_key, rank)`,
			w.entryTable, w.entryTable),
	}
	for _, stmt := range statements {
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateStaging creates an empty staging table shaped like the kind's target.
func (w *Warehouse) CreateStaging(ctx context.Context, kind loader.Kind, name string) error {
	target, err := w.target(kind)
	if err != nil {
		return err
	}
	if !validTableName.MatchString(name) {
		return fmt.Errorf("invalid staging table name %q", name)
	}
	query := fmt.Sprintf(`CREATE UNLOGGED TABLE %s (LIKE %s INCLUDING DEFAULTS, seq BIGINT NOT NULL)`, name, target)
	if _, err := w.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create staging %s: %w", name, err)
	}
	return nil
}

// CopyProfiles appends profiles to a staging table; seq numbers start at seqStart.
func (w *Warehouse) CopyProfiles(ctx context.Context, staging string, rows []chart.Profile, seqStart int) (int64, error) {
	data := make([][]any, 0, len(rows))
	for i, p := range rows {
		data = append(data, []any{
			p.WebtoonID, p.Title, p.Author, p.Genre, p.Tags, p.SeoID, p.Adult,
			p.Catchphrase, p.Badges, p.ContentID, p.CreatedAt, p.UpdatedAt,
			int64(seqStart + i),
		})
	}
	n, err := w.pool.CopyFrom(ctx, pgx.Identifier{staging}, withSeq(profileColumns), pgx.CopyFromRows(data))
	if err != nil {
		return n, fmt.Errorf("copy profiles into %s: %w", staging, err)
	}
	return n, nil
}

// CopyEntries appends entries to a staging table; seq numbers start at seqStart.
func (w *Warehouse) CopyEntries(ctx context.Context, staging string, rows []chart.Entry, seqStart int) (int64, error) {
	data := make([][]any, 0, len(rows))
	for i, e := range rows {
		var (
			weekday     *string
			weekdayRank *int32
		)
		if e.Weekday != "" {
			wd := string(e.Weekday)
			rank := int32(e.WeekdayRank)
			weekday, weekdayRank = &wd, &rank
		}
		data = append(data, []any{
			chart.DateOnly(e.ChartDate), e.WebtoonID, int32(e.Rank), e.CollectedAt, weekday, weekdayRank,
			int32(e.Year), int32(e.Month), int32(e.Week), e.ViewCount, string(e.SortKey),
			int64(seqStart + i),
		})
	}
	n, err := w.pool.CopyFrom(ctx, pgx.Identifier{staging}, withSeq(entryColumns), pgx.CopyFromRows(data))
	if err != nil {
		return n, fmt.Errorf("copy entries into %s: %w", staging, err)
	}
	return n, nil
}

// MergeProfiles upserts the latest staged version of each profile. A row is
// rewritten, refreshing updated_at, unless the stored row is newer; created_at
// is never touched. The count only includes inserted rows and rows whose
// attributes changed, read from the snapshot taken before the upsert.
func (w *Warehouse) MergeProfiles(ctx context.Context, staging string) (int64, error) {
	var changed int64
	if err := w.pool.QueryRow(ctx, w.profileMergeSQL(staging)).Scan(&changed); err != nil {
		return 0, fmt.Errorf("merge profiles from %s: %w", staging, err)
	}
	return changed, nil
}

func (w *Warehouse) profileMergeSQL(staging string) string {
	return fmt.Sprintf(`
WITH src AS (
	SELECT DISTINCT ON (webtoon_id) %[3]s
	FROM %[2]s
	ORDER BY webtoon_id, updated_at DESC, seq DESC
), changed AS (
	SELECT count(*) AS n
	FROM src s
	LEFT JOIN %[1]s c ON c.webtoon_id = s.webtoon_id
	WHERE c.webtoon_id IS NULL
		OR (c.updated_at <= s.updated_at
			AND (c.title, c.author, c.genre, c.tags, c.seo_id, c.adult, c.catchphrase, c.badges, c.content_id)
			IS DISTINCT FROM
			(s.title, s.author, s.genre, s.tags, s.seo_id, s.adult, s.catchphrase, s.badges, s.content_id))
), upsert AS (
	INSERT INTO %[1]s AS t (%[3]s)
	SELECT %[3]s FROM src
	ON CONFLICT (webtoon_id) DO UPDATE SET
		title = EXCLUDED.title,
		author = EXCLUDED.author,
		genre = EXCLUDED.genre,
		tags = EXCLUDED.tags,
		seo_id = EXCLUDED.seo_id,
		adult = EXCLUDED.adult,
		catchphrase = EXCLUDED.catchphrase,
		badges = EXCLUDED.badges,
		content_id = EXCLUDED.content_id,
		updated_at = EXCLUDED.updated_at
	WHERE t.updated_at <= EXCLUDED.updated_at
	RETURNING 1
)
SELECT n FROM changed`,
		w.profileTable, staging, joinColumns(profileColumns))
}

// MergeEntries inserts staged entries whose key is not yet present. Within
// one batch the first arrival of a key wins.
func (w *Warehouse) MergeEntries(ctx context.Context, staging string) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (%[3]s)
SELECT DISTINCT ON (chart_date, webtoon_id, sort_key) %[3]s
FROM %[2]s
ORDER BY chart_date, webtoon_id, sort_key, seq
ON CONFLICT (chart_date, webtoon_id, sort_key) DO NOTHING`,
		w.entryTable, staging, joinColumns(entryColumns))
	tag, err := w.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("merge entries from %s: %w", staging, err)
	}
	return tag.RowsAffected(), nil
}

// DropStaging removes a staging table.
func (w *Warehouse) DropStaging(ctx context.Context, staging string) error {
	if !validTableName.MatchString(staging) {
		return fmt.Errorf("invalid staging table name %q", staging)
	}
	if _, err := w.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, staging)); err != nil {
		return fmt.Errorf("drop staging %s: %w", staging, err)
	}
	return nil
}

func (w *Warehouse) target(kind loader.Kind) (string, error) {
	switch kind {
	case loader.KindProfile:
		return w.profileTable, nil
	case loader.KindEntry:
		return w.entryTable, nil
	default:
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
}

func withSeq(columns []string) []string {
	return append(append([]string(nil), columns...), "seq")
}

func joinColumns(columns []string) string {
	out := ""
	for i, c := range columns {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
