package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/loader"
)

func strPtr(s string) *string { return &s }

func stageProfiles(t *testing.T, w *Warehouse, name string, rows ...chart.Profile) int64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, w.CreateStaging(ctx, loader.KindProfile, name))
	_, err := w.CopyProfiles(ctx, name, rows, 0)
	require.NoError(t, err)
	merged, err := w.MergeProfiles(ctx, name)
	require.NoError(t, err)
	require.NoError(t, w.DropStaging(ctx, name))
	return merged
}

func TestWarehouseProfileMerge(t *testing.T) {
	t.Parallel()

	w := NewWarehouse()
	t0 := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	merged := stageProfiles(t, w, "stg_a",
		chart.Profile{WebtoonID: "1", Title: "Old", Author: strPtr("a"), CreatedAt: t0, UpdatedAt: t0},
		chart.Profile{WebtoonID: "1", Title: "New", Author: strPtr("a"), CreatedAt: t1, UpdatedAt: t1},
		chart.Profile{WebtoonID: "2", Title: "Other", CreatedAt: t0, UpdatedAt: t0},
	)
	require.Equal(t, int64(2), merged)
	profiles := w.Profiles()
	require.Len(t, profiles, 2)
	require.Equal(t, "New", profiles[0].Title)

	// Same attributes later: updated_at is refreshed but nothing counts as changed.
	merged = stageProfiles(t, w, "stg_b",
		chart.Profile{WebtoonID: "1", Title: "New", Author: strPtr("a"), CreatedAt: t1.Add(time.Hour), UpdatedAt: t1.Add(time.Hour)},
	)
	require.Equal(t, int64(0), merged)
	profiles = w.Profiles()
	require.Equal(t, t1.Add(time.Hour), profiles[0].UpdatedAt)
	require.Equal(t, t1, profiles[0].CreatedAt)

	// Changed attributes later: update, created_at preserved.
	later := t1.Add(2 * time.Hour)
	merged = stageProfiles(t, w, "stg_c",
		chart.Profile{WebtoonID: "2", Title: "Renamed", CreatedAt: later, UpdatedAt: later},
	)
	require.Equal(t, int64(1), merged)
	profiles = w.Profiles()
	require.Equal(t, "Renamed", profiles[1].Title)
	require.Equal(t, t0, profiles[1].CreatedAt)
	require.Equal(t, later, profiles[1].UpdatedAt)

	// Older staged row never overwrites.
	merged = stageProfiles(t, w, "stg_d",
		chart.Profile{WebtoonID: "2", Title: "Stale", CreatedAt: t0, UpdatedAt: t0},
	)
	require.Equal(t, int64(0), merged)
	require.Equal(t, 0, w.StagingCount())
}

func TestWarehouseProfileTieLaterArrivalWins(t *testing.T) {
	t.Parallel()

	w := NewWarehouse()
	ts := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	stageProfiles(t, w, "stg_tie",
		chart.Profile{WebtoonID: "1", Title: "First", CreatedAt: ts, UpdatedAt: ts},
		chart.Profile{WebtoonID: "1", Title: "Second", CreatedAt: ts, UpdatedAt: ts},
	)
	require.Equal(t, "Second", w.Profiles()[0].Title)
}

func TestWarehouseEntryMergeIsInsertOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := NewWarehouse()
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	rows := []chart.Entry{
		{ChartDate: day, WebtoonID: "1", Rank: 1, SortKey: chart.SortPopularity},
		{ChartDate: day, WebtoonID: "1", Rank: 5, SortKey: chart.SortPopularity},
		{ChartDate: day, WebtoonID: "2", Rank: 2, SortKey: chart.SortPopularity},
	}
	require.NoError(t, w.CreateStaging(ctx, loader.KindEntry, "stg_e1"))
	_, err := w.CopyEntries(ctx, "stg_e1", rows, 0)
	require.NoError(t, err)
	merged, err := w.MergeEntries(ctx, "stg_e1")
	require.NoError(t, err)
	require.Equal(t, int64(2), merged)
	require.Equal(t, 1, w.Entries()[0].Rank)

	require.NoError(t, w.CreateStaging(ctx, loader.KindEntry, "stg_e2"))
	_, err = w.CopyEntries(ctx, "stg_e2", []chart.Entry{{ChartDate: day, WebtoonID: "1", Rank: 9, SortKey: chart.SortPopularity}}, 0)
	require.NoError(t, err)
	merged, err = w.MergeEntries(ctx, "stg_e2")
	require.NoError(t, err)
	require.Zero(t, merged)
	require.Equal(t, 1, w.Entries()[0].Rank)
}

func TestWarehouseStagingErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := NewWarehouse()
	require.Error(t, w.CreateStaging(ctx, loader.Kind("other"), "stg_x"))
	require.NoError(t, w.CreateStaging(ctx, loader.KindEntry, "stg_x"))
	require.Error(t, w.CreateStaging(ctx, loader.KindEntry, "stg_x"))
	_, err := w.CopyProfiles(ctx, "stg_x", nil, 0)
	require.Error(t, err)
	_, err = w.MergeEntries(ctx, "missing")
	require.Error(t, err)
	require.NoError(t, w.DropStaging(ctx, "missing"))
}
