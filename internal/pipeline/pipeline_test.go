package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/hash/sha256"
	"github.com/JakeFAU/webtoon-chart-collector/internal/loader"
	"github.com/JakeFAU/webtoon-chart-collector/internal/normalize"
	"github.com/JakeFAU/webtoon-chart-collector/internal/pipeline"
	pubmemory "github.com/JakeFAU/webtoon-chart-collector/internal/publisher/memory"
	"github.com/JakeFAU/webtoon-chart-collector/internal/storage/memory"
)

var testNow = time.Date(2025, 1, 7, 9, 30, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("0190a1b2-c3d4-7e5f-8a9b-%012d", s.n), nil
}

type fakeAcquirer struct {
	result chart.RawResult
	err    error
	reqs   []chart.AcquireRequest
}

func (f *fakeAcquirer) Acquire(_ context.Context, req chart.AcquireRequest) (chart.RawResult, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return chart.RawResult{}, f.err
	}
	res := f.result
	res.ChartDate = chart.DateOnly(req.ChartDate)
	return res, nil
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

type failingMerge struct {
	*memory.Warehouse
}

func (failingMerge) MergeEntries(context.Context, string) (int64, error) {
	return 0, errors.New("merge failed")
}

func item(id, title string, popularity, views int64) chart.RawItem {
	return chart.RawItem{
		ID:      chart.FlexString(id),
		Content: chart.RawContent{Title: title},
		Sorting: chart.Scores{"popularity": popularity, "views": views},
	}
}

func listing() chart.RawResult {
	return chart.RawResult{
		Strategy: chart.StrategyAPI,
		Weekdays: []chart.Weekday{chart.Monday, chart.Tuesday},
		Filter:   chart.FilterAll,
		Groups: []chart.RawGroup{
			{Weekday: chart.Monday, Items: []chart.RawItem{item("1", "One", 10, 300), item("2", "Two", 30, 100)}},
			{Weekday: chart.Tuesday, Items: []chart.RawItem{item("3", "Three", 20, 200), item("1", "One", 5, 50)}},
		},
		Payloads: []chart.Payload{
			{Weekday: chart.Monday, Body: []byte(`{"data":"mon"}`)},
			{Weekday: chart.Tuesday, Body: []byte(`{"data":"tue"}`)},
		},
		FetchedAt: testNow,
	}
}

type harness struct {
	acq       *fakeAcquirer
	warehouse loader.Warehouse
	memWH     *memory.Warehouse
	blobs     chart.BlobStore
	memBlobs  *memory.BlobStore
	pub       *pubmemory.Publisher
	runs      *memory.RunStore
}

func newHarness() *harness {
	wh := memory.NewWarehouse()
	blobs := memory.NewBlobStore()
	return &harness{
		acq:       &fakeAcquirer{result: listing()},
		warehouse: wh,
		memWH:     wh,
		blobs:     blobs,
		memBlobs:  blobs,
		pub:       pubmemory.New(),
		runs:      memory.NewRunStore(),
	}
}

func (h *harness) pipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	clock := fixedClock{now: testNow}
	ids := &seqIDs{}
	l, err := loader.New(h.warehouse, loader.Config{BatchSize: 2}, ids, nil)
	require.NoError(t, err)
	p, err := pipeline.New(pipeline.Config{ArchivePrefix: "/raw/", Topic: "chart-runs"}, pipeline.Deps{
		Acquirer:   h.acq,
		Normalizer: normalize.New(clock, nil),
		Loader:     l,
		Blobs:      h.blobs,
		Publisher:  h.pub,
		Runs:       h.runs,
		Hasher:     sha256.New(),
		IDs:        ids,
		Clock:      clock,
	})
	require.NoError(t, err)
	return p
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(pipeline.Config{}, pipeline.Deps{})
	require.Error(t, err)
}

func TestRunSuccessLoadsEveryKey(t *testing.T) {
	t.Parallel()

	h := newHarness()
	report := h.pipeline(t).Run(context.Background(), pipeline.Request{
		SortKeys:           []string{"popularity", "views"},
		CollectAllWeekdays: true,
	})

	require.Equal(t, pipeline.StatusSuccess, report.Status, report.Error)
	require.True(t, report.OK())
	require.Equal(t, "2025-01-07", report.ChartDate)
	require.Equal(t, chart.StrategyAPI, report.Strategy)
	require.Equal(t, 4, report.Items)
	require.Len(t, report.Keys, 2)
	// webtoon 1 is listed on mon and tue; the key (date, id, sort_key) keeps the first.
	require.Equal(t, int64(3), report.Keys[0].Entries)
	require.Equal(t, int64(3), report.Keys[0].Profiles)
	require.Equal(t, int64(3), report.Keys[1].Entries)
	require.Zero(t, report.Keys[1].Profiles)

	require.Len(t, h.acq.reqs, 1, "listing is acquired once per run")
	require.True(t, h.acq.reqs[0].CollectAllWeekdays)
	require.Equal(t, chart.SortPopularity, h.acq.reqs[0].SortKey)

	entries := h.memWH.Entries()
	require.Len(t, entries, 6)
	// popularity: mon [2(30), 1(10)], tue [3(20), 1(5)]
	require.Equal(t, "2", entries[0].WebtoonID)
	require.Equal(t, 1, entries[0].Rank)
	require.Equal(t, 1, entries[0].WeekdayRank)
	require.Equal(t, "1", entries[1].WebtoonID)
	require.Equal(t, chart.Monday, entries[1].Weekday)
	require.Equal(t, "3", entries[2].WebtoonID)
	require.Equal(t, 3, entries[2].Rank)
	require.Equal(t, 1, entries[2].WeekdayRank)

	require.Len(t, report.ArchiveURIs, 2)
	for _, p := range h.memBlobs.Paths() {
		require.True(t, strings.HasPrefix(p, "raw/2025-01-07/direct_endpoint_call/"), p)
		require.True(t, strings.HasSuffix(p, ".json"), p)
	}

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "chart-runs", msgs[0].Topic)
	var published pipeline.Report
	require.NoError(t, json.Unmarshal(msgs[0].Data, &published))
	require.Equal(t, report.RunID, published.RunID)

	last, err := h.runs.LastRun(context.Background())
	require.NoError(t, err)
	require.Equal(t, report.RunID, last.ID)
	require.Equal(t, "success", last.Status)
	require.Zero(t, h.memWH.StagingCount())
}

func TestRunTwiceAddsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness()
	p := h.pipeline(t)
	req := pipeline.Request{SortKeys: []string{"popularity", "views"}, CollectAllWeekdays: true}

	first := p.Run(context.Background(), req)
	require.Equal(t, pipeline.StatusSuccess, first.Status)
	profilesBefore := h.memWH.Profiles()

	second := p.Run(context.Background(), req)
	require.Equal(t, pipeline.StatusSuccess, second.Status)
	for _, k := range second.Keys {
		require.Zero(t, k.Entries, "re-run must not add facts for %s", k.SortKey)
		require.Zero(t, k.Profiles, "re-run must not change profiles for %s", k.SortKey)
	}
	require.Len(t, h.memWH.Entries(), 6)
	require.Equal(t, profilesBefore, h.memWH.Profiles())
	require.NotEqual(t, first.RunID, second.RunID)
}

func TestRunDefaultsToPopularity(t *testing.T) {
	t.Parallel()

	h := newHarness()
	report := h.pipeline(t).Run(context.Background(), pipeline.Request{})
	require.Len(t, report.Keys, 1)
	require.Equal(t, "popularity", report.Keys[0].SortKey)
	require.Equal(t, testNow, h.acq.reqs[0].ChartDate)
}

func TestRunUnknownKeyIsPartialFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	report := h.pipeline(t).Run(context.Background(), pipeline.Request{SortKeys: []string{"bogus", "views"}})

	require.Equal(t, pipeline.StatusPartial, report.Status)
	require.Equal(t, pipeline.StatusFailure, report.Keys[0].Status)
	require.Contains(t, report.Keys[0].Error, "unknown sort key")
	require.Equal(t, pipeline.StatusSuccess, report.Keys[1].Status)
	require.Equal(t, chart.SortViews, h.acq.reqs[0].SortKey)
}

func TestRunAcquisitionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.acq.err = &chart.AcquisitionFailure{Attempts: []chart.StrategyError{
		{Strategy: chart.StrategyAPI, Weekday: chart.Tuesday, Err: chart.ErrNoListing},
	}}
	report := h.pipeline(t).Run(context.Background(), pipeline.Request{SortKeys: []string{"popularity"}})

	require.Equal(t, pipeline.StatusFailure, report.Status)
	require.Contains(t, report.Error, "acquisition failed")
	require.Empty(t, report.Keys)
	require.Empty(t, h.memWH.Entries())
	require.Len(t, h.pub.Messages(), 1)
}

func TestRunEmptyNormalizationFailsKey(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.acq.result.Groups = []chart.RawGroup{{Weekday: chart.Monday, Items: []chart.RawItem{{ID: "1"}}}}
	report := h.pipeline(t).Run(context.Background(), pipeline.Request{})

	require.Equal(t, pipeline.StatusFailure, report.Status)
	require.Equal(t, 1, report.Keys[0].Skipped)
	require.Contains(t, report.Keys[0].Error, "no entries")
}

func TestRunLoadFailureFailsKey(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.warehouse = failingMerge{Warehouse: h.memWH}
	report := h.pipeline(t).Run(context.Background(), pipeline.Request{SortKeys: []string{"popularity"}})

	require.Equal(t, pipeline.StatusFailure, report.Status)
	require.Contains(t, report.Keys[0].Error, "merge failed")
	require.Equal(t, int64(3), report.Keys[0].Profiles, "profiles merged before the entry failure")
}

func TestRunArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.blobs = failingBlobs{}
	report := h.pipeline(t).Run(context.Background(), pipeline.Request{})

	require.Equal(t, pipeline.StatusSuccess, report.Status)
	require.Empty(t, report.ArchiveURIs)
}

func TestRunPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.pub.FailWith(errors.New("topic missing"))
	report := h.pipeline(t).Run(context.Background(), pipeline.Request{})
	require.Equal(t, pipeline.StatusSuccess, report.Status)
}

func TestRunCanceledContextFailsKeys(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := h.pipeline(t).Run(ctx, pipeline.Request{SortKeys: []string{"popularity", "views"}})

	require.Equal(t, pipeline.StatusFailure, report.Status)
	for _, k := range report.Keys {
		require.Contains(t, k.Error, "context canceled")
	}
}

func TestReportAttributes(t *testing.T) {
	t.Parallel()

	attrs := pipeline.Report{RunID: "r", ChartDate: "2025-01-07", Status: pipeline.StatusPartial}.Attributes()
	require.Equal(t, map[string]string{"run_id": "r", "chart_date": "2025-01-07", "status": "partial_failure"}, attrs)
}
