package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/pipeline"
)

type fakeApp struct {
	status    pipeline.Status
	requests  []pipeline.Request
	schemaErr error
	schemas   int
	closed    int
}

func (f *fakeApp) Collect(_ context.Context, req pipeline.Request) pipeline.Report {
	f.requests = append(f.requests, req)
	return pipeline.Report{RunID: "run-1", ChartDate: "2025-01-07", Status: f.status}
}

func (f *fakeApp) Serve(context.Context) error { return nil }

func (f *fakeApp) EnsureSchema(context.Context) error {
	f.schemas++
	return f.schemaErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

// withFakeApp swaps the application factory; tests using it cannot run in parallel.
func withFakeApp(t *testing.T, app *fakeApp) *string {
	t.Helper()
	var gotPath string
	original := newApp
	newApp = func(_ context.Context, cfgPath string) (App, error) {
		gotPath = cfgPath
		return app, nil
	}
	t.Cleanup(func() { newApp = original })
	return &gotPath
}

func TestRunCommandPrintsReport(t *testing.T) {
	app := &fakeApp{status: pipeline.StatusSuccess}
	cfgPath := withFakeApp(t, app)

	var out bytes.Buffer
	err := execute(context.Background(), []string{
		"run", "--config", "chart.yaml",
		"--date", "2025-01-07",
		"--sort-keys", "popularity,views",
		"--weekday", "TUE",
		"--filter", "wait_free",
	}, &out)
	require.NoError(t, err)
	require.Equal(t, "chart.yaml", *cfgPath)
	require.Equal(t, 1, app.closed)

	require.Len(t, app.requests, 1)
	req := app.requests[0]
	require.Equal(t, time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC), req.Date)
	require.Equal(t, []string{"popularity", "views"}, req.SortKeys)
	require.Equal(t, chart.Tuesday, req.Weekday)
	require.Equal(t, chart.FilterWaitFree, req.Filter)
	require.False(t, req.CollectAllWeekdays)

	var report pipeline.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, "run-1", report.RunID)
}

func TestRunCommandDefaults(t *testing.T) {
	app := &fakeApp{status: pipeline.StatusSuccess}
	withFakeApp(t, app)

	require.NoError(t, execute(context.Background(), []string{"run", "--all-weekdays"}, &bytes.Buffer{}))
	req := app.requests[0]
	require.True(t, req.Date.IsZero())
	require.Equal(t, []string{"popularity"}, req.SortKeys)
	require.True(t, req.CollectAllWeekdays)
	require.Empty(t, req.Filter)
}

func TestRunCommandFailsUnlessSuccess(t *testing.T) {
	for _, status := range []pipeline.Status{pipeline.StatusPartial, pipeline.StatusFailure} {
		app := &fakeApp{status: status}
		withFakeApp(t, app)

		var out bytes.Buffer
		err := execute(context.Background(), []string{"run"}, &out)
		require.ErrorContains(t, err, string(status))
		require.Contains(t, out.String(), `"run_id": "run-1"`)
		require.Equal(t, 1, app.closed, "application must be closed after a failed run")
	}
}

func TestRunCommandRejectsBadFlags(t *testing.T) {
	tests := map[string][]string{
		"date":    {"run", "--date", "07/01/2025"},
		"weekday": {"run", "--weekday", "someday"},
		"filter":  {"run", "--filter", "paid"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			app := &fakeApp{status: pipeline.StatusSuccess}
			withFakeApp(t, app)

			err := execute(context.Background(), args, &bytes.Buffer{})
			require.ErrorContains(t, err, "invalid --"+name)
			require.Empty(t, app.requests)
		})
	}
}

func TestSchemaCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"schema"}, &out))
	require.Equal(t, 1, app.schemas)
	require.Contains(t, out.String(), "schema ready")

	app.schemaErr = errors.New("permission denied")
	require.ErrorContains(t, execute(context.Background(), []string{"schema"}, &bytes.Buffer{}), "permission denied")
}

func TestAppInitFailure(t *testing.T) {
	original := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("no dsn") }
	t.Cleanup(func() { newApp = original })

	err := execute(context.Background(), []string{"run"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "failed to initialize application services")
}
