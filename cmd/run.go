package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/pipeline"
)

type runOptions struct {
	date        string
	sortKeys    []string
	allWeekdays bool
	weekday     string
	filter      string
}

// newRunCmd creates the 'run' subcommand, which performs one collection and
// prints the run report as JSON.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Collect one chart and load it into the warehouse",
		Long: `Acquires the listing once, then normalizes and loads it for every sort key.
The report is printed as JSON. The command fails unless every sort key succeeded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report := appInstance.Collect(cmd.Context(), req)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			if !report.OK() {
				return fmt.Errorf("run %s finished with status %s", report.RunID, report.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.date, "date", "", "chart date recorded on entries (YYYY-MM-DD, default today)")
	cmd.Flags().StringSliceVar(&opts.sortKeys, "sort-keys", []string{string(chart.SortPopularity)},
		"sort keys to rank by (popularity, views, createdAt, popularityMale, popularityFemale)")
	cmd.Flags().BoolVar(&opts.allWeekdays, "all-weekdays", false, "collect every weekday instead of one")
	cmd.Flags().StringVar(&opts.weekday, "weekday", "", "weekday to collect (mon..sun, default today)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "listing filter (all, free_publishing, wait_free; default from config)")
	return cmd
}

func (o *runOptions) request() (pipeline.Request, error) {
	req := pipeline.Request{
		SortKeys:           o.sortKeys,
		CollectAllWeekdays: o.allWeekdays,
	}
	if o.date != "" {
		date, err := time.Parse(time.DateOnly, o.date)
		if err != nil {
			return pipeline.Request{}, fmt.Errorf("invalid --date %q: %w", o.date, err)
		}
		req.Date = date
	}
	if o.weekday != "" {
		weekday, err := chart.ParseWeekday(o.weekday)
		if err != nil {
			return pipeline.Request{}, fmt.Errorf("invalid --weekday: %w", err)
		}
		req.Weekday = weekday
	}
	if o.filter != "" {
		filter, err := chart.ParseFilter(o.filter)
		if err != nil {
			return pipeline.Request{}, fmt.Errorf("invalid --filter: %w", err)
		}
		req.Filter = filter
	}
	return req, nil
}
