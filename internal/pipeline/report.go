package pipeline

import (
	"time"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// Status is the outcome of a run or of one sort key.
type Status string

// Run statuses.
const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial_failure"
	StatusFailure Status = "failure"
)

// Request describes one run.
type Request struct {
	// Date is recorded on every entry; zero means today. Upstream always
	// serves the live listing regardless of Date.
	Date time.Time
	// SortKeys are processed in order; empty means popularity only.
	SortKeys           []string
	CollectAllWeekdays bool
	Weekday            chart.Weekday
	Filter             chart.Filter
}

// KeyReport is the outcome for one sort key.
type KeyReport struct {
	SortKey  string `json:"sort_key"`
	Status   Status `json:"status"`
	Entries  int64  `json:"entries"`
	Profiles int64  `json:"profiles"`
	Skipped  int    `json:"skipped"`
	Rejected int    `json:"rejected"`
	Error    string `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID       string          `json:"run_id"`
	ChartDate   string          `json:"chart_date"`
	Status      Status          `json:"status"`
	Strategy    string          `json:"strategy,omitempty"`
	Weekdays    []chart.Weekday `json:"weekdays,omitempty"`
	Items       int             `json:"items"`
	ArchiveURIs []string        `json:"archive_uris,omitempty"`
	Keys        []KeyReport     `json:"keys"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Attributes are attached to the published run message.
func (r Report) Attributes() map[string]string {
	return map[string]string{
		"run_id":     r.RunID,
		"chart_date": r.ChartDate,
		"status":     string(r.Status),
	}
}

// OK reports whether every sort key succeeded.
func (r Report) OK() bool {
	return r.Status == StatusSuccess
}
