package chart

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoListing reports a response that did not contain a parseable listing.
var ErrNoListing = errors.New("no listing found")

// ErrNoRuns is returned by a RunStore that has not recorded any run.
var ErrNoRuns = errors.New("no runs recorded")

// ErrUnknownSortKey reports a sort key outside the known metric set.
var ErrUnknownSortKey = errors.New("unknown sort key")

// StatusError is returned when upstream answers with a non-success status.
type StatusError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GET %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// StrategyError records why one strategy failed for one weekday.
type StrategyError struct {
	Strategy string
	Weekday  Weekday
	Err      error
}

func (e StrategyError) Error() string {
	return fmt.Sprintf("%s[%s]: %v", e.Strategy, e.Weekday, e.Err)
}

func (e StrategyError) Unwrap() error {
	return e.Err
}

// AcquisitionFailure is returned when every strategy failed.
type AcquisitionFailure struct {
	Attempts []StrategyError
}

func (e *AcquisitionFailure) Error() string {
	if len(e.Attempts) == 0 {
		return "acquisition failed: no strategies configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return "acquisition failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-strategy errors to errors.Is/As.
func (e *AcquisitionFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a)
	}
	return out
}

// ValidationError rejects a single record before it is staged.
type ValidationError struct {
	Key    string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid record: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid record %s: %s %s", e.Key, e.Field, e.Reason)
}
