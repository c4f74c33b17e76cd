package chart

import (
	"context"
	"io"
	"net/http"
	"time"
)

// FetchRequest describes one HTTP GET against upstream.
type FetchRequest struct {
	URL     string
	Headers http.Header
	// Mobile selects the mobile browser identity.
	Mobile bool
}

// FetchResponse is the result of a successful fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// Fetcher performs HTTP GETs with the browser identity and retry policy applied.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Strategy is one way of obtaining a weekday listing.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, attempt Attempt) (RawGroup, []byte, error)
}

// BrowserSession is a live page that can navigate and evaluate script.
type BrowserSession interface {
	// Navigate loads url after registering initScripts to run before any page script.
	Navigate(ctx context.Context, url string, initScripts ...string) error
	// Evaluate runs expression and decodes its JSON result into out.
	Evaluate(ctx context.Context, expression string, out any) error
	Close() error
}

// BrowserLauncher starts browser sessions.
type BrowserLauncher interface {
	Launch(ctx context.Context) (BrowserSession, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archived payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy decides whether and when a failed call is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// RunStore persists run reports for the ops surface.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	LastRun(ctx context.Context) (RunRecord, error)
}
