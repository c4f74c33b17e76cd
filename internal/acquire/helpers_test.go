package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// listingJSON renders a timetable envelope with one card per id.
func listingJSON(ids ...string) string {
	cards := make([]string, 0, len(ids))
	for i, id := range ids {
		cards = append(cards, fmt.Sprintf(
			`{"id": %q, "content": {"title": "Title %s", "authors": [{"name": "A%s", "type": "AUTHOR"}]}, "sorting": {"popularity": %d}}`,
			id, id, id, 100-i))
	}
	return fmt.Sprintf(`{"data": [{"cardGroups": [{"cards": [%s]}]}]}`, strings.Join(cards, ","))
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeStrategy struct {
	name     string
	mu       sync.Mutex
	calls    []chart.Attempt
	results  map[chart.Weekday][]string
	err      error
	released int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Attempt(_ context.Context, a chart.Attempt) (chart.RawGroup, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, a)
	f.mu.Unlock()
	ids, ok := f.results[a.Weekday]
	if !ok {
		if f.err != nil {
			return chart.RawGroup{}, nil, f.err
		}
		return chart.RawGroup{}, nil, chart.ErrNoListing
	}
	body := listingJSON(ids...)
	items, err := DecodeListing([]byte(body))
	if err != nil {
		return chart.RawGroup{}, nil, err
	}
	return chart.RawGroup{Items: items}, []byte(body), nil
}

func (f *fakeStrategy) Release() error {
	f.released++
	return nil
}

type fakeFetcher struct {
	mu        sync.Mutex
	requests  []chart.FetchRequest
	responses map[string]fakeResponse
}

type fakeResponse struct {
	body string
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, req chart.FetchRequest) (chart.FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	for prefix, resp := range f.responses {
		if strings.HasPrefix(req.URL, prefix) {
			if resp.err != nil {
				return chart.FetchResponse{}, resp.err
			}
			return chart.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(resp.body)}, nil
		}
	}
	return chart.FetchResponse{}, &chart.StatusError{URL: req.URL, StatusCode: 404}
}

// fakeSession answers Evaluate calls by recognizing the script kind.
type fakeSession struct {
	navigated   []string
	initScripts []string
	intercepts  []chart.InterceptedResponse
	domCards    []domCard
	clickOK     bool
	scripts     []string
	closed      int
}

func (s *fakeSession) Navigate(_ context.Context, url string, initScripts ...string) error {
	s.navigated = append(s.navigated, url)
	s.initScripts = append(s.initScripts, initScripts...)
	return nil
}

func (s *fakeSession) Evaluate(_ context.Context, expression string, out any) error {
	s.scripts = append(s.scripts, expression)
	var value any
	switch {
	case expression == drainInterceptsScript:
		value = s.intercepts
		s.intercepts = nil
	case strings.HasPrefix(expression, "(async"):
		value = s.clickOK
	case strings.Contains(expression, "slice(0, 5)"):
		value = []string{"a", "b"}
	case strings.Contains(expression, "threshold"):
		value = s.domCards
	default:
		return fmt.Errorf("unexpected script %q", expression)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeLauncher struct {
	session  *fakeSession
	launches int
	err      error
}

func (l *fakeLauncher) Launch(context.Context) (chart.BrowserSession, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.launches++
	return l.session, nil
}
