package acquire

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

func TestDecodeListingFlattensGroups(t *testing.T) {
	t.Parallel()

	body := `{"data": [
		{"cardGroups": [{"cards": [{"id": 1, "content": {"title": "A"}}]}, {"cards": [{"id": "2", "content": {"title": "B"}}]}]},
		{"cardGroups": [{"cards": [{"id": 3, "content": "oops"}]}]}
	]}`
	items, err := DecodeListing([]byte(body))
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "1", items[0].ID.String())
	require.Equal(t, "B", items[1].Content.Title)
	require.Error(t, items[2].DecodeErr)
}

func TestDecodeListingRejectsEmptyAndMalformed(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"data": []}`, `{"data": [{"cardGroups": []}]}`, `not json`, `{"data": {"x": 1}}`} {
		_, err := DecodeListing([]byte(body))
		require.ErrorIs(t, err, chart.ErrNoListing, body)
	}
}

func nextDataPage(queries string) string {
	return fmt.Sprintf(`<html><head></head><body>
<script id="__NEXT_DATA__" type="application/json">
{"props": {"pageProps": {"initialProps": {"dehydratedState": {"queries": [%s]}}}}}
</script></body></html>`, queries)
}

func query(key string, listing string) string {
	return fmt.Sprintf(`{"queryKey": ["timetable", %q], "state": {"data": {"success": true, "data": %s}}}`, key, listing)
}

func TestListingFromHTMLSelectsWeekdayQuery(t *testing.T) {
	t.Parallel()

	page := nextDataPage(query("timetable_mon", listingJSON("m1", "m2")) + "," + query("timetable_tue", listingJSON("t1")))

	items, raw, err := ListingFromHTML([]byte(page), chart.Tuesday)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "t1", items[0].ID.String())
	require.Contains(t, string(raw), "cardGroups")

	items, _, err = ListingFromHTML([]byte(page), chart.Monday)
	require.NoError(t, err)
	require.Len(t, items, 2)

	_, _, err = ListingFromHTML([]byte(page), chart.Friday)
	require.ErrorIs(t, err, chart.ErrNoListing)
}

func TestListingFromHTMLUnscopedListing(t *testing.T) {
	t.Parallel()

	page := nextDataPage(fmt.Sprintf(`{"queryKey": ["home"], "state": {"data": {"data": %s}}}`, listingJSON("x1", "x2")))
	items, _, err := ListingFromHTML([]byte(page), chart.Sunday)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestListingFromHTMLFallsBackToJSONScripts(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<script type="application/json">{"config": true}</script>
<script type="application/json">{"payload": ` + listingJSON("j1") + `}</script>
</body></html>`
	items, _, err := ListingFromHTML([]byte(page), chart.Monday)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "j1", items[0].ID.String())
}

func TestListingFromHTMLWithoutHydration(t *testing.T) {
	t.Parallel()

	_, _, err := ListingFromHTML([]byte(`<html><body><div>nothing</div></body></html>`), chart.Monday)
	require.ErrorIs(t, err, chart.ErrNoListing)
}

func TestListingFromHTMLKeepsLargeNumericIDs(t *testing.T) {
	t.Parallel()

	listing := `{"data": [{"cardGroups": [{"cards": [{"id": 12345678901234567, "content": {"title": "Big"}}]}]}]}`
	page := nextDataPage(query("timetable_mon", listing))

	items, raw, err := ListingFromHTML([]byte(page), chart.Monday)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "12345678901234567", items[0].ID.String())
	require.Contains(t, string(raw), "12345678901234567")
}
