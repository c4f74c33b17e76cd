package acquire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

type listingEnvelope struct {
	Data []struct {
		CardGroups []struct {
			Cards []json.RawMessage `json:"cards"`
		} `json:"cardGroups"`
	} `json:"data"`
}

// DecodeListing decodes a timetable body of the form
// {data:[{cardGroups:[{cards:[...]}]}]} into items, flattening every card
// group in order. Cards that fail to decode are kept with DecodeErr set.
func DecodeListing(body []byte) ([]chart.RawItem, error) {
	var env listingEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", chart.ErrNoListing, err)
	}
	var items []chart.RawItem
	for _, data := range env.Data {
		for _, group := range data.CardGroups {
			for _, card := range group.Cards {
				var item chart.RawItem
				if err := json.Unmarshal(card, &item); err != nil {
					item = chart.RawItem{DecodeErr: fmt.Errorf("decode card: %w", err)}
				}
				items = append(items, item)
			}
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: envelope has no cards", chart.ErrNoListing)
	}
	return items, nil
}

// listingCandidate is a listing-shaped object found inside a hydration payload.
type listingCandidate struct {
	hint string
	body []byte
}

// ListingFromHTML extracts the weekday listing embedded in a server-rendered
// page. The __NEXT_DATA__ script is searched first, then any JSON script tag.
// It returns the items plus the raw listing JSON that produced them.
func ListingFromHTML(html []byte, weekday chart.Weekday) ([]chart.RawItem, []byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}

	var scripts []string
	doc.Find("script#__NEXT_DATA__").Each(func(_ int, s *goquery.Selection) {
		scripts = append(scripts, s.Text())
	})
	doc.Find(`script[type="application/json"]`).Each(func(_ int, s *goquery.Selection) {
		if id, _ := s.Attr("id"); id == "__NEXT_DATA__" {
			return
		}
		scripts = append(scripts, s.Text())
	})
	if len(scripts) == 0 {
		return nil, nil, fmt.Errorf("%w: no hydration script", chart.ErrNoListing)
	}

	var candidates []listingCandidate
	for _, text := range scripts {
		root, err := decodeTree(text)
		if err != nil {
			continue
		}
		collectListings(root, "", &candidates)
	}
	chosen, ok := selectListing(candidates, weekday)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no %s listing in hydration data", chart.ErrNoListing, weekday)
	}
	items, err := DecodeListing(chosen.body)
	if err != nil {
		return nil, nil, err
	}
	return items, chosen.body, nil
}

// decodeTree decodes a hydration script keeping numbers as json.Number, so
// ids beyond float64 precision survive re-encoding.
func decodeTree(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(text)))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	return root, nil
}

// collectListings walks a decoded JSON tree depth-first and records every
// object that looks like a listing envelope. The nearest enclosing queryKey is
// carried down as a hint for weekday matching.
func collectListings(node any, hint string, out *[]listingCandidate) {
	switch v := node.(type) {
	case map[string]any:
		if key, ok := v["queryKey"]; ok {
			hint = fmt.Sprint(key)
		}
		if looksLikeListing(v) {
			if body, err := json.Marshal(v); err == nil {
				*out = append(*out, listingCandidate{hint: hint, body: body})
			}
			return
		}
		// Deterministic order: state before anything else, then the rest.
		if state, ok := v["state"]; ok {
			collectListings(state, hint, out)
		}
		for _, key := range sortedKeys(v) {
			if key == "state" {
				continue
			}
			collectListings(v[key], hint, out)
		}
	case []any:
		for _, child := range v {
			collectListings(child, hint, out)
		}
	}
}

func looksLikeListing(m map[string]any) bool {
	data, ok := m["data"].([]any)
	if !ok {
		return false
	}
	for _, entry := range data {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if groups, ok := obj["cardGroups"].([]any); ok && len(groups) > 0 {
			return true
		}
	}
	return false
}

// selectListing prefers the candidate whose hint names the weekday. When the
// payload carries weekday-scoped listings for other days only, nothing matches.
func selectListing(candidates []listingCandidate, weekday chart.Weekday) (listingCandidate, bool) {
	scoped := false
	for _, c := range candidates {
		w := weekdayOfHint(c.hint)
		if w == "" {
			continue
		}
		scoped = true
		if w == weekday {
			return c, true
		}
	}
	if scoped || len(candidates) == 0 {
		return listingCandidate{}, false
	}
	return candidates[0], true
}

func weekdayOfHint(hint string) chart.Weekday {
	for _, w := range chart.Weekdays() {
		if strings.Contains(hint, placementPrefix+string(w)) {
			return w
		}
	}
	return ""
}
