// Package sorting reorders raw listing items by a chosen metric, standing in
// for the server-side sort the upstream does not offer.
package sorting

import (
	"sort"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// Order returns a copy of items sorted by the metric's score, highest first.
// Missing scores count as zero and ties keep upstream order. The input slice
// is left untouched.
func Order(items []chart.RawItem, metric chart.SortKey) []chart.RawItem {
	out := make([]chart.RawItem, len(items))
	copy(out, items)
	key := string(metric)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Sorting[key] > out[j].Sorting[key]
	})
	return out
}

// OrderResult applies Order to every group, keeping group order.
func OrderResult(result chart.RawResult, metric chart.SortKey) chart.RawResult {
	groups := make([]chart.RawGroup, len(result.Groups))
	for i, g := range result.Groups {
		groups[i] = chart.RawGroup{Weekday: g.Weekday, Items: Order(g.Items, metric)}
	}
	result.Groups = groups
	return result
}
