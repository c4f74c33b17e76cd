package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/loader"
)

type entryKey struct {
	date    string
	webtoon string
	sortKey chart.SortKey
}

type staging struct {
	kind     loader.Kind
	profiles []chart.Profile
	entries  []chart.Entry
}

// Warehouse mirrors the Postgres merge rules over in-memory tables.
type Warehouse struct {
	mu       sync.RWMutex
	profiles map[string]chart.Profile
	entries  map[entryKey]chart.Entry
	staging  map[string]*staging
}

// NewWarehouse constructs an empty Warehouse.
func NewWarehouse() *Warehouse {
	return &Warehouse{
		profiles: make(map[string]chart.Profile),
		entries:  make(map[entryKey]chart.Entry),
		staging:  make(map[string]*staging),
	}
}

// CreateStaging registers an empty staging table.
func (w *Warehouse) CreateStaging(_ context.Context, kind loader.Kind, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if kind != loader.KindProfile && kind != loader.KindEntry {
		return fmt.Errorf("unknown record kind %q", kind)
	}
	if _, exists := w.staging[name]; exists {
		return fmt.Errorf("staging table %s already exists", name)
	}
	w.staging[name] = &staging{kind: kind}
	return nil
}

// CopyProfiles appends rows in arrival order.
func (w *Warehouse) CopyProfiles(_ context.Context, name string, rows []chart.Profile, _ int) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stg, err := w.stagingFor(name, loader.KindProfile)
	if err != nil {
		return 0, err
	}
	stg.profiles = append(stg.profiles, rows...)
	return int64(len(rows)), nil
}

// CopyEntries appends rows in arrival order.
func (w *Warehouse) CopyEntries(_ context.Context, name string, rows []chart.Entry, _ int) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stg, err := w.stagingFor(name, loader.KindEntry)
	if err != nil {
		return 0, err
	}
	stg.entries = append(stg.entries, rows...)
	return int64(len(rows)), nil
}

// MergeProfiles keeps the latest staged row per webtoon (later arrival wins
// ties) and writes it unless the stored row is newer. updated_at is refreshed
// on every write; the count only includes inserted or attribute-changed rows.
func (w *Warehouse) MergeProfiles(_ context.Context, name string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stg, err := w.stagingFor(name, loader.KindProfile)
	if err != nil {
		return 0, err
	}
	latest := make(map[string]chart.Profile, len(stg.profiles))
	for _, p := range stg.profiles {
		if cur, ok := latest[p.WebtoonID]; ok && cur.UpdatedAt.After(p.UpdatedAt) {
			continue
		}
		latest[p.WebtoonID] = p
	}
	var affected int64
	for id, p := range latest {
		existing, ok := w.profiles[id]
		if !ok {
			w.profiles[id] = cloneProfile(p)
			affected++
			continue
		}
		if existing.UpdatedAt.After(p.UpdatedAt) {
			continue
		}
		updated := cloneProfile(p)
		updated.CreatedAt = existing.CreatedAt
		w.profiles[id] = updated
		if !sameAttributes(existing, p) {
			affected++
		}
	}
	return affected, nil
}

// MergeEntries inserts staged entries whose key is absent; the first staged
// row of a duplicated key wins.
func (w *Warehouse) MergeEntries(_ context.Context, name string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stg, err := w.stagingFor(name, loader.KindEntry)
	if err != nil {
		return 0, err
	}
	var affected int64
	for _, e := range stg.entries {
		key := keyOf(e)
		if _, exists := w.entries[key]; exists {
			continue
		}
		w.entries[key] = e
		affected++
	}
	return affected, nil
}

// DropStaging forgets a staging table; dropping an unknown table is not an error.
func (w *Warehouse) DropStaging(_ context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.staging, name)
	return nil
}

// Profiles returns the stored profiles ordered by webtoon id.
func (w *Warehouse) Profiles() []chart.Profile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]chart.Profile, 0, len(w.profiles))
	for _, p := range w.profiles {
		out = append(out, cloneProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WebtoonID < out[j].WebtoonID })
	return out
}

// Entries returns the stored entries ordered by date, sort key and rank.
func (w *Warehouse) Entries() []chart.Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]chart.Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ChartDate.Equal(b.ChartDate) {
			return a.ChartDate.Before(b.ChartDate)
		}
		if a.SortKey != b.SortKey {
			return a.SortKey < b.SortKey
		}
		return a.Rank < b.Rank
	})
	return out
}

// StagingCount reports how many staging tables are still open.
func (w *Warehouse) StagingCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.staging)
}

func (w *Warehouse) stagingFor(name string, kind loader.Kind) (*staging, error) {
	stg, ok := w.staging[name]
	if !ok {
		return nil, fmt.Errorf("staging table %s does not exist", name)
	}
	if stg.kind != kind {
		return nil, fmt.Errorf("staging table %s holds %s rows, not %s", name, stg.kind, kind)
	}
	return stg, nil
}

func keyOf(e chart.Entry) entryKey {
	return entryKey{
		date:    chart.DateOnly(e.ChartDate).Format(time.DateOnly),
		webtoon: e.WebtoonID,
		sortKey: e.SortKey,
	}
}

func sameAttributes(a, b chart.Profile) bool {
	a, b = cloneProfile(a), cloneProfile(b)
	a.CreatedAt, a.UpdatedAt = time.Time{}, time.Time{}
	b.CreatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

func cloneProfile(p chart.Profile) chart.Profile {
	p.Tags = append([]string(nil), p.Tags...)
	p.Badges = append([]string(nil), p.Badges...)
	return p
}
