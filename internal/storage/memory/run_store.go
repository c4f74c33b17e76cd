package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// RunStore keeps run records in arrival order.
type RunStore struct {
	mu   sync.RWMutex
	runs []chart.RunRecord
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{}
}

// SaveRun stores a run record; ids must be unique.
func (s *RunStore) SaveRun(_ context.Context, run chart.RunRecord) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.ID == run.ID {
			return errors.New("run already exists")
		}
	}
	run.Report = append([]byte(nil), run.Report...)
	s.runs = append(s.runs, run)
	return nil
}

// LastRun returns the most recently saved run.
func (s *RunStore) LastRun(_ context.Context) (chart.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.runs) == 0 {
		return chart.RunRecord{}, chart.ErrNoRuns
	}
	run := s.runs[len(s.runs)-1]
	run.Report = append([]byte(nil), run.Report...)
	return run, nil
}
