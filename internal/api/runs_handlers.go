package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

const runsTimeout = 3 * time.Second

type runResponse struct {
	ID         string          `json:"id"`
	ChartDate  string          `json:"chart_date"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Report     json.RawMessage `json:"report,omitempty"`
}

// lastRun handles GET /v1/runs/last. It returns 404 before the first run and
// 503 when no run store is configured.
func (s *Server) lastRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), runsTimeout)
	defer cancel()

	rec, err := s.runs.LastRun(ctx)
	switch {
	case errors.Is(err, chart.ErrNoRuns):
		s.writeError(w, http.StatusNotFound, "no runs recorded")
		return
	case err != nil:
		s.logger.Error("load last run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load last run")
		return
	}
	s.writeJSON(w, http.StatusOK, runResponse{
		ID:         rec.ID,
		ChartDate:  rec.ChartDate.Format(time.DateOnly),
		Status:     rec.Status,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Report:     rec.Report,
	})
}
