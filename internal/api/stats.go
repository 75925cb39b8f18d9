package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total               int            `json:"total"`
	ByState             map[string]int `json:"by_state"`
	ByHost              map[string]int `json:"by_host"`
	AvgDurationMS       float64        `json:"avg_duration_ms"`
	PendingStatusChecks int            `json:"pending_status_checks"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:               stats.Total,
		ByState:             stats.CountByState,
		ByHost:              stats.CountByHost,
		AvgDurationMS:       stats.AvgDurationMS,
		PendingStatusChecks: s.engine.PendingStatusChecks(),
	})
}
