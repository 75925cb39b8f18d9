package api

import (
	"net/http"

	"github.com/seantiz/conduit/internal/engine"
	"github.com/seantiz/conduit/internal/queue"
)

// executersResponse is the JSON response for GET /v1/executers.
type executersResponse struct {
	Executers []engine.ExecuterInfo             `json:"executers"`
	Transfers map[string]map[string]queue.Stats `json:"transfers"`
}

func (s *Server) handleListExecuters(w http.ResponseWriter, _ *http.Request) {
	execs := s.engine.Registry().List()

	transfers := make(map[string]map[string]queue.Stats)
	for _, info := range execs {
		project := info.Key.ProjectID
		if _, ok := transfers[project]; ok {
			continue
		}
		if stats := s.engine.Transfers().Stats(project); len(stats) > 0 {
			transfers[project] = stats
		}
	}

	s.writeJSON(w, http.StatusOK, executersResponse{
		Executers: execs,
		Transfers: transfers,
	})
}
