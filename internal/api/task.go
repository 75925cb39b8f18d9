package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/conduit/internal/engine"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*store.TaskRecord `json:"tasks"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// handleSubmitTask accepts a task definition and dispatches it in the
// background. The response is the persisted record, not the live task.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if t.ID != "" {
		s.writeError(w, http.StatusBadRequest, "id is assigned by the server")
		return
	}

	if err := s.engine.Submit(r.Context(), &t); err != nil {
		if errors.Is(err, engine.ErrInvalidTask) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	rec, err := s.store.GetTask(r.Context(), t.ID)
	if err != nil {
		s.logger.Error("get submitted task", "task_id", t.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), r.URL.Query().Get("project"), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelTask stops an in-flight task. Settled or unknown tasks are a
// conflict and a not-found respectively.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookupTask(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrNotActive) {
			s.writeError(w, http.StatusConflict, "task is not active")
			return
		}
		s.logger.Error("cancel task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	rec, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Error("get canceled task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type stopProjectResponse struct {
	ProjectID string `json:"project_id"`
	Canceled  int    `json:"canceled"`
}

func (s *Server) handleStopProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n := s.engine.StopProject(id)
	s.writeJSON(w, http.StatusOK, stopProjectResponse{ProjectID: id, Canceled: n})
}

// lookupTask loads the task named by the id URL parameter, writing a 404
// or 500 response when it cannot.
func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*store.TaskRecord, bool) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return nil, false
	}
	return rec, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
