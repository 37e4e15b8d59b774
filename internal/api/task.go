package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mgrady/taskvisor/internal/model"
	"github.com/mgrady/taskvisor/internal/store"
	"github.com/mgrady/taskvisor/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitTaskRequest is the JSON body for POST /v1/tasks and /v1/tasks/detached.
type submitTaskRequest struct {
	Runner   string   `json:"runner"`
	Args     []string `json:"args"`
	TimeoutS *int     `json:"timeout_s"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) decodeSubmit(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	var req submitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}

	if req.Runner == "" {
		s.writeError(w, http.StatusBadRequest, "runner is required")
		return nil, false
	}

	return &model.Task{
		ID:        model.NewID(),
		Runner:    req.Runner,
		Args:      req.Args,
		Status:    model.StatusPending,
		TimeoutS:  req.TimeoutS,
		CreatedAt: time.Now().UTC(),
	}, true
}

// submitError maps engine submission failures onto HTTP statuses: caller
// misuse is 400, a spawner that cannot accept children is 503.
func (s *Server) submitError(w http.ResponseWriter, err error) {
	var invalid *task.InvalidArgumentError
	var spawn *task.SpawnError
	switch {
	case errors.As(err, &invalid):
		s.writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.As(err, &spawn):
		s.writeError(w, http.StatusServiceUnavailable, spawn.Error())
	default:
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
	}
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}

	if err := s.engine.Submit(r.Context(), t); err != nil {
		s.submitError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleSubmitDetached(w http.ResponseWriter, r *http.Request) {
	t, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}

	if err := s.engine.SubmitDetached(r.Context(), t); err != nil {
		s.submitError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
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

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleKillTask terminates a task's worker. Killing an already-finished
// task succeeds: termination is idempotent.
func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Kill(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("kill task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to kill task")
		return
	}

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Error("get killed task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Workers())
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
