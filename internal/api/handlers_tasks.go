package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/core"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/store"
)

type taskRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	TemplateID  string              `json:"template_id"`
	SiteID      string              `json:"site_id"`
	Schedule    string              `json:"schedule"`
	Enabled     *bool               `json:"enabled"`
	Params      core.PipelineParams `json:"params"`
}

type taskResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	TemplateID  string              `json:"template_id"`
	SiteID      string              `json:"site_id"`
	Schedule    string              `json:"schedule"`
	Enabled     bool                `json:"enabled"`
	Params      core.PipelineParams `json:"params"`
	LastRunAt   *string             `json:"last_run_at,omitempty"`
	NextRunAt   *string             `json:"next_run_at,omitempty"`
	CreatedAt   string              `json:"created_at"`
	UpdatedAt   string              `json:"updated_at"`
}

// validate checks the request and parses its schedule. Errors are reported
// before anything is persisted.
func (req *taskRequest) validate() (core.Schedule, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.TemplateID = strings.TrimSpace(req.TemplateID)
	req.SiteID = strings.TrimSpace(req.SiteID)
	if req.Name == "" {
		return core.Schedule{}, &core.ValidationError{Field: "name", Message: "name is required"}
	}
	if req.TemplateID == "" {
		return core.Schedule{}, &core.ValidationError{Field: "template_id", Message: "template_id is required"}
	}
	if req.SiteID == "" {
		return core.Schedule{}, &core.ValidationError{Field: "site_id", Message: "site_id is required"}
	}
	sched, err := core.ParseSchedule(req.Schedule)
	if err != nil {
		return core.Schedule{}, err
	}
	if err := req.Params.Validate(); err != nil {
		return core.Schedule{}, err
	}
	return sched, nil
}

// handleCreateTask creates a publishing job, or updates the existing one
// carrying the same (template, site) key so re-submission never duplicates.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	sched, err := req.validate()
	if err != nil {
		writeRequestError(w, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	existing, err := s.store.FindTaskByTemplateAndSite(r.Context(), req.TemplateID, req.SiteID)
	if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		s.logger.Error("lookup task by template and site", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to look up task")
		return
	}
	if existing != nil {
		applyRequest(existing, &req, sched, enabled)
		if err := s.store.UpdateTask(r.Context(), existing); err != nil {
			s.logger.Error("upsert task", "task_id", existing.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to update task")
			return
		}
		writeData(w, http.StatusOK, taskToResponse(existing))
		return
	}

	task := &core.Task{
		ID:          core.NewID(),
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		TemplateID:  req.TemplateID,
		SiteID:      req.SiteID,
		Schedule:    sched.String(),
		Enabled:     enabled,
		Params:      req.Params,
	}
	if enabled {
		task.NextRunAt = sched.Next(time.Now().UTC())
	}
	if err := s.store.InsertTask(r.Context(), task); err != nil {
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		return
	}
	writeData(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, "get task", taskID, err)
		return
	}
	writeData(w, http.StatusOK, taskToResponse(task))
}

// handleUpdateTask replaces all mutable fields of the task.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, "get task for update", taskID, err)
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	sched, err := req.validate()
	if err != nil {
		writeRequestError(w, err)
		return
	}

	enabled := task.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	applyRequest(task, &req, sched, enabled)

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.writeStoreError(w, "update task", taskID, err)
		return
	}
	writeData(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		s.writeStoreError(w, "delete task", taskID, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": taskID})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	exec, err := s.scheduler.RunNow(r.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		case errors.Is(err, core.ErrExecutionRunning):
			writeError(w, http.StatusConflict, "conflict", "task is already running")
		default:
			s.logger.Error("run task now", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to start task")
		}
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"execution_id": exec.ID})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.scheduler.StopTask(taskID); err != nil {
		if errors.Is(err, core.ErrNotRunning) {
			writeError(w, http.StatusConflict, "conflict", "task has no running execution")
			return
		}
		s.logger.Error("stop task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to stop task")
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"id": taskID})
}

func applyRequest(task *core.Task, req *taskRequest, sched core.Schedule, enabled bool) {
	task.Name = req.Name
	task.Description = strings.TrimSpace(req.Description)
	task.TemplateID = req.TemplateID
	task.SiteID = req.SiteID
	task.Schedule = sched.String()
	task.Enabled = enabled
	task.Params = req.Params
	if enabled {
		task.NextRunAt = sched.Next(time.Now().UTC())
	} else {
		task.NextRunAt = nil
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, op, taskID string, err error) {
	if errors.Is(err, store.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	s.logger.Error(op, "task_id", taskID, "err", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "operation failed")
}

func writeRequestError(w http.ResponseWriter, err error) {
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, "validation_error", verr.Error())
		return
	}
	var cerr *core.CredentialError
	if errors.As(err, &cerr) {
		writeError(w, http.StatusBadRequest, "credential_error", cerr.Error())
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
}

func taskToResponse(task *core.Task) taskResponse {
	var last, next *string
	if task.LastRunAt != nil {
		formatted := task.LastRunAt.UTC().Format(time.RFC3339)
		last = &formatted
	}
	if task.NextRunAt != nil {
		formatted := task.NextRunAt.UTC().Format(time.RFC3339)
		next = &formatted
	}
	return taskResponse{
		ID:          task.ID,
		Name:        task.Name,
		Description: task.Description,
		TemplateID:  task.TemplateID,
		SiteID:      task.SiteID,
		Schedule:    task.Schedule,
		Enabled:     task.Enabled,
		Params:      task.Params,
		LastRunAt:   last,
		NextRunAt:   next,
		CreatedAt:   task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
