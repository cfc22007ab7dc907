package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/core"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/store"
)

type executionResponse struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
	Output    string  `json:"output,omitempty"`
	Error     *string `json:"error,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func (s *Server) handleListTaskExecutions(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.writeStoreError(w, "get task for executions", taskID, err)
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	execs, err := s.store.ListExecutions(r.Context(), taskID, limit, offset)
	if err != nil {
		s.logger.Error("list executions", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list executions")
		return
	}

	resp := make([]executionResponse, 0, len(execs))
	for _, exec := range execs {
		resp = append(resp, executionToResponse(exec))
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	exec, err := s.store.GetExecution(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "execution not found")
		} else {
			s.logger.Error("get execution", "execution_id", executionID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load execution")
		}
		return
	}
	writeData(w, http.StatusOK, executionToResponse(exec))
}

func executionToResponse(exec *core.Execution) executionResponse {
	var ended *string
	if exec.EndedAt != nil {
		formatted := exec.EndedAt.UTC().Format(time.RFC3339)
		ended = &formatted
	}
	return executionResponse{
		ID:        exec.ID,
		TaskID:    exec.TaskID,
		Status:    string(exec.Status),
		StartedAt: exec.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:   ended,
		Output:    exec.Output,
		Error:     exec.Error,
		CreatedAt: exec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
