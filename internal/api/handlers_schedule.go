package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/core"
)

type schedulePreviewRequest struct {
	Schedule string `json:"schedule"`
	Now      string `json:"now,omitempty"`
	Count    int    `json:"count,omitempty"`
}

type schedulePreviewResponse struct {
	Valid     bool     `json:"valid"`
	Kind      string   `json:"kind,omitempty"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// handleSchedulePreview validates a schedule descriptor and previews its next
// occurrences. One-shot date schedules yield a single instant.
func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req schedulePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	descriptor := strings.TrimSpace(req.Schedule)
	if descriptor == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "schedule is required")
		return
	}
	sched, err := core.ParseSchedule(descriptor)
	if err != nil {
		writeData(w, http.StatusOK, schedulePreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}
	base := time.Now().UTC()
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed
		}
	}

	times := make([]string, 0, count)
	cursor := base
	for i := 0; i < count; i++ {
		next := sched.Next(cursor)
		if next == nil {
			break
		}
		times = append(times, next.UTC().Format(time.RFC3339))
		cursor = *next
	}
	writeData(w, http.StatusOK, schedulePreviewResponse{Valid: true, Kind: string(sched.Kind), NextTimes: times})
}
