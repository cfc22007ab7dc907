package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/core"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/store"
)

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, task *core.Task, exec *core.Execution) (*core.Outcome, error) {
	return &core.Outcome{PostID: 1, Title: task.Name}, nil
}

func newTestServer(t *testing.T, authToken string) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.DB.Close() })
	sched := core.NewScheduler(st, stubRunner{}, nil, logger, time.Minute)
	return NewServer("127.0.0.1:0", authToken, st, sched, logger)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope from %q: %v", rec.Body.String(), err)
	}
	return rec.Code, env
}

func validTaskRequest() map[string]any {
	return map[string]any{
		"name":        "weekly roundup",
		"template_id": "tpl-1",
		"site_id":     "site-1",
		"schedule":    "interval:300000",
		"params": map[string]any{
			"topic": "industry news",
			"ai":    map[string]any{"model": "gpt-4o", "api_key": "sk-test"},
			"site": map[string]any{
				"url":          "https://blog.example.com",
				"username":     "editor",
				"app_password": "xxxx",
			},
		},
	}
}

func TestCreateTask(t *testing.T) {
	srv := newTestServer(t, "")

	code, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks", validTaskRequest())
	if code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", code)
	}
	if !env.Success || env.Error != nil {
		t.Fatalf("envelope = %+v", env)
	}
	var task taskResponse
	if err := json.Unmarshal(env.Data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ID == "" || task.Schedule != "interval:300000" || !task.Enabled {
		t.Fatalf("task = %+v", task)
	}
	if task.NextRunAt == nil {
		t.Fatal("next_run_at not set for an enabled task")
	}
}

func TestCreateTaskUpsertsOnTemplateAndSite(t *testing.T) {
	srv := newTestServer(t, "")

	code, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks", validTaskRequest())
	if code != http.StatusCreated {
		t.Fatalf("first create status = %d", code)
	}
	var first taskResponse
	json.Unmarshal(env.Data, &first)

	resub := validTaskRequest()
	resub["name"] = "renamed roundup"
	resub["schedule"] = "weekly:1:9:0"
	code, env = doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks", resub)
	if code != http.StatusOK {
		t.Fatalf("resubmission status = %d, want 200", code)
	}
	var second taskResponse
	json.Unmarshal(env.Data, &second)
	if second.ID != first.ID {
		t.Fatalf("resubmission created a new task: %s vs %s", second.ID, first.ID)
	}
	if second.Name != "renamed roundup" || second.Schedule != "weekly:1:9:0" {
		t.Fatalf("resubmission did not update: %+v", second)
	}

	code, env = doJSON(t, srv.Handler(), http.MethodGet, "/v1/tasks", nil)
	if code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	var tasks []taskResponse
	json.Unmarshal(env.Data, &tasks)
	if len(tasks) != 1 {
		t.Fatalf("task count = %d, want 1", len(tasks))
	}
}

func TestCreateTaskRejectsBadSchedule(t *testing.T) {
	srv := newTestServer(t, "")

	bad := validTaskRequest()
	bad["schedule"] = "weekly:9:10"
	code, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks", bad)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if env.Success || env.Error == nil || env.Error.Code != "validation_error" {
		t.Fatalf("envelope = %+v", env)
	}

	// Nothing persisted.
	_, env = doJSON(t, srv.Handler(), http.MethodGet, "/v1/tasks", nil)
	var tasks []taskResponse
	json.Unmarshal(env.Data, &tasks)
	if len(tasks) != 0 {
		t.Fatalf("task count = %d, want 0", len(tasks))
	}
}

func TestCreateTaskRejectsMissingCredentials(t *testing.T) {
	srv := newTestServer(t, "")

	bad := validTaskRequest()
	bad["params"].(map[string]any)["site"].(map[string]any)["app_password"] = ""
	code, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks", bad)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if env.Error == nil || env.Error.Code != "credential_error" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t, "")
	code, env := doJSON(t, srv.Handler(), http.MethodGet, "/v1/tasks/nope", nil)
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if env.Success || env.Error == nil || env.Error.Code != "not_found" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestUpdateAndDeleteTask(t *testing.T) {
	srv := newTestServer(t, "")

	_, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks", validTaskRequest())
	var task taskResponse
	json.Unmarshal(env.Data, &task)

	upd := validTaskRequest()
	enabled := false
	upd["enabled"] = &enabled
	code, env := doJSON(t, srv.Handler(), http.MethodPut, "/v1/tasks/"+task.ID, upd)
	if code != http.StatusOK {
		t.Fatalf("update status = %d", code)
	}
	var updated taskResponse
	json.Unmarshal(env.Data, &updated)
	if updated.Enabled {
		t.Fatal("task still enabled after update")
	}
	if updated.NextRunAt != nil {
		t.Fatal("disabled task kept a next run")
	}

	code, _ = doJSON(t, srv.Handler(), http.MethodDelete, "/v1/tasks/"+task.ID, nil)
	if code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	code, _ = doJSON(t, srv.Handler(), http.MethodGet, "/v1/tasks/"+task.ID, nil)
	if code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", code)
	}
}

func TestRunAndStopTask(t *testing.T) {
	srv := newTestServer(t, "")

	_, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks", validTaskRequest())
	var task taskResponse
	json.Unmarshal(env.Data, &task)

	code, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks/"+task.ID+"/run", nil)
	if code != http.StatusAccepted {
		t.Fatalf("run status = %d, want 202", code)
	}
	var started map[string]string
	json.Unmarshal(env.Data, &started)
	if started["execution_id"] == "" {
		t.Fatal("no execution_id returned")
	}

	// The stub runner finishes immediately; stopping later conflicts.
	deadline := time.Now().Add(2 * time.Second)
	for srv.scheduler.IsRunning(task.ID) {
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	code, env = doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks/"+task.ID+"/stop", nil)
	if code != http.StatusConflict {
		t.Fatalf("stop status = %d, want 409", code)
	}
	if env.Error == nil || env.Error.Code != "conflict" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestListTaskExecutions(t *testing.T) {
	srv := newTestServer(t, "")

	_, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks", validTaskRequest())
	var task taskResponse
	json.Unmarshal(env.Data, &task)

	doJSON(t, srv.Handler(), http.MethodPost, "/v1/tasks/"+task.ID+"/run", nil)
	deadline := time.Now().Add(2 * time.Second)
	for srv.scheduler.IsRunning(task.ID) {
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	code, env := doJSON(t, srv.Handler(), http.MethodGet, "/v1/tasks/"+task.ID+"/executions", nil)
	if code != http.StatusOK {
		t.Fatalf("list executions status = %d", code)
	}
	var execs []executionResponse
	json.Unmarshal(env.Data, &execs)
	if len(execs) != 1 {
		t.Fatalf("execution count = %d, want 1", len(execs))
	}
	if execs[0].Status != string(core.ExecutionStatusCompleted) {
		t.Fatalf("status = %s, want completed", execs[0].Status)
	}

	code, env = doJSON(t, srv.Handler(), http.MethodGet, "/v1/executions/"+execs[0].ID, nil)
	if code != http.StatusOK {
		t.Fatalf("get execution status = %d", code)
	}
}

func TestSchedulePreview(t *testing.T) {
	srv := newTestServer(t, "")

	code, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/schedule/preview", map[string]any{
		"schedule": "interval:60000",
		"now":      "2026-03-01T12:00:00Z",
		"count":    3,
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var preview schedulePreviewResponse
	json.Unmarshal(env.Data, &preview)
	if !preview.Valid || preview.Kind != "interval" {
		t.Fatalf("preview = %+v", preview)
	}
	want := []string{"2026-03-01T12:01:00Z", "2026-03-01T12:02:00Z", "2026-03-01T12:03:00Z"}
	if len(preview.NextTimes) != len(want) {
		t.Fatalf("next_times = %v, want %v", preview.NextTimes, want)
	}
	for i := range want {
		if preview.NextTimes[i] != want[i] {
			t.Fatalf("next_times = %v, want %v", preview.NextTimes, want)
		}
	}
}

func TestSchedulePreviewInvalidDescriptor(t *testing.T) {
	srv := newTestServer(t, "")

	code, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/schedule/preview", map[string]any{
		"schedule": "cron:@daily",
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var preview schedulePreviewResponse
	json.Unmarshal(env.Data, &preview)
	if preview.Valid || preview.Message == "" {
		t.Fatalf("preview = %+v", preview)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}
	var env envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Success || env.Error == nil || env.Error.Code != "unauthorized" {
		t.Fatalf("envelope = %+v", env)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", rec.Code)
	}
}
