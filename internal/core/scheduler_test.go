package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	execs    map[string]*Execution
	due      []*Task
	output   map[string][]string
	lastRun  map[string]*time.Time
	nextRun  map[string]*time.Time
	schedule chan string // task IDs whose schedule info was rewritten
}

func newMemStore(tasks ...*Task) *memStore {
	m := &memStore{
		tasks:    make(map[string]*Task),
		execs:    make(map[string]*Execution),
		output:   make(map[string][]string),
		lastRun:  make(map[string]*time.Time),
		nextRun:  make(map[string]*time.Time),
		schedule: make(chan string, 16),
	}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *memStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	return t, nil
}

func (m *memStore) ListDueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := m.due
	m.due = nil
	return due, nil
}

func (m *memStore) UpdateTaskScheduleInfo(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	m.mu.Lock()
	m.lastRun[id] = lastRunAt
	m.nextRun[id] = nextRunAt
	m.mu.Unlock()
	m.schedule <- id
	return nil
}

func (m *memStore) StartExecution(ctx context.Context, taskID string, startedAt time.Time) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		if e.TaskID == taskID && e.Status == ExecutionStatusRunning {
			return nil, ErrExecutionRunning
		}
	}
	exec := &Execution{ID: NewID(), TaskID: taskID, Status: ExecutionStatusRunning, StartedAt: startedAt}
	m.execs[exec.ID] = exec
	return exec, nil
}

func (m *memStore) CompleteExecution(ctx context.Context, id string, status ExecutionStatus, endedAt time.Time, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return errors.New("execution not found")
	}
	if e.Status != ExecutionStatusRunning {
		return nil
	}
	e.Status = status
	e.EndedAt = &endedAt
	e.Error = errMsg
	return nil
}

func (m *memStore) CancelExecution(ctx context.Context, id string, endedAt time.Time) error {
	return m.CompleteExecution(ctx, id, ExecutionStatusCancelled, endedAt, nil)
}

func (m *memStore) RecordOutput(ctx context.Context, executionID, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output[executionID] = append(m.output[executionID], line)
	return nil
}

func (m *memStore) execStatus(id string) ExecutionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.execs[id]; ok {
		return e.Status
	}
	return ""
}

type funcRunner struct {
	fn func(ctx context.Context, task *Task, exec *Execution) (*Outcome, error)
}

func (r funcRunner) Run(ctx context.Context, task *Task, exec *Execution) (*Outcome, error) {
	return r.fn(ctx, task, exec)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitScheduleUpdate(t *testing.T, store *memStore, taskID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case id := <-store.schedule:
			if id == taskID {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for schedule recompute")
		}
	}
}

func TestRunNowCompletesAndRecomputes(t *testing.T) {
	task := &Task{ID: "t1", Name: "daily post", Schedule: "interval:300000", Enabled: true}
	store := newMemStore(task)
	runner := funcRunner{fn: func(ctx context.Context, task *Task, exec *Execution) (*Outcome, error) {
		return &Outcome{PostID: 1, PostURL: "https://blog.example.com/?p=1", Title: "hello"}, nil
	}}
	sched := NewScheduler(store, runner, nil, discardLogger(), time.Minute)

	exec, err := sched.RunNow(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	waitScheduleUpdate(t, store, "t1")

	if got := store.execStatus(exec.ID); got != ExecutionStatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	store.mu.Lock()
	last, next := store.lastRun["t1"], store.nextRun["t1"]
	lines := store.output[exec.ID]
	store.mu.Unlock()

	if last == nil || !last.Equal(exec.StartedAt) {
		t.Fatalf("lastRun = %v, want %v", last, exec.StartedAt)
	}
	want := exec.StartedAt.Add(5 * time.Minute)
	if next == nil || !next.Equal(want) {
		t.Fatalf("nextRun = %v, want %v", next, want)
	}
	if len(lines) == 0 || !strings.Contains(lines[len(lines)-1], "post_url") {
		t.Fatalf("outcome summary not recorded: %v", lines)
	}
}

func TestRunNowConflictsWhileRunning(t *testing.T) {
	task := &Task{ID: "t1", Schedule: "interval:300000", Enabled: true}
	store := newMemStore(task)
	release := make(chan struct{})
	runner := funcRunner{fn: func(ctx context.Context, task *Task, exec *Execution) (*Outcome, error) {
		<-release
		return &Outcome{}, nil
	}}
	sched := NewScheduler(store, runner, nil, discardLogger(), time.Minute)

	if _, err := sched.RunNow(context.Background(), "t1"); err != nil {
		t.Fatalf("first RunNow error: %v", err)
	}
	if _, err := sched.RunNow(context.Background(), "t1"); !errors.Is(err, ErrExecutionRunning) {
		t.Fatalf("second RunNow error = %v, want ErrExecutionRunning", err)
	}
	if !sched.IsRunning("t1") {
		t.Fatal("IsRunning = false, want true")
	}
	close(release)
	waitScheduleUpdate(t, store, "t1")
	// The handle is deregistered just after the recompute lands.
	deadline := time.Now().Add(2 * time.Second)
	for sched.IsRunning("t1") {
		if time.Now().After(deadline) {
			t.Fatal("IsRunning = true after completion")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStopTaskCancelsRun(t *testing.T) {
	task := &Task{ID: "t1", Schedule: "interval:300000", Enabled: true}
	store := newMemStore(task)
	runner := funcRunner{fn: func(ctx context.Context, task *Task, exec *Execution) (*Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	sched := NewScheduler(store, runner, nil, discardLogger(), time.Minute)

	exec, err := sched.RunNow(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	if err := sched.StopTask("t1"); err != nil {
		t.Fatalf("StopTask error: %v", err)
	}
	waitScheduleUpdate(t, store, "t1")
	if got := store.execStatus(exec.ID); got != ExecutionStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
}

func TestStopTaskWithoutRun(t *testing.T) {
	store := newMemStore(&Task{ID: "t1"})
	sched := NewScheduler(store, funcRunner{}, nil, discardLogger(), time.Minute)
	if err := sched.StopTask("t1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("StopTask error = %v, want ErrNotRunning", err)
	}
}

func TestFailedRunRecordsError(t *testing.T) {
	task := &Task{ID: "t1", Name: "broken", Schedule: "interval:300000", Enabled: true}
	store := newMemStore(task)
	runner := funcRunner{fn: func(ctx context.Context, task *Task, exec *Execution) (*Outcome, error) {
		return nil, errors.New("generate content: model overloaded")
	}}
	sched := NewScheduler(store, runner, nil, discardLogger(), time.Minute)

	exec, err := sched.RunNow(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	waitScheduleUpdate(t, store, "t1")

	store.mu.Lock()
	e := store.execs[exec.ID]
	store.mu.Unlock()
	if e.Status != ExecutionStatusFailed {
		t.Fatalf("status = %s, want failed", e.Status)
	}
	if e.Error == nil || !strings.Contains(*e.Error, "model overloaded") {
		t.Fatalf("error not recorded: %v", e.Error)
	}
}

func TestFiredDateScheduleClearsNextRun(t *testing.T) {
	// A stored date descriptor no longer parses once its instant has passed;
	// the recompute marks the run and leaves next-run empty.
	task := &Task{ID: "t1", Schedule: "date:2020-01-01T00:00:00Z", Enabled: true}
	store := newMemStore(task)
	runner := funcRunner{fn: func(ctx context.Context, task *Task, exec *Execution) (*Outcome, error) {
		return &Outcome{}, nil
	}}
	sched := NewScheduler(store, runner, nil, discardLogger(), time.Minute)

	if _, err := sched.RunNow(context.Background(), "t1"); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	waitScheduleUpdate(t, store, "t1")

	store.mu.Lock()
	last, next := store.lastRun["t1"], store.nextRun["t1"]
	store.mu.Unlock()
	if last == nil {
		t.Fatal("lastRun not set")
	}
	if next != nil {
		t.Fatalf("nextRun = %v, want nil", next)
	}
}

func TestTickerDispatchesDueTasks(t *testing.T) {
	task := &Task{ID: "t1", Schedule: "interval:300000", Enabled: true}
	store := newMemStore(task)
	store.due = []*Task{task}
	ran := make(chan string, 1)
	runner := funcRunner{fn: func(ctx context.Context, task *Task, exec *Execution) (*Outcome, error) {
		ran <- task.ID
		return &Outcome{}, nil
	}}
	sched := NewScheduler(store, runner, nil, discardLogger(), 10*time.Millisecond)

	sched.Start(context.Background())
	defer sched.Stop()

	select {
	case id := <-ran:
		if id != "t1" {
			t.Fatalf("ran task %s, want t1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("due task never dispatched")
	}
	waitScheduleUpdate(t, store, "t1")
}
