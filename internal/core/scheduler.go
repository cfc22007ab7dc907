package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrExecutionRunning is returned when a second execution is started for a
// task whose previous run is still in flight.
var ErrExecutionRunning = errors.New("an execution is already running for this task")

// ErrNotRunning is returned when stopping a task that has no running execution.
var ErrNotRunning = errors.New("no running execution for this task")

// Store abstracts the persistence the scheduler needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	ListDueTasks(ctx context.Context, now time.Time) ([]*Task, error)
	UpdateTaskScheduleInfo(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error

	StartExecution(ctx context.Context, taskID string, startedAt time.Time) (*Execution, error)
	CompleteExecution(ctx context.Context, id string, status ExecutionStatus, endedAt time.Time, errMsg *string) error
	CancelExecution(ctx context.Context, id string, endedAt time.Time) error
	RecordOutput(ctx context.Context, executionID, line string) error
}

// Runner executes the content pipeline for one task run.
type Runner interface {
	Run(ctx context.Context, task *Task, exec *Execution) (*Outcome, error)
}

// Notifier is told about terminal run outcomes. Optional.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

type runHandle struct {
	executionID string
	cancel      context.CancelFunc
}

// Scheduler is a single, non-reentrant ticking coordinator: each coarse tick
// it starts executions for due tasks asynchronously and never blocks on
// pipeline I/O itself. A due task whose previous run is still in flight is
// skipped that tick; there is no queueing and no overlap.
type Scheduler struct {
	store    Store
	runner   Runner
	notifier Notifier
	logger   *slog.Logger
	tick     time.Duration

	mu      sync.Mutex
	running map[string]runHandle // taskID -> active run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler constructs a scheduler with the given dependencies.
// notifier may be nil.
func NewScheduler(store Store, runner Runner, notifier Notifier, logger *slog.Logger, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		notifier: notifier,
		logger:   logger,
		tick:     tick,
		running:  make(map[string]runHandle),
	}
}

// Start begins the ticking loop. ctx bounds the scheduler's lifetime.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case now := <-ticker.C:
				s.dispatchDue(now)
			}
		}
	}()
}

// Stop cancels in-flight runs and waits for them to finalize.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) dispatchDue(now time.Time) {
	tasks, err := s.store.ListDueTasks(s.ctx, now)
	if err != nil {
		s.logger.Error("list due tasks", "err", err)
		return
	}
	for _, task := range tasks {
		if _, err := s.startTask(task, now); err != nil {
			if errors.Is(err, ErrExecutionRunning) {
				s.logger.Info("skipping tick, previous run still in flight", "task_id", task.ID)
				continue
			}
			s.logger.Error("start execution", "task_id", task.ID, "err", err)
		}
	}
}

// RunNow starts an immediate execution for the task, bypassing its schedule.
// It returns ErrExecutionRunning if one is already in flight.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) (*Execution, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.startTask(task, time.Now().UTC())
}

// StopTask cooperatively cancels the task's running execution. The run is
// marked cancelled once the pipeline observes the cancellation between stages.
func (s *Scheduler) StopTask(taskID string) error {
	s.mu.Lock()
	handle, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	handle.cancel()
	return nil
}

// IsRunning reports whether the task has an execution in flight.
func (s *Scheduler) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

func (s *Scheduler) startTask(task *Task, now time.Time) (*Execution, error) {
	exec, err := s.store.StartExecution(s.ctxOrBackground(), task.ID, now)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.ctxOrBackground())
	s.mu.Lock()
	s.running[task.ID] = runHandle{executionID: exec.ID, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.running, task.ID)
			s.mu.Unlock()
		}()
		s.runExecution(runCtx, task, exec)
	}()
	return exec, nil
}

func (s *Scheduler) runExecution(ctx context.Context, task *Task, exec *Execution) {
	s.logger.Info("execution started", "task_id", task.ID, "execution_id", exec.ID)

	outcome, runErr := s.runner.Run(ctx, task, exec)

	// Finalization must survive scheduler shutdown.
	finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finCancel()
	endedAt := time.Now().UTC()

	switch {
	case runErr == nil:
		if summary, err := json.Marshal(outcome); err == nil {
			if err := s.store.RecordOutput(finCtx, exec.ID, string(summary)); err != nil {
				s.logger.Warn("record outcome", "execution_id", exec.ID, "err", err)
			}
		}
		if err := s.store.CompleteExecution(finCtx, exec.ID, ExecutionStatusCompleted, endedAt, nil); err != nil {
			s.logger.Error("complete execution", "execution_id", exec.ID, "err", err)
		}
		s.logger.Info("execution completed", "task_id", task.ID, "execution_id", exec.ID,
			"post_url", outcome.PostURL, "degraded", outcome.Degraded)
		s.notify(task, "published: "+outcome.Title, outcome.PostURL)
	case errors.Is(runErr, context.Canceled):
		if err := s.store.CancelExecution(finCtx, exec.ID, endedAt); err != nil {
			s.logger.Error("cancel execution", "execution_id", exec.ID, "err", err)
		}
		s.logger.Info("execution cancelled", "task_id", task.ID, "execution_id", exec.ID)
	default:
		msg := runErr.Error()
		if err := s.store.CompleteExecution(finCtx, exec.ID, ExecutionStatusFailed, endedAt, &msg); err != nil {
			s.logger.Error("fail execution", "execution_id", exec.ID, "err", err)
		}
		s.logger.Error("execution failed", "task_id", task.ID, "execution_id", exec.ID, "err", runErr)
		s.notify(task, "publishing failed: "+task.Name, msg)
	}

	s.recomputeSchedule(finCtx, task, exec.StartedAt)
}

// recomputeSchedule writes the task's new last-run and next-run instants.
// Interval schedules anchor on the run start; calendar schedules anchor on
// the current instant; a fired date schedule leaves next-run empty.
func (s *Scheduler) recomputeSchedule(ctx context.Context, task *Task, startedAt time.Time) {
	sched, err := ParseSchedule(task.Schedule)
	if err != nil {
		// Date descriptors stop parsing once the instant passes; treat the
		// schedule as fired rather than erroring the whole task.
		var verr *ValidationError
		if errors.As(err, &verr) && verr.Field == "date" {
			if uerr := s.store.UpdateTaskScheduleInfo(ctx, task.ID, &startedAt, nil); uerr != nil {
				s.logger.Error("update schedule info", "task_id", task.ID, "err", uerr)
			}
			return
		}
		s.logger.Error("parse schedule for recompute", "task_id", task.ID, "err", err)
		return
	}

	anchor := startedAt
	switch sched.Kind {
	case ScheduleCron, ScheduleWeekly, ScheduleMonthly:
		anchor = time.Now().UTC()
	}
	next := sched.Next(anchor)
	if err := s.store.UpdateTaskScheduleInfo(ctx, task.ID, &startedAt, next); err != nil {
		s.logger.Error("update schedule info", "task_id", task.ID, "err", err)
	}
}

func (s *Scheduler) notify(task *Task, title, body string) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Send(ctx, title, body); err != nil {
		s.logger.Warn("send notification", "task_id", task.ID, "err", err)
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
