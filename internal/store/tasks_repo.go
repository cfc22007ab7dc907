package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, name, description, template_id, site_id, schedule, enabled, params,
	last_run_at, next_run_at, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Description, task.TemplateID, task.SiteID, task.Schedule,
		boolToInt(task.Enabled), string(params), nullableTime(task.LastRunAt), nullableInstant(task.NextRunAt),
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask replaces all mutable fields of the task.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, description = ?, template_id = ?, site_id = ?, schedule = ?,
			enabled = ?, params = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.Description, task.TemplateID, task.SiteID, task.Schedule,
		boolToInt(task.Enabled), string(params), nullableTime(task.LastRunAt), nullableInstant(task.NextRunAt),
		task.UpdatedAt.Format(time.RFC3339Nano), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes the task; its executions cascade.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// FindTaskByTemplateAndSite looks up the task carrying the unique
// (template, site) key, supporting upsert semantics on submission.
func (s *Store) FindTaskByTemplateAndSite(ctx context.Context, templateID, siteID string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE template_id = ? AND site_id = ?
	`, templateID, siteID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListDueTasks returns enabled tasks whose next run is at or before now.
// next_run_at is stored at whole-second precision, so comparing against a
// whole-second now keeps the string comparison chronological.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at
	`, now.UTC().Truncate(time.Second).Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) UpdateTaskScheduleInfo(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, nullableTime(lastRunAt), nullableInstant(nextRunAt), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update task schedule info: %w", err)
	}
	return nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id         string
		name       string
		desc       string
		templateID string
		siteID     string
		schedule   string
		enabled    int
		params     string
		lastRun    sql.NullString
		nextRun    sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := scanner.Scan(&id, &name, &desc, &templateID, &siteID, &schedule, &enabled,
		&params, &lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:          id,
		Name:        name,
		Description: desc,
		TemplateID:  templateID,
		SiteID:      siteID,
		Schedule:    schedule,
		Enabled:     enabled != 0,
	}
	if err := json.Unmarshal([]byte(params), &task.Params); err != nil {
		return nil, fmt.Errorf("unmarshal task params: %w", err)
	}
	if lastRun.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastRun.String); err == nil {
			task.LastRunAt = &t
		}
	}
	if nextRun.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextRun.String); err == nil {
			task.NextRunAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return task, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

// nullableInstant stores a schedule instant at whole-second precision,
// rounding up so a fractional next-run never compares below a whole-second
// now and fires early.
func nullableInstant(value *time.Time) any {
	if value == nil {
		return nil
	}
	t := value.UTC()
	if whole := t.Truncate(time.Second); !whole.Equal(t) {
		t = whole.Add(time.Second)
	}
	return t.Format(time.RFC3339)
}
