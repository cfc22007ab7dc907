package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/core"
)

var ErrExecutionNotFound = errors.New("execution not found")

const executionColumns = `id, task_id, status, started_at, ended_at, output, error, created_at`

// StartExecution opens a new running execution for the task. The partial
// unique index on running executions makes the insert itself the guard, so
// concurrent callers cannot both open a run; the loser gets
// core.ErrExecutionRunning.
func (s *Store) StartExecution(ctx context.Context, taskID string, startedAt time.Time) (*core.Execution, error) {
	exec := &core.Execution{
		ID:        core.NewID(),
		TaskID:    taskID,
		Status:    core.ExecutionStatusRunning,
		StartedAt: startedAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, status, started_at, output, created_at)
		VALUES (?, ?, ?, ?, '', ?)
	`, exec.ID, exec.TaskID, exec.Status, exec.StartedAt.Format(time.RFC3339Nano),
		exec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, core.ErrExecutionRunning
		}
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return exec, nil
}

// RecordOutput appends a line to the execution's progress buffer. The buffer
// is informational and never drives control flow.
func (s *Store) RecordOutput(ctx context.Context, executionID, line string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE executions
		SET output = CASE WHEN output = '' THEN ? ELSE output || char(10) || ? END
		WHERE id = ?
	`, line, line, executionID)
	if err != nil {
		return fmt.Errorf("record output: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// CompleteExecution sets a terminal status and end time. Rows that are
// already terminal are left untouched.
func (s *Store) CompleteExecution(ctx context.Context, id string, status core.ExecutionStatus, endedAt time.Time, errMsg *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, ended_at = ?, error = ?
		WHERE id = ? AND status = ?
	`, status, endedAt.UTC().Format(time.RFC3339Nano), nullableString(errMsg), id, core.ExecutionStatusRunning)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either missing or already terminal; distinguish for the caller.
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// CancelExecution transitions a running execution to cancelled.
func (s *Store) CancelExecution(ctx context.Context, id string, endedAt time.Time) error {
	return s.CompleteExecution(ctx, id, core.ExecutionStatusCancelled, endedAt, nil)
}

func (s *Store) GetExecution(ctx context.Context, id string) (*core.Execution, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE id = ?
	`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns executions newest-first, optionally limited to one
// task. taskID empty means all tasks.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if taskID != "" {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+executionColumns+` FROM executions
			WHERE task_id = ?
			ORDER BY created_at DESC, id
			LIMIT ? OFFSET ?
		`, taskID, limit, offset)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+executionColumns+` FROM executions
			ORDER BY created_at DESC, id
			LIMIT ? OFFSET ?
		`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var execs []*core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.Execution, error) {
	var (
		id        string
		taskID    string
		status    string
		startedAt string
		endedAt   sql.NullString
		output    string
		errMsg    sql.NullString
		createdAt string
	)
	if err := scanner.Scan(&id, &taskID, &status, &startedAt, &endedAt, &output, &errMsg, &createdAt); err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec := &core.Execution{
		ID:     id,
		TaskID: taskID,
		Status: core.ExecutionStatus(status),
		Output: output,
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		exec.StartedAt = t
	}
	if endedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, endedAt.String); err == nil {
			exec.EndedAt = &t
		}
	}
	if errMsg.Valid {
		exec.Error = &errMsg.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		exec.CreatedAt = t
	}
	return exec, nil
}
