// Package mcp exposes the task lifecycle contract over the Model Context
// Protocol (stdio transport) so agent hosts can drive the publishing engine.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/core"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/store"
)

// MCPServer handles MCP protocol communication for the publishing engine.
type MCPServer struct {
	store     *store.Store
	scheduler *core.Scheduler
	logger    *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, scheduler *core.Scheduler, logger *slog.Logger) *MCPServer {
	return &MCPServer{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"autopub",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("publish_create_task",
		mcp.WithDescription("Create a recurring publishing job. Schedules use one of five forms: interval:<ms>, cron:<5 fields>, date:<RFC3339>, weekly:<day>:<hour>:<minute>, monthly:<day>:<hour>:<minute>."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Job name"),
		),
		mcp.WithString("description",
			mcp.Description("Optional job description"),
		),
		mcp.WithString("template_id",
			mcp.Required(),
			mcp.Description("Content template identifier; (template_id, site_id) is unique"),
		),
		mcp.WithString("site_id",
			mcp.Required(),
			mcp.Description("Target site identifier"),
		),
		mcp.WithString("schedule",
			mcp.Required(),
			mcp.Description("Schedule descriptor, e.g. 'interval:3600000' or 'weekly:1:9:0'"),
		),
		mcp.WithString("params_json",
			mcp.Required(),
			mcp.Description("Pipeline parameters as a JSON object (topic, ai, images, site, ...)"),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("publish_list_tasks",
		mcp.WithDescription("List all publishing jobs"),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("publish_get_task",
		mcp.WithDescription("Get one publishing job"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("publish_update_task",
		mcp.WithDescription("Update a job's schedule or enabled flag"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("schedule",
			mcp.Description("New schedule descriptor"),
		),
		mcp.WithBoolean("enabled",
			mcp.Description("Enable or disable the job"),
		),
	), s.handleUpdateTask)

	mcpServer.AddTool(mcp.NewTool("publish_delete_task",
		mcp.WithDescription("Delete a job and its run history"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	mcpServer.AddTool(mcp.NewTool("publish_run_task",
		mcp.WithDescription("Run a job immediately, outside its schedule"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("publish_stop_task",
		mcp.WithDescription("Cancel the job's running execution"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleStopTask)

	mcpServer.AddTool(mcp.NewTool("publish_list_executions",
		mcp.WithDescription("List a job's run history, newest first"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListExecutions)

	mcpServer.AddTool(mcp.NewTool("publish_preview_schedule",
		mcp.WithDescription("Validate a schedule descriptor and preview its next occurrences"),
		mcp.WithString("schedule",
			mcp.Required(),
			mcp.Description("Schedule descriptor"),
		),
		mcp.WithNumber("count",
			mcp.Description("Occurrences to preview, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handlePreviewSchedule)

	s.logger.Info("MCP tools registered", "count", 9)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	templateID := strings.TrimSpace(mcp.ParseString(request, "template_id", ""))
	siteID := strings.TrimSpace(mcp.ParseString(request, "site_id", ""))
	descriptor := mcp.ParseString(request, "schedule", "")
	paramsJSON := mcp.ParseString(request, "params_json", "")

	if name == "" || templateID == "" || siteID == "" {
		return mcp.NewToolResultError("name, template_id, and site_id are required"), nil
	}
	sched, err := core.ParseSchedule(descriptor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
	}
	var params core.PipelineParams
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid params_json: %v", err)), nil
	}
	if err := params.Validate(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid params: %v", err)), nil
	}

	if existing, err := s.store.FindTaskByTemplateAndSite(ctx, templateID, siteID); err == nil {
		existing.Name = name
		existing.Description = mcp.ParseString(request, "description", existing.Description)
		existing.Schedule = sched.String()
		existing.Params = params
		existing.NextRunAt = sched.Next(time.Now().UTC())
		if err := s.store.UpdateTask(ctx, existing); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to update existing task: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Updated existing task %s (same template and site)\nNext run: %s",
			existing.ID, formatTime(existing.NextRunAt))), nil
	}

	task := &core.Task{
		ID:          core.NewID(),
		Name:        name,
		Description: mcp.ParseString(request, "description", ""),
		TemplateID:  templateID,
		SiteID:      siteID,
		Schedule:    sched.String(),
		Enabled:     true,
		Params:      params,
		NextRunAt:   sched.Next(time.Now().UTC()),
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		s.logger.Error("insert task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}
	s.logger.Info("task created", "task_id", task.ID, "schedule", task.Schedule)
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nNext run: %s", task.ID, formatTime(task.NextRunAt))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s (%s)\n", t.ID, state)
		fmt.Fprintf(&b, "  Name: %s\n", t.Name)
		fmt.Fprintf(&b, "  Schedule: %s\n", t.Schedule)
		fmt.Fprintf(&b, "  Site: %s\n", t.SiteID)
		if t.NextRunAt != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", formatTime(t.NextRunAt))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Name: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	fmt.Fprintf(&b, "Template: %s\nSite: %s\n", task.TemplateID, task.SiteID)
	fmt.Fprintf(&b, "Schedule: %s\n", task.Schedule)
	fmt.Fprintf(&b, "Enabled: %t\n", task.Enabled)
	fmt.Fprintf(&b, "Topic: %s\n", task.Params.Topic)
	if task.LastRunAt != nil {
		fmt.Fprintf(&b, "Last run: %s\n", formatTime(task.LastRunAt))
	}
	if task.NextRunAt != nil {
		fmt.Fprintf(&b, "Next run: %s\n", formatTime(task.NextRunAt))
	}
	fmt.Fprintf(&b, "Created: %s\n", formatTime(&task.CreatedAt))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}

	if descriptor := mcp.ParseString(request, "schedule", ""); descriptor != "" {
		sched, err := core.ParseSchedule(descriptor)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
		}
		task.Schedule = sched.String()
	}
	task.Enabled = mcp.ParseBoolean(request, "enabled", task.Enabled)

	if task.Enabled {
		sched, err := core.ParseSchedule(task.Schedule)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
		}
		task.NextRunAt = sched.Next(time.Now().UTC())
	} else {
		task.NextRunAt = nil
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task updated\nSchedule: %s\nEnabled: %t\nNext run: %s",
		task.Schedule, task.Enabled, formatTime(task.NextRunAt))), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s deleted along with its run history", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	exec, err := s.scheduler.RunNow(ctx, taskID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		case errors.Is(err, core.ErrExecutionRunning):
			return mcp.NewToolResultError("task is already running"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to start task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Execution started\nID: %s", exec.ID)), nil
}

func (s *MCPServer) handleStopTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.scheduler.StopTask(taskID); err != nil {
		if errors.Is(err, core.ErrNotRunning) {
			return mcp.NewToolResultError("task has no running execution"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to stop task: %v", err)), nil
	}
	return mcp.NewToolResultText("Cancellation requested; the run stops at the next stage boundary"), nil
}

func (s *MCPServer) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	execs, err := s.store.ListExecutions(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list executions: %v", err)), nil
	}
	if len(execs) == 0 {
		return mcp.NewToolResultText("No executions found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d executions:\n\n", len(execs))
	for _, e := range execs {
		fmt.Fprintf(&b, "%s [%s]\n", e.ID, e.Status)
		fmt.Fprintf(&b, "  Started: %s\n", formatTime(&e.StartedAt))
		if e.EndedAt != nil {
			fmt.Fprintf(&b, "  Ended: %s\n", formatTime(e.EndedAt))
		}
		if e.Error != nil {
			fmt.Fprintf(&b, "  Error: %s\n", truncateString(*e.Error, 200))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handlePreviewSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	descriptor := mcp.ParseString(request, "schedule", "")
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}

	sched, err := core.ParseSchedule(descriptor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Valid %s schedule. Next occurrences:\n", sched.Kind)
	cursor := time.Now().UTC()
	for i := 0; i < count; i++ {
		next := sched.Next(cursor)
		if next == nil {
			b.WriteString("(fires once, then never again)\n")
			break
		}
		fmt.Fprintf(&b, "  %s\n", next.UTC().Format(time.RFC3339))
		cursor = *next
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
