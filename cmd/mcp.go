package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/scheduler"
	"github.com/nanogridbot/ngb/internal/store"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run an MCP server over stdio exposing task scheduling tools",
		Long:  "Serves the Model Context Protocol on stdin/stdout so agents, including those inside sandbox containers, can manage their own scheduled tasks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP()
		},
	}
}

func runMCP() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	s := server.NewMCPServer("ngb", Version, server.WithToolCapabilities(true))
	registerTaskTools(s, db)

	// Stdout carries the protocol, so nothing else may write to it.
	return server.ServeStdio(s)
}

// mcpTask is the wire shape for task listings.
type mcpTask struct {
	ID            int64      `json:"id"`
	GroupFolder   string     `json:"group_folder"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	Status        string     `json:"status"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastRun       *time.Time `json:"last_run,omitempty"`
}

func registerTaskTools(s *server.MCPServer, db store.Store) {
	s.AddTool(
		mcp.NewTool("schedule_task",
			mcp.WithDescription("Schedule a recurring or one-shot prompt for a workspace. Returns the new task id."),
			mcp.WithString("folder",
				mcp.Required(),
				mcp.Description("The workspace folder the task runs in"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The prompt delivered to the agent on each run"),
			),
			mcp.WithString("schedule_type",
				mcp.Required(),
				mcp.Description("One of: cron, interval, once"),
			),
			mcp.WithString("schedule_value",
				mcp.Required(),
				mcp.Description("Cron expression, interval like 30m, or an RFC3339 time for once"),
			),
			mcp.WithString("target_chat_jid",
				mcp.Description("Chat jid the result is sent to (optional)"),
			),
		),
		scheduleTaskHandler(db),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List scheduled tasks, optionally filtered by workspace folder."),
			mcp.WithString("folder",
				mcp.Description("Workspace folder to filter by (optional)"),
			),
		),
		listTasksHandler(db),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a scheduled task. It stops firing but stays in the store."),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("The task id"),
			),
		),
		taskStatusHandler(db, "cancelled", func(s *scheduler.Scheduler, ctx context.Context, id int64) error {
			return s.Cancel(ctx, id)
		}),
	)

	s.AddTool(
		mcp.NewTool("pause_task",
			mcp.WithDescription("Pause a scheduled task without losing its schedule."),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("The task id"),
			),
		),
		taskStatusHandler(db, "paused", func(s *scheduler.Scheduler, ctx context.Context, id int64) error {
			return s.Pause(ctx, id)
		}),
	)

	s.AddTool(
		mcp.NewTool("resume_task",
			mcp.WithDescription("Resume a paused task. The next run is recomputed from now."),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("The task id"),
			),
		),
		taskStatusHandler(db, "resumed", func(s *scheduler.Scheduler, ctx context.Context, id int64) error {
			return s.Resume(ctx, id)
		}),
	)
}

func scheduleTaskHandler(db store.Store) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		folder, err := req.RequireString("folder")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		schedType, err := req.RequireString("schedule_type")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		schedValue, err := req.RequireString("schedule_value")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		switch schedType {
		case store.ScheduleCron, store.ScheduleInterval, store.ScheduleOnce:
		default:
			return mcp.NewToolResultError(fmt.Sprintf("invalid schedule_type %q, want cron, interval, or once", schedType)), nil
		}

		t := &store.Task{
			GroupFolder:   folder,
			Prompt:        prompt,
			ScheduleType:  schedType,
			ScheduleValue: schedValue,
			ContextMode:   "group",
			TargetChatJID: req.GetString("target_chat_jid", ""),
		}
		id, err := adminScheduler(db).Schedule(ctx, t)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule failed: %v", err)), nil
		}

		next := "none"
		if t.NextRun != nil {
			next = t.NextRun.UTC().Format(time.RFC3339)
		}
		return mcp.NewToolResultText(fmt.Sprintf("task %d scheduled, next run %s", id, next)), nil
	}
}

func listTasksHandler(db store.Store) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		folder := req.GetString("folder", "")
		tasks, err := db.ListTasks(ctx, folder)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
		}

		out := make([]mcpTask, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, mcpTask{
				ID:            t.ID,
				GroupFolder:   t.GroupFolder,
				Prompt:        t.Prompt,
				ScheduleType:  t.ScheduleType,
				ScheduleValue: t.ScheduleValue,
				Status:        t.Status,
				NextRun:       t.NextRun,
				LastRun:       t.LastRun,
			})
		}
		formatted, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode failed: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func taskStatusHandler(db store.Store, past string, action func(*scheduler.Scheduler, context.Context, int64) error) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid task id %q", raw)), nil
		}

		t, err := db.GetTask(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		if t == nil {
			return mcp.NewToolResultError(fmt.Sprintf("task %d not found", id)), nil
		}

		if err := action(adminScheduler(db), ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("task %d %s", id, past)), nil
	}
}
