package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/scheduler"
	"github.com/nanogridbot/ngb/internal/store"
)

// withStore opens the configured backend for a one-shot admin command.
func withStore(fn func(ctx context.Context, db store.Store) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	return fn(context.Background(), db)
}

// adminScheduler returns a scheduler for its task admin methods only,
// never started, so it needs no queue behind it.
func adminScheduler(db store.Store) *scheduler.Scheduler {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return scheduler.New(db, nil, 0, quiet)
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}

	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksScheduleCmd())
	cmd.AddCommand(tasksCancelCmd())
	cmd.AddCommand(tasksPauseCmd())
	cmd.AddCommand(tasksResumeCmd())

	return cmd
}

func tasksListCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db store.Store) error {
				tasks, err := db.ListTasks(ctx, folder)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Println("no tasks")
					return nil
				}
				fmt.Printf("%-5s %-14s %-9s %-10s %-20s %s\n", "ID", "FOLDER", "TYPE", "STATUS", "NEXT RUN", "PROMPT")
				for _, t := range tasks {
					next := "-"
					if t.NextRun != nil {
						next = t.NextRun.UTC().Format(time.RFC3339)
					}
					fmt.Printf("%-5d %-14s %-9s %-10s %-20s %s\n",
						t.ID, t.GroupFolder, t.ScheduleType, t.Status, next, truncate(t.Prompt, 48))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "only tasks for this workspace folder")
	return cmd
}

func tasksScheduleCmd() *cobra.Command {
	var (
		folder      string
		prompt      string
		schedType   string
		schedValue  string
		contextMode string
		target      string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Create a scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch schedType {
			case store.ScheduleCron, store.ScheduleInterval, store.ScheduleOnce:
			default:
				return fmt.Errorf("invalid --type %q, want cron, interval, or once", schedType)
			}
			return withStore(func(ctx context.Context, db store.Store) error {
				t := &store.Task{
					GroupFolder:   folder,
					Prompt:        prompt,
					ScheduleType:  schedType,
					ScheduleValue: schedValue,
					ContextMode:   contextMode,
					TargetChatJID: target,
				}
				id, err := adminScheduler(db).Schedule(ctx, t)
				if err != nil {
					return err
				}
				next := "-"
				if t.NextRun != nil {
					next = t.NextRun.UTC().Format(time.RFC3339)
				}
				fmt.Printf("task %d scheduled, next run %s\n", id, next)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "workspace folder the task runs in")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt delivered to the agent")
	cmd.Flags().StringVar(&schedType, "type", "", "schedule kind: cron, interval, or once")
	cmd.Flags().StringVar(&schedValue, "value", "", "cron expr, interval (e.g. 30m), or RFC3339 time")
	cmd.Flags().StringVar(&contextMode, "context-mode", "group", "group reuses the workspace session, isolated starts fresh")
	cmd.Flags().StringVar(&target, "target", "", "chat jid the result is sent to (default: none)")
	cmd.MarkFlagRequired("folder")
	cmd.MarkFlagRequired("prompt")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("value")
	return cmd
}

func tasksCancelCmd() *cobra.Command {
	return taskStatusCmd("cancel", "cancelled", "Cancel a task", func(s *scheduler.Scheduler, ctx context.Context, id int64) error {
		return s.Cancel(ctx, id)
	})
}

func tasksPauseCmd() *cobra.Command {
	return taskStatusCmd("pause", "paused", "Pause a task", func(s *scheduler.Scheduler, ctx context.Context, id int64) error {
		return s.Pause(ctx, id)
	})
}

func tasksResumeCmd() *cobra.Command {
	return taskStatusCmd("resume", "resumed", "Resume a paused task", func(s *scheduler.Scheduler, ctx context.Context, id int64) error {
		return s.Resume(ctx, id)
	})
}

func taskStatusCmd(verb, past, short string, action func(*scheduler.Scheduler, context.Context, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id: %w", err)
			}
			return withStore(func(ctx context.Context, db store.Store) error {
				t, err := db.GetTask(ctx, id)
				if err != nil {
					return err
				}
				if t == nil {
					return fmt.Errorf("task %d not found", id)
				}
				if err := action(adminScheduler(db), ctx, id); err != nil {
					return err
				}
				fmt.Printf("task %d %s\n", id, past)
				return nil
			})
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
