package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/shiftdesk/shiftdesk/internal/app"
	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
	"github.com/shiftdesk/shiftdesk/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "data",
	Short:   "Create and update tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Long: `Create a task in status new. The deadline accepts a date
(2024-01-31), an RFC 3339 time, or plain English such as "tomorrow 5pm"
or "next friday".`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		assignee, _ := cmd.Flags().GetString("assignee")
		creator, _ := cmd.Flags().GetString("creator")
		description, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetString("priority")
		deadlineText, _ := cmd.Flags().GetString("deadline")

		t := &schema.Task{
			Title:       strings.Join(args, " "),
			Description: description,
			AssigneeID:  assignee,
			CreatorID:   creator,
			Priority:    schema.TaskPriority(priority),
		}
		if deadlineText != "" {
			d, err := parseDeadline(deadlineText, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			t.Deadline = &d
		}

		ctx := context.Background()
		a, logs := openApp(ctx)
		defer closeApp(a, logs)

		out, err := a.Service.CreateTask(ctx, t)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating task: %v\n", err)
			return
		}
		flush(ctx, a)

		fmt.Printf("%s Created task %s: %s\n", ui.RenderPass("✓"), out.ID(), out.Title)
		if out.Deadline != nil {
			fmt.Printf("   Deadline: %s\n", out.Deadline.Local().Format("Mon 2006-01-02 15:04"))
		}
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <id> <new|in_progress|done>",
	Short: "Move a task forward",
	Long: `Change a task's status. Status only moves forward: new, in_progress, done.
The id is a local id (42 or local:42) or a remote id (remote:abc).`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		comment, _ := cmd.Flags().GetString("comment")

		id, err := schema.ParseIdentifier(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		a, logs := openApp(ctx)
		defer closeApp(a, logs)

		rec, err := a.Service.UpdateStatus(ctx, schema.KindTask, id, args[1], comment)
		switch {
		case errors.Is(err, schema.ErrNotFound):
			fmt.Fprintf(os.Stderr, "Error: task %s not found\n", id)
			return
		case errors.Is(err, schema.ErrInvalidTransition):
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error updating task: %v\n", err)
			return
		}
		flush(ctx, a)

		t := rec.(*schema.Task)
		fmt.Printf("%s Task %s is now %s\n", ui.RenderPass("✓"), t.ID(), t.Status)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		assignee, _ := cmd.Flags().GetString("assignee")
		statuses, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := context.Background()
		a, logs := openApp(ctx)
		defer closeApp(a, logs)

		tasks, err := a.Service.ListTasks(ctx, schema.Filter{
			OwnerID:  assignee,
			Statuses: statuses,
			Order:    schema.OrderDesc,
			Limit:    limit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing tasks: %v\n", err)
			return
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found")
			return
		}

		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			state := ui.RenderPass("synced")
			if !t.Synced {
				state = ui.RenderWarn("pending")
			}
			rows = append(rows, []string{t.ID().String(), string(t.Status), string(t.Priority), t.AssigneeID, t.Title, state})
		}
		fmt.Print(ui.Table([]string{"ID", "STATUS", "PRIORITY", "ASSIGNEE", "TITLE", "SYNC"}, rows))
	},
}

// flush pushes queued writes now so a one-shot command does not leave them
// for the next pass. Failures leave the records pending.
func flush(ctx context.Context, a *app.App) {
	if a.Queue == nil || a.Sync == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, failed := a.Queue.Flush(ctx); failed > 0 {
		fmt.Printf("%s remote store unavailable; change saved locally and will sync later\n", ui.RenderWarn("⚠"))
	}
}

// parseDeadline reads a date, an RFC 3339 time or a natural-language phrase
// relative to now. A bare date means the end of that day.
func parseDeadline(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(schema.DateLayout, s, now.Location()); err == nil {
		return t.Add(23*time.Hour + 59*time.Minute), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse deadline %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand deadline %q", s)
	}
	return r.Time, nil
}

func init() {
	taskAddCmd.Flags().StringP("assignee", "a", "", "Account id of the assignee (required)")
	taskAddCmd.Flags().String("creator", "", "Account id of the creator (required)")
	taskAddCmd.Flags().StringP("description", "d", "", "Task description")
	taskAddCmd.Flags().StringP("priority", "p", string(schema.PriorityMedium), "Priority: low, medium or high")
	taskAddCmd.Flags().String("deadline", "", `Deadline, e.g. "2024-01-31" or "friday 5pm"`)
	_ = taskAddCmd.MarkFlagRequired("assignee")
	_ = taskAddCmd.MarkFlagRequired("creator")

	taskStatusCmd.Flags().StringP("comment", "m", "", "Comment stored with the status change")

	taskListCmd.Flags().StringP("assignee", "a", "", "Only tasks assigned to this account")
	taskListCmd.Flags().StringSlice("status", []string{string(schema.TaskNew), string(schema.TaskInProgress)}, "Statuses to include")
	taskListCmd.Flags().IntP("limit", "n", 50, "Maximum number of tasks")

	taskCmd.AddCommand(taskAddCmd, taskStatusCmd, taskListCmd)
	rootCmd.AddCommand(taskCmd)
}
