package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ruleflow/internal/app"
	"ruleflow/internal/rule"
)

func newTasksCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage the tasks due-date rules match against",
	}
	cmd.AddCommand(newTasksListCmd(opts), newTasksSetCmd(opts))
	return cmd
}

func newTasksListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				tasks, err := a.Tasks().FindAll(ctx)
				if err != nil {
					return fmt.Errorf("reading tasks: %w", err)
				}
				if len(tasks) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "ID\tPROJECT\tDUE\tCOMPLETED\tTITLE\n")
				for _, t := range tasks {
					due := "-"
					if t.DueDate != nil {
						due = t.DueDate.UTC().Format(time.RFC3339)
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", t.ID, t.ProjectID, due, t.Completed, t.Title)
				}
				return w.Flush()
			})
		},
	}
}

func newTasksSetCmd(opts *rootOptions) *cobra.Command {
	var (
		t   rule.Task
		due string
	)
	cmd := &cobra.Command{
		Use:   "set <task-id>",
		Short: "Create or replace a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.ID = args[0]
			if due != "" {
				d, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return fmt.Errorf("--due: %w", err)
				}
				d = d.UTC()
				t.DueDate = &d
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				return a.Tasks().Upsert(ctx, t)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&t.ProjectID, "project", "p", "", "project id (required)")
	f.StringVar(&t.Title, "title", "", "task title")
	f.StringVar(&due, "due", "", "due date (RFC3339)")
	f.BoolVar(&t.Completed, "completed", false, "mark the task completed")
	f.StringVar(&t.ParentTaskID, "parent", "", "parent task id (subtasks never match due-date rules)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
