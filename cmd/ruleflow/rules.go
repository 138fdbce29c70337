package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ruleflow/internal/app"
	"ruleflow/internal/clock"
	"ruleflow/internal/rule"
	"ruleflow/internal/scheduler"
)

func newRulesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage automation rules",
	}
	cmd.AddCommand(
		newRulesListCmd(opts),
		newRulesAddCmd(opts),
		newRulesRemoveCmd(opts),
		newRulesToggleCmd(opts, true),
		newRulesToggleCmd(opts, false),
		newRulesRunCmd(opts),
		newRulesPauseCmd(opts),
		newRulesResumeCmd(opts),
	)
	return cmd
}

func newRulesListCmd(opts *rootOptions) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled rules with their next fire time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				previews, err := a.Scheduler().Preview(ctx)
				if err != nil {
					return fmt.Errorf("reading rules: %w", err)
				}
				return printPreviews(cmd, previews, project)
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only list rules of this project")
	return cmd
}

func printPreviews(cmd *cobra.Command, previews []scheduler.RulePreview, project string) error {
	out := cmd.OutOrStdout()
	n := 0
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID\tPROJECT\tKIND\tSTATE\tLAST EVALUATED\tNEXT FIRE\tNAME\n")
	for _, p := range previews {
		r := p.Rule
		if project != "" && r.ProjectID != project {
			continue
		}
		n++
		last := "never"
		if s, ok := rule.ScheduleOf(r.Trigger); ok && s.LastEvaluatedAt != nil {
			last = s.LastEvaluatedAt.UTC().Format(time.RFC3339)
		}
		next := "N/A"
		if p.HasNext {
			next = p.NextFire.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.ProjectID, shortKind(r.Trigger.Kind()), ruleState(r), last, next, r.Name)
	}
	if n == 0 {
		_, _ = fmt.Fprintln(out, "No scheduled rules.")
		return nil
	}
	return w.Flush()
}

func shortKind(k rule.Kind) string {
	return strings.TrimPrefix(string(k), "scheduled_")
}

func ruleState(r rule.AutomationRule) string {
	switch {
	case r.BrokenReason != "":
		return "broken"
	case r.BulkPausedAt != nil:
		return "paused"
	case !r.Enabled:
		return "disabled"
	default:
		return "enabled"
	}
}

type addOptions struct {
	project    string
	name       string
	cron       string
	interval   int
	dueOffset  int
	at         string
	skipMissed bool
	disabled   bool
}

func newRulesAddCmd(opts *rootOptions) *cobra.Command {
	ao := &addOptions{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a scheduled rule",
		Example: `  ruleflow rules add -p proj --name standup --cron "30 9 * * 1-5"
  ruleflow rules add -p proj --name sweep --interval 15
  ruleflow rules add -p proj --name overdue --due-offset 60
  ruleflow rules add -p proj --name launch --at 2025-06-01T09:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			trigger, err := buildTrigger(cmd, ao)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				now := clock.System{}.Now().UTC()
				created, err := a.Rules().Create(ctx, rule.AutomationRule{
					ProjectID: ao.project,
					Name:      ao.name,
					Trigger:   trigger,
					Enabled:   !ao.disabled,
					CreatedAt: now,
					UpdatedAt: now,
				})
				if err != nil {
					return fmt.Errorf("creating rule: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), created.ID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&ao.project, "project", "p", "", "project id (required)")
	f.StringVar(&ao.name, "name", "", "rule name")
	f.StringVar(&ao.cron, "cron", "", `crontab expression with a fixed hour and minute ("M H DOM * DOW")`)
	f.IntVar(&ao.interval, "interval", 0, "fire every N minutes")
	f.IntVar(&ao.dueOffset, "due-offset", 0, "fire N minutes after a task's due date (negative for before)")
	f.StringVar(&ao.at, "at", "", "fire once at this RFC3339 time")
	f.BoolVar(&ao.skipMissed, "skip-missed", false, "do not fire windows missed while the scheduler was down")
	f.BoolVar(&ao.disabled, "disabled", false, "create the rule disabled")
	_ = cmd.MarkFlagRequired("project")
	cmd.MarkFlagsMutuallyExclusive("cron", "interval", "due-offset", "at")
	cmd.MarkFlagsOneRequired("cron", "interval", "due-offset", "at")
	return cmd
}

func buildTrigger(cmd *cobra.Command, ao *addOptions) (rule.Trigger, error) {
	sched := rule.Schedule{CatchUpPolicy: rule.CatchUpLatest}
	if ao.skipMissed {
		sched.CatchUpPolicy = rule.SkipMissed
	}
	flags := cmd.Flags()
	switch {
	case flags.Changed("cron"):
		t, err := rule.ParseCron(ao.cron)
		if err != nil {
			return nil, err
		}
		t.Schedule = sched
		return t, nil
	case flags.Changed("interval"):
		if ao.interval <= 0 {
			return nil, errors.New("--interval must be > 0")
		}
		return rule.IntervalTrigger{Schedule: sched, IntervalMinutes: ao.interval}, nil
	case flags.Changed("due-offset"):
		return rule.DueDateRelativeTrigger{Schedule: sched, OffsetMinutes: ao.dueOffset}, nil
	case flags.Changed("at"):
		at, err := time.Parse(time.RFC3339, ao.at)
		if err != nil {
			return nil, fmt.Errorf("--at: %w", err)
		}
		return rule.OneTimeTrigger{Schedule: sched, FireAt: at.UTC()}, nil
	}
	return nil, errors.New("one of --cron, --interval, --due-offset or --at is required")
}

func newRulesRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				return a.Rules().Delete(ctx, args[0])
			})
		},
	}
}

// newRulesToggleCmd builds "enable" or "disable". An individual toggle
// clears the bulk-pause mark, so a later bulk resume leaves the rule alone.
func newRulesToggleCmd(opts *rootOptions, enable bool) *cobra.Command {
	use, short := "disable", "Disable a rule"
	if enable {
		use, short = "enable", "Enable a rule"
	}
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				_, err := a.Rules().Update(ctx, args[0], func(r *rule.AutomationRule) {
					r.Enabled = enable
					r.BulkPausedAt = nil
					r.UpdatedAt = clock.System{}.Now().UTC()
				})
				return err
			})
		},
	}
}

func newRulesRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <rule-id>",
		Short: "Fire a rule now, regardless of its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				r, err := a.Rules().FindByID(ctx, args[0])
				if err != nil {
					return err
				}
				return a.Scheduler().EvaluateSingleRule(ctx, r)
			})
		},
	}
}

func newRulesPauseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <project-id>",
		Short: "Pause every scheduled rule of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Bulk().PauseAllScheduled(ctx, args[0])
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "paused %d rule(s)\n", res.PausedCount)
				return err
			})
		},
	}
}

func newRulesResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <project-id>",
		Short: "Resume the rules a bulk pause disabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Bulk().ResumeAllScheduled(ctx, args[0])
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "resumed %d rule(s)\n", res.ResumedCount)
				return err
			})
		},
	}
}
