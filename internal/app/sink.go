package app

import (
	"context"
	"fmt"
	"strings"

	"ruleflow/internal/rule"
	"ruleflow/internal/scheduler"
	logx "ruleflow/pkg/logx"
)

// maxDetailIDs bounds how many matched task ids an execution entry lists.
const maxDetailIDs = 5

// recordFire is the scheduler's fire callback. Actions are executed outside
// this process; the daemon records the execution on the rule so operators
// can see what fired and for which tasks.
func (a *App) recordFire(ctx context.Context, c scheduler.Candidate) error {
	now := a.clk.Now()
	exec := rule.Execution{
		Timestamp:     now,
		ExecutionType: c.ExecutionType,
		TasksAffected: c.TasksAffected(),
		Details:       executionDetails(c.Evaluation.MatchingTaskIDs),
	}
	if c.Rule.Trigger != nil {
		exec.TriggerType = c.Rule.Trigger.Kind()
	}
	if _, err := a.store.Rules().Update(ctx, c.Rule.ID, func(r *rule.AutomationRule) {
		r.AppendExecution(exec)
	}); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	a.log.Info("rule fired",
		logx.String("rule", c.Rule.ID),
		logx.String("project", c.Rule.ProjectID),
		logx.String("type", c.ExecutionType),
		logx.Int("tasks", exec.TasksAffected),
	)
	return nil
}

func executionDetails(taskIDs []string) string {
	switch n := len(taskIDs); {
	case n == 0:
		return ""
	case n <= maxDetailIDs:
		return "tasks: " + strings.Join(taskIDs, ",")
	default:
		return fmt.Sprintf("tasks: %s (+%d more)", strings.Join(taskIDs[:maxDetailIDs], ","), n-maxDetailIDs)
	}
}

func (a *App) onTickComplete(sum scheduler.TickSummary) {
	a.log.Info("tick summary",
		logx.Bool("catch_up", sum.IsCatchUp),
		logx.Int("evaluated", sum.RulesEvaluated),
		logx.Int("fired", sum.RulesFired),
		logx.Int("skipped", sum.RulesSkipped),
		logx.Int("failed", sum.RulesFailed),
		logx.Int("tasks", sum.TasksAffected),
	)
}
