package schedule

import (
	"time"

	"ruleflow/internal/rule"
)

// Candidate is a rule selected to fire together with its evaluation.
type Candidate struct {
	Rule       rule.AutomationRule
	Evaluation rule.ScheduleEvaluation
}

// Evaluate routes r to the evaluator for its trigger kind. tasks must already
// be scoped to r's project. The second result is false for rules without a
// scheduled trigger, including unsupported Trigger implementations.
func Evaluate(now time.Time, r rule.AutomationRule, tasks []rule.Task) (rule.ScheduleEvaluation, bool) {
	switch t := r.Trigger.(type) {
	case rule.IntervalTrigger:
		return EvaluateInterval(now, t.LastEvaluatedAt, t.Interval()), true
	case rule.CronTrigger:
		return EvaluateCron(now, t.LastEvaluatedAt, cronParams(t)), true
	case rule.DueDateRelativeTrigger:
		return EvaluateDueDateRelative(now, t.LastEvaluatedAt, t.Offset(), tasks), true
	case rule.OneTimeTrigger:
		return EvaluateOneTime(now, t.LastEvaluatedAt, t.FireAt), true
	default:
		return rule.ScheduleEvaluation{}, false
	}
}

// EvaluateScheduledRules evaluates every enabled, unbroken scheduled rule and
// returns the ones that should fire, in input order.
func EvaluateScheduledRules(now time.Time, rules []rule.AutomationRule, tasks []rule.Task) []Candidate {
	var out []Candidate
	var byProject map[string][]rule.Task
	for _, r := range rules {
		if !r.Evaluable() {
			continue
		}
		var scoped []rule.Task
		if _, ok := r.Trigger.(rule.DueDateRelativeTrigger); ok {
			if byProject == nil {
				byProject = TasksByProject(tasks)
			}
			scoped = byProject[r.ProjectID]
		}
		ev, ok := Evaluate(now, r, scoped)
		if ok && ev.ShouldFire {
			out = append(out, Candidate{Rule: r, Evaluation: ev})
		}
	}
	return out
}

// TasksByProject groups tasks by ProjectID.
func TasksByProject(tasks []rule.Task) map[string][]rule.Task {
	m := make(map[string][]rule.Task)
	for _, t := range tasks {
		m[t.ProjectID] = append(m[t.ProjectID], t)
	}
	return m
}

func cronParams(t rule.CronTrigger) CronParams {
	return CronParams{Hour: t.Hour, Minute: t.Minute, DaysOfWeek: t.DaysOfWeek, DaysOfMonth: t.DaysOfMonth}
}
