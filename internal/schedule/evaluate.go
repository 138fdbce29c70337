package schedule

import (
	"slices"
	"time"

	"ruleflow/internal/rule"
)

// FirstRunLookback bounds how far back a due-date-relative rule looks on its
// very first evaluation.
const FirstRunLookback = 60 * time.Second

// cronSearchDays is how far back cron evaluation looks for a matching minute.
const cronSearchDays = 7

// EvaluateInterval fires on first run and whenever at least interval has
// elapsed since last.
func EvaluateInterval(now time.Time, last *time.Time, interval time.Duration) rule.ScheduleEvaluation {
	if last == nil {
		return rule.ScheduleEvaluation{ShouldFire: true, NewLastEvaluatedAt: now}
	}
	return rule.ScheduleEvaluation{ShouldFire: now.Sub(*last) >= interval, NewLastEvaluatedAt: now}
}

// CronParams are the matching parameters of a cron trigger.
type CronParams struct {
	Hour        int
	Minute      int
	DaysOfWeek  []time.Weekday
	DaysOfMonth []int
}

// EvaluateCron fires when the most recent matching minute (searched back up to
// seven days from now) lies after last. On first run it fires only while now
// is inside the matched minute.
func EvaluateCron(now time.Time, last *time.Time, p CronParams) rule.ScheduleEvaluation {
	match, ok := MostRecentCronMatch(now, p)
	if !ok {
		return rule.ScheduleEvaluation{NewLastEvaluatedAt: now}
	}
	if last == nil {
		return rule.ScheduleEvaluation{ShouldFire: now.Sub(match) < time.Minute, NewLastEvaluatedAt: now}
	}
	return rule.ScheduleEvaluation{ShouldFire: match.After(*last), NewLastEvaluatedAt: now}
}

// MostRecentCronMatch returns the latest instant at or before now that matches
// p, looking back at most seven days.
func MostRecentCronMatch(now time.Time, p CronParams) (time.Time, bool) {
	y, m, d := now.Date()
	for i := 0; i <= cronSearchDays; i++ {
		cand := time.Date(y, m, d-i, p.Hour, p.Minute, 0, 0, now.Location())
		if cand.After(now) {
			continue
		}
		if cronDayMatches(cand, p) {
			return cand, true
		}
	}
	return time.Time{}, false
}

func cronDayMatches(t time.Time, p CronParams) bool {
	if len(p.DaysOfWeek) > 0 && !slices.Contains(p.DaysOfWeek, t.Weekday()) {
		return false
	}
	if len(p.DaysOfMonth) > 0 {
		last := lastDayOfMonth(t)
		day := t.Day()
		found := false
		for _, want := range p.DaysOfMonth {
			if min(want, last) == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func lastDayOfMonth(t time.Time) int {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// EvaluateDueDateRelative matches uncompleted top-level tasks whose due date
// plus offset falls in (last, now]. Without a prior evaluation the window
// starts FirstRunLookback before now.
//
// tasks must already be scoped to the rule's project.
func EvaluateDueDateRelative(now time.Time, last *time.Time, offset time.Duration, tasks []rule.Task) rule.ScheduleEvaluation {
	start := now.Add(-FirstRunLookback)
	if last != nil {
		start = *last
	}
	var ids []string
	for _, t := range tasks {
		if t.DueDate == nil || t.Completed || t.ParentTaskID != "" {
			continue
		}
		at := t.DueDate.Add(offset)
		if at.After(start) && !at.After(now) {
			ids = append(ids, t.ID)
		}
	}
	return rule.ScheduleEvaluation{ShouldFire: len(ids) > 0, NewLastEvaluatedAt: now, MatchingTaskIDs: ids}
}

// EvaluateOneTime fires once now has reached fireAt, unless an evaluation at or
// after fireAt has already been recorded.
func EvaluateOneTime(now time.Time, last *time.Time, fireAt time.Time) rule.ScheduleEvaluation {
	fire := !now.Before(fireAt) && (last == nil || last.Before(fireAt))
	return rule.ScheduleEvaluation{ShouldFire: fire, NewLastEvaluatedAt: now}
}
