package schedule

import (
	"time"

	"ruleflow/internal/rule"
)

// NextFire previews when r would next fire, for diagnostics. Due-date rules
// depend on task data and report false, as do event rules and rules that would
// fire right now.
func NextFire(now time.Time, r rule.AutomationRule) (time.Time, bool) {
	switch t := r.Trigger.(type) {
	case rule.IntervalTrigger:
		if t.LastEvaluatedAt == nil {
			return now, true
		}
		return t.LastEvaluatedAt.Add(t.Interval()), true
	case rule.CronTrigger:
		p := cronParams(t)
		// Walk forward day by day; a matching day-of-month may be up to a
		// month and a half away.
		y, m, d := now.Date()
		for i := 0; i <= 62; i++ {
			cand := time.Date(y, m, d+i, t.Hour, t.Minute, 0, 0, now.Location())
			if !cand.After(now) {
				continue
			}
			if cronDayMatches(cand, p) {
				return cand, true
			}
		}
		return time.Time{}, false
	case rule.OneTimeTrigger:
		if t.LastEvaluatedAt != nil && !t.LastEvaluatedAt.Before(t.FireAt) {
			return time.Time{}, false
		}
		return t.FireAt, true
	default:
		return time.Time{}, false
	}
}
