package rule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidTrigger = errors.New("invalid trigger")

// Validate checks the static parameters of a rule. It does not look at
// evaluation state.
func (r AutomationRule) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("rule: project_id required")
	}
	if r.Trigger == nil {
		return fmt.Errorf("rule: %w: trigger required", ErrInvalidTrigger)
	}
	switch t := r.Trigger.(type) {
	case IntervalTrigger:
		if t.IntervalMinutes <= 0 {
			return fmt.Errorf("rule: %w: interval_minutes must be > 0", ErrInvalidTrigger)
		}
	case CronTrigger:
		if t.Hour < 0 || t.Hour > 23 {
			return fmt.Errorf("rule: %w: hour %d out of range", ErrInvalidTrigger, t.Hour)
		}
		if t.Minute < 0 || t.Minute > 59 {
			return fmt.Errorf("rule: %w: minute %d out of range", ErrInvalidTrigger, t.Minute)
		}
		for _, d := range t.DaysOfWeek {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("rule: %w: day of week %d out of range", ErrInvalidTrigger, d)
			}
		}
		for _, d := range t.DaysOfMonth {
			if d < 1 || d > 31 {
				return fmt.Errorf("rule: %w: day of month %d out of range", ErrInvalidTrigger, d)
			}
		}
	case DueDateRelativeTrigger:
	case OneTimeTrigger:
		if t.FireAt.IsZero() {
			return fmt.Errorf("rule: %w: fire_at required", ErrInvalidTrigger)
		}
	case EventTrigger:
		if t.Type == "" || t.Type.IsScheduled() {
			return fmt.Errorf("rule: %w: event kind %q", ErrInvalidTrigger, t.Type)
		}
	default:
		return fmt.Errorf("rule: %w: unsupported trigger %T", ErrInvalidTrigger, r.Trigger)
	}
	if s, ok := ScheduleOf(r.Trigger); ok {
		switch s.CatchUpPolicy {
		case "", CatchUpLatest, SkipMissed:
		default:
			return fmt.Errorf("rule: %w: unknown catch_up_policy %q", ErrInvalidTrigger, s.CatchUpPolicy)
		}
	}
	return nil
}
