package rule

import (
	"encoding/json"
	"fmt"
	"time"
)

// triggerJSON is the flattened wire form of every trigger variant.
type triggerJSON struct {
	Type            Kind          `json:"type"`
	LastEvaluatedAt *time.Time    `json:"last_evaluated_at"`
	CatchUpPolicy   CatchUpPolicy `json:"catch_up_policy,omitempty"`

	IntervalMinutes int            `json:"interval_minutes,omitempty"`
	Hour            *int           `json:"hour,omitempty"`
	Minute          *int           `json:"minute,omitempty"`
	DaysOfWeek      []time.Weekday `json:"days_of_week,omitempty"`
	DaysOfMonth     []int          `json:"days_of_month,omitempty"`
	OffsetMinutes   *int           `json:"offset_minutes,omitempty"`
	FireAt          *time.Time     `json:"fire_at,omitempty"`
	SectionID       string         `json:"section_id,omitempty"`
}

type ruleJSON struct {
	ID               string          `json:"id"`
	ProjectID        string          `json:"project_id"`
	Name             string          `json:"name,omitempty"`
	Trigger          json.RawMessage `json:"trigger"`
	Enabled          bool            `json:"enabled"`
	BrokenReason     string          `json:"broken_reason,omitempty"`
	BulkPausedAt     *time.Time      `json:"bulk_paused_at"`
	RecentExecutions []Execution     `json:"recent_executions,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MarshalTrigger encodes t in its flattened wire form.
func MarshalTrigger(t Trigger) ([]byte, error) {
	if t == nil {
		return []byte("null"), nil
	}
	w := triggerJSON{Type: t.Kind()}
	switch v := t.(type) {
	case IntervalTrigger:
		w.LastEvaluatedAt, w.CatchUpPolicy = v.LastEvaluatedAt, v.CatchUpPolicy
		w.IntervalMinutes = v.IntervalMinutes
	case CronTrigger:
		w.LastEvaluatedAt, w.CatchUpPolicy = v.LastEvaluatedAt, v.CatchUpPolicy
		w.Hour, w.Minute = &v.Hour, &v.Minute
		w.DaysOfWeek, w.DaysOfMonth = v.DaysOfWeek, v.DaysOfMonth
	case DueDateRelativeTrigger:
		w.LastEvaluatedAt, w.CatchUpPolicy = v.LastEvaluatedAt, v.CatchUpPolicy
		w.OffsetMinutes = &v.OffsetMinutes
	case OneTimeTrigger:
		w.LastEvaluatedAt, w.CatchUpPolicy = v.LastEvaluatedAt, v.CatchUpPolicy
		at := v.FireAt
		w.FireAt = &at
	case EventTrigger:
		w.SectionID = v.SectionID
	default:
		return nil, fmt.Errorf("rule: unsupported trigger %T", t)
	}
	return json.Marshal(w)
}

// UnmarshalTrigger decodes the flattened wire form produced by MarshalTrigger.
func UnmarshalTrigger(b []byte) (Trigger, error) {
	var w triggerJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	if w.Type == "" {
		return nil, fmt.Errorf("rule: trigger type required")
	}
	sched := Schedule{LastEvaluatedAt: w.LastEvaluatedAt, CatchUpPolicy: w.CatchUpPolicy}
	switch w.Type {
	case KindInterval:
		return IntervalTrigger{Schedule: sched, IntervalMinutes: w.IntervalMinutes}, nil
	case KindCron:
		t := CronTrigger{Schedule: sched, DaysOfWeek: w.DaysOfWeek, DaysOfMonth: w.DaysOfMonth}
		if w.Hour != nil {
			t.Hour = *w.Hour
		}
		if w.Minute != nil {
			t.Minute = *w.Minute
		}
		return t, nil
	case KindDueDateRelative:
		t := DueDateRelativeTrigger{Schedule: sched}
		if w.OffsetMinutes != nil {
			t.OffsetMinutes = *w.OffsetMinutes
		}
		return t, nil
	case KindOneTime:
		if w.FireAt == nil {
			return nil, fmt.Errorf("rule: %s requires fire_at", w.Type)
		}
		return OneTimeTrigger{Schedule: sched, FireAt: *w.FireAt}, nil
	default:
		return EventTrigger{Type: w.Type, SectionID: w.SectionID}, nil
	}
}

func (r AutomationRule) MarshalJSON() ([]byte, error) {
	tb, err := MarshalTrigger(r.Trigger)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ruleJSON{
		ID:               r.ID,
		ProjectID:        r.ProjectID,
		Name:             r.Name,
		Trigger:          tb,
		Enabled:          r.Enabled,
		BrokenReason:     r.BrokenReason,
		BulkPausedAt:     r.BulkPausedAt,
		RecentExecutions: r.RecentExecutions,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	})
}

func (r *AutomationRule) UnmarshalJSON(b []byte) error {
	var w ruleJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var t Trigger
	if len(w.Trigger) > 0 && string(w.Trigger) != "null" {
		var err error
		if t, err = UnmarshalTrigger(w.Trigger); err != nil {
			return fmt.Errorf("rule %s: %w", w.ID, err)
		}
	}
	*r = AutomationRule{
		ID:               w.ID,
		ProjectID:        w.ProjectID,
		Name:             w.Name,
		Trigger:          t,
		Enabled:          w.Enabled,
		BrokenReason:     w.BrokenReason,
		BulkPausedAt:     w.BulkPausedAt,
		RecentExecutions: w.RecentExecutions,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
	}
	return nil
}
