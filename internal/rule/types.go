package rule

import (
	"time"
)

// Kind is the persisted discriminator of a trigger.
type Kind string

const (
	KindInterval        Kind = "scheduled_interval"
	KindCron            Kind = "scheduled_cron"
	KindDueDateRelative Kind = "scheduled_due_date_relative"
	KindOneTime         Kind = "scheduled_one_time"

	// Event-driven kinds. The scheduler never evaluates these.
	KindCardMovedIntoSection Kind = "card_moved_into_section"
	KindCardMarkedComplete   Kind = "card_marked_complete"
	KindCardCreated          Kind = "card_created_in_section"
)

// IsScheduled reports whether k is one of the time-based kinds.
func (k Kind) IsScheduled() bool {
	switch k {
	case KindInterval, KindCron, KindDueDateRelative, KindOneTime:
		return true
	}
	return false
}

// CatchUpPolicy controls what a catch-up tick does with a rule whose window
// elapsed while the scheduler was not running.
type CatchUpPolicy string

const (
	CatchUpLatest CatchUpPolicy = "catch_up_latest"
	SkipMissed    CatchUpPolicy = "skip_missed"
)

// Schedule is the evaluation state shared by all scheduled triggers.
type Schedule struct {
	// LastEvaluatedAt is nil until the rule is evaluated for the first time.
	LastEvaluatedAt *time.Time
	CatchUpPolicy   CatchUpPolicy
}

// SkipsMissed reports whether catch-up fires are suppressed. The empty
// policy means catch_up_latest.
func (s Schedule) SkipsMissed() bool { return s.CatchUpPolicy == SkipMissed }

// Trigger is implemented only by the variants in this package.
type Trigger interface {
	Kind() Kind
	isTrigger()
}

// IntervalTrigger fires every IntervalMinutes.
type IntervalTrigger struct {
	Schedule
	IntervalMinutes int
}

// CronTrigger fires at Hour:Minute on the matching days. An empty day list
// matches every day.
type CronTrigger struct {
	Schedule
	Hour        int
	Minute      int
	DaysOfWeek  []time.Weekday
	DaysOfMonth []int
}

// DueDateRelativeTrigger fires for tasks whose due date plus OffsetMinutes
// has just passed. Negative offsets fire before the due date.
type DueDateRelativeTrigger struct {
	Schedule
	OffsetMinutes int
}

// OneTimeTrigger fires once at FireAt and is then disabled.
type OneTimeTrigger struct {
	Schedule
	FireAt time.Time
}

// EventTrigger covers every event-driven kind.
type EventTrigger struct {
	Type      Kind
	SectionID string
}

func (IntervalTrigger) Kind() Kind        { return KindInterval }
func (CronTrigger) Kind() Kind            { return KindCron }
func (DueDateRelativeTrigger) Kind() Kind { return KindDueDateRelative }
func (OneTimeTrigger) Kind() Kind         { return KindOneTime }
func (t EventTrigger) Kind() Kind         { return t.Type }

func (IntervalTrigger) isTrigger()        {}
func (CronTrigger) isTrigger()            {}
func (DueDateRelativeTrigger) isTrigger() {}
func (OneTimeTrigger) isTrigger()         {}
func (EventTrigger) isTrigger()           {}

// Interval returns the trigger period.
func (t IntervalTrigger) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}

// Offset returns the due-date offset.
func (t DueDateRelativeTrigger) Offset() time.Duration {
	return time.Duration(t.OffsetMinutes) * time.Minute
}

// ScheduleOf returns the schedule state of a scheduled trigger.
func ScheduleOf(t Trigger) (Schedule, bool) {
	switch v := t.(type) {
	case IntervalTrigger:
		return v.Schedule, true
	case CronTrigger:
		return v.Schedule, true
	case DueDateRelativeTrigger:
		return v.Schedule, true
	case OneTimeTrigger:
		return v.Schedule, true
	default:
		return Schedule{}, false
	}
}

// WithLastEvaluatedAt returns a copy of t with LastEvaluatedAt set to at.
// Event triggers are returned unchanged.
func WithLastEvaluatedAt(t Trigger, at time.Time) Trigger {
	at = at.UTC()
	switch v := t.(type) {
	case IntervalTrigger:
		v.LastEvaluatedAt = &at
		return v
	case CronTrigger:
		v.LastEvaluatedAt = &at
		return v
	case DueDateRelativeTrigger:
		v.LastEvaluatedAt = &at
		return v
	case OneTimeTrigger:
		v.LastEvaluatedAt = &at
		return v
	default:
		return t
	}
}

// Execution types recorded in RecentExecutions.
const (
	ExecutionScheduled = "scheduled"
	ExecutionManual    = "manual"
	ExecutionSkipped   = "skipped"
	ExecutionEvent     = "event"
)

// MaxRecentExecutions bounds AutomationRule.RecentExecutions.
const MaxRecentExecutions = 20

// Execution is one entry of a rule's recent execution log.
type Execution struct {
	Timestamp       time.Time `json:"timestamp"`
	TriggerType     Kind      `json:"trigger_type"`
	ExecutionType   string    `json:"execution_type"`
	ActionsExecuted int       `json:"actions_executed"`
	TasksAffected   int       `json:"tasks_affected"`
	Details         string    `json:"details,omitempty"`
}

// AutomationRule is a project-scoped automation.
type AutomationRule struct {
	ID        string
	ProjectID string
	Name      string
	Trigger   Trigger
	Enabled   bool
	// BrokenReason is set when the rule references something that no longer
	// exists; broken rules are never evaluated.
	BrokenReason string
	// BulkPausedAt is set only by a bulk pause, never by an individual disable.
	BulkPausedAt     *time.Time
	RecentExecutions []Execution
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsScheduled reports whether the rule has a time-based trigger. Only the
// value variants count; a pointer to a variant satisfies Trigger but is never
// scheduled.
func (r AutomationRule) IsScheduled() bool {
	_, ok := ScheduleOf(r.Trigger)
	return ok
}

// Evaluable reports whether the scheduler should look at the rule at all.
func (r AutomationRule) Evaluable() bool {
	return r.Enabled && r.BrokenReason == "" && r.IsScheduled()
}

// AppendExecution appends e and drops the oldest entries beyond
// MaxRecentExecutions.
func (r *AutomationRule) AppendExecution(e Execution) {
	r.RecentExecutions = append(r.RecentExecutions, e)
	if n := len(r.RecentExecutions); n > MaxRecentExecutions {
		r.RecentExecutions = append([]Execution(nil), r.RecentExecutions[n-MaxRecentExecutions:]...)
	}
}

// Clone returns a deep copy so callers can mutate it without aliasing
// repository state.
func (r AutomationRule) Clone() AutomationRule {
	cp := r
	cp.Trigger = cloneTrigger(r.Trigger)
	cp.BulkPausedAt = cloneTime(r.BulkPausedAt)
	if r.RecentExecutions != nil {
		cp.RecentExecutions = append([]Execution(nil), r.RecentExecutions...)
	}
	return cp
}

func cloneTrigger(t Trigger) Trigger {
	switch v := t.(type) {
	case IntervalTrigger:
		v.LastEvaluatedAt = cloneTime(v.LastEvaluatedAt)
		return v
	case CronTrigger:
		v.LastEvaluatedAt = cloneTime(v.LastEvaluatedAt)
		if v.DaysOfWeek != nil {
			v.DaysOfWeek = append([]time.Weekday(nil), v.DaysOfWeek...)
		}
		if v.DaysOfMonth != nil {
			v.DaysOfMonth = append([]int(nil), v.DaysOfMonth...)
		}
		return v
	case DueDateRelativeTrigger:
		v.LastEvaluatedAt = cloneTime(v.LastEvaluatedAt)
		return v
	case OneTimeTrigger:
		v.LastEvaluatedAt = cloneTime(v.LastEvaluatedAt)
		return v
	default:
		return t
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Task is the subset of a project task the scheduler needs.
type Task struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Title        string     `json:"title,omitempty"`
	DueDate      *time.Time `json:"due_date"`
	Completed    bool       `json:"completed"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
}

// ScheduleEvaluation is the outcome of evaluating one scheduled rule.
type ScheduleEvaluation struct {
	ShouldFire         bool
	NewLastEvaluatedAt time.Time
	// MatchingTaskIDs is set only by due-date-relative evaluation.
	MatchingTaskIDs []string
}
