package scheduler

import (
	"context"
	"time"

	"ruleflow/internal/clock"
	"ruleflow/internal/eventbus"
	"ruleflow/internal/rule"
	"ruleflow/internal/storage"
	logx "ruleflow/pkg/logx"
)

// DefaultTickInterval is the periodic tick period when Config leaves it unset.
const DefaultTickInterval = 60 * time.Second

// Config controls the scheduler service.
type Config struct {
	Enabled      bool
	TickInterval time.Duration
	Timezone     string // IANA TZ used for cron matching; empty means local
}

// Candidate is a rule handed to the fire callback.
type Candidate struct {
	Rule       rule.AutomationRule
	Evaluation rule.ScheduleEvaluation
	// ExecutionType is rule.ExecutionScheduled for ticks and
	// rule.ExecutionManual for EvaluateSingleRule.
	ExecutionType string
}

// TasksAffected is the number of matched tasks, or 1 for rules that do not
// match tasks.
func (c Candidate) TasksAffected() int {
	if n := len(c.Evaluation.MatchingTaskIDs); n > 0 {
		return n
	}
	return 1
}

// FireFunc routes a fired rule to the action pipeline. Its rule already has
// the new LastEvaluatedAt persisted.
type FireFunc func(ctx context.Context, c Candidate) error

// TickFunc receives the summary of a tick that had at least one candidate.
type TickFunc func(TickSummary)

// TickSummary describes one tick. A candidate whose evaluation timestamp could
// not be persisted is counted in RulesFailed instead of RulesFired, since its
// callback never ran.
type TickSummary struct {
	At             time.Time `json:"at"`
	RulesEvaluated int       `json:"rules_evaluated"`
	RulesFired     int       `json:"rules_fired"`
	RulesSkipped   int       `json:"rules_skipped"`
	RulesFailed    int       `json:"rules_failed"`
	TasksAffected  int       `json:"tasks_affected"`
	IsCatchUp      bool      `json:"is_catch_up"`
}

// Visibility reports the host regaining focus (resume from sleep, SIGCONT).
type Visibility interface {
	OnVisible(fn func()) (unsubscribe func())
}

// Deps are the collaborators of a Service. Rules and Tasks are required.
type Deps struct {
	Rules          storage.RuleRepository
	Tasks          storage.TaskRepository
	Clock          clock.Clock
	OnRuleFired    FireFunc
	OnTickComplete TickFunc
	Visibility     Visibility
	Bus            eventbus.Bus
	Log            logx.Logger
}

// Event types published on the event bus.
const (
	EventStarted      = "scheduler.started"
	EventStopped      = "scheduler.stopped"
	EventTick         = "scheduler.tick"
	EventRuleFired    = "rule.fired"
	EventRuleSkipped  = "rule.skipped"
	EventFireFailed   = "rule.fire_failed"
	EventAutoDisabled = "rule.auto_disabled"
)

// RuleEvent is the payload of rule.* events.
type RuleEvent struct {
	RuleID        string    `json:"rule_id"`
	ProjectID     string    `json:"project_id"`
	Kind          rule.Kind `json:"kind"`
	At            time.Time `json:"at"`
	TasksAffected int       `json:"tasks_affected,omitempty"`
	Manual        bool      `json:"manual,omitempty"`
	Error         string    `json:"error,omitempty"`
}
