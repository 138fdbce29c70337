package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"ruleflow/internal/eventbus"
	"ruleflow/internal/rule"
	"ruleflow/internal/schedule"
	logx "ruleflow/pkg/logx"
)

// staleTicks is how many tick periods a cron or due-date rule may go without
// a recorded evaluation before the stale refresh advances it.
const staleTicks = 2

// Tick runs one evaluation pass. The returned error is non-nil only when the
// rules or tasks could not be read, in which case nothing was written.
func (s *Service) Tick(ctx context.Context, isCatchUp bool) (TickSummary, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()
	s.mu.Lock()
	interval := s.cfg.TickInterval
	s.mu.Unlock()

	rules, err := s.deps.Rules.FindAll(ctx)
	if err != nil {
		s.log.Warn("tick aborted: read rules", logx.Err(err), logx.Bool("catch_up", isCatchUp))
		return TickSummary{}, fmt.Errorf("read rules: %w", err)
	}
	tasks, err := s.deps.Tasks.FindAll(ctx)
	if err != nil {
		s.log.Warn("tick aborted: read tasks", logx.Err(err), logx.Bool("catch_up", isCatchUp))
		return TickSummary{}, fmt.Errorf("read tasks: %w", err)
	}

	sum := TickSummary{At: now, IsCatchUp: isCatchUp}
	for _, r := range rules {
		if r.Evaluable() {
			sum.RulesEvaluated++
			continue
		}
		if r.Enabled && r.Trigger != nil && r.Trigger.Kind().IsScheduled() {
			s.warnRule(now, r.ID, "unsupported trigger; rule not evaluated", fmt.Errorf("trigger type %T", r.Trigger))
		}
	}

	candidates := schedule.EvaluateScheduledRules(now, rules, tasks)
	selected := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		selected[c.Rule.ID] = true
		s.fireCandidate(ctx, now, c, isCatchUp, &sum)
	}
	s.refreshStale(ctx, now, interval, rules, selected)

	s.ticks++
	s.lastTickAt = now
	if len(candidates) > 0 {
		cp := sum
		s.lastSummary = &cp
	}

	s.log.Debug("tick complete",
		logx.Bool("catch_up", isCatchUp),
		logx.Int("evaluated", sum.RulesEvaluated),
		logx.Int("candidates", len(candidates)),
		logx.Int("fired", sum.RulesFired),
	)
	s.bus.Publish(eventbus.Event{Type: EventTick, Time: now, Data: sum})

	if len(candidates) > 0 && s.deps.OnTickComplete != nil {
		s.safeTickComplete(sum)
	}
	return sum, nil
}

func (s *Service) fireCandidate(ctx context.Context, now time.Time, c schedule.Candidate, isCatchUp bool, sum *TickSummary) {
	sched, _ := rule.ScheduleOf(c.Rule.Trigger)
	skip := isCatchUp && sched.SkipsMissed()
	kind := c.Rule.Trigger.Kind()

	// The evaluation timestamp is persisted before any side effect.
	updated, err := s.deps.Rules.Update(ctx, c.Rule.ID, func(r *rule.AutomationRule) {
		advance(r, c.Evaluation.NewLastEvaluatedAt)
		r.UpdatedAt = now
		if skip {
			r.AppendExecution(rule.Execution{
				Timestamp:     now,
				TriggerType:   kind,
				ExecutionType: rule.ExecutionSkipped,
				Details:       "missed window skipped on catch-up",
			})
		}
	})
	if err != nil {
		sum.RulesFailed++
		s.warnRule(now, c.Rule.ID, "persist evaluation failed; rule skipped this tick", err)
		return
	}

	ev := RuleEvent{RuleID: updated.ID, ProjectID: updated.ProjectID, Kind: kind, At: now}
	if skip {
		sum.RulesSkipped++
		s.log.Info("missed window skipped", logx.String("rule", updated.ID), logx.String("kind", string(kind)))
		s.bus.Publish(eventbus.Event{Type: EventRuleSkipped, Time: now, Data: ev})
	} else {
		cand := Candidate{Rule: updated, Evaluation: c.Evaluation, ExecutionType: rule.ExecutionScheduled}
		sum.RulesFired++
		sum.TasksAffected += cand.TasksAffected()
		ev.TasksAffected = cand.TasksAffected()
		if err := s.fire(ctx, cand); err != nil {
			ev.Error = err.Error()
			s.log.Warn("fire callback failed", logx.String("rule", updated.ID), logx.Err(err))
			s.bus.Publish(eventbus.Event{Type: EventFireFailed, Time: now, Data: ev})
		} else {
			s.bus.Publish(eventbus.Event{Type: EventRuleFired, Time: now, Data: ev})
		}
	}

	// One-time rules are disabled only after the callback has returned.
	if _, ok := updated.Trigger.(rule.OneTimeTrigger); ok {
		if _, err := s.deps.Rules.Update(ctx, updated.ID, func(r *rule.AutomationRule) {
			r.Enabled = false
			r.UpdatedAt = now
		}); err != nil {
			s.warnRule(now, updated.ID, "auto-disable failed", err)
			return
		}
		s.log.Info("one-time rule disabled", logx.String("rule", updated.ID))
		s.bus.Publish(eventbus.Event{Type: EventAutoDisabled, Time: now, Data: RuleEvent{RuleID: updated.ID, ProjectID: updated.ProjectID, Kind: kind, At: now}})
	}
}

// refreshStale advances rules that were not selected this tick so that a
// long absence does not leave an ever-growing backlog behind them.
func (s *Service) refreshStale(ctx context.Context, now time.Time, interval time.Duration, rules []rule.AutomationRule, selected map[string]bool) {
	for _, r := range rules {
		if !r.Evaluable() || selected[r.ID] {
			continue
		}
		if !isStale(now, interval, r.Trigger) {
			continue
		}
		if _, err := s.deps.Rules.Update(ctx, r.ID, func(x *rule.AutomationRule) {
			advance(x, now)
		}); err != nil {
			s.warnRule(now, r.ID, "stale refresh failed", err)
		}
	}
}

func isStale(now time.Time, tickInterval time.Duration, t rule.Trigger) bool {
	sched, _ := rule.ScheduleOf(t)
	last := sched.LastEvaluatedAt
	switch t := t.(type) {
	case rule.IntervalTrigger:
		// Rules still inside their window are never touched.
		return last != nil && now.Sub(*last) > t.Interval()
	case rule.CronTrigger, rule.DueDateRelativeTrigger:
		return last == nil || now.Sub(*last) > staleTicks*tickInterval
	default:
		return false
	}
}

// advance sets the rule's LastEvaluatedAt to at unless it already is later.
func advance(r *rule.AutomationRule, at time.Time) {
	if sched, ok := rule.ScheduleOf(r.Trigger); ok && sched.LastEvaluatedAt != nil && sched.LastEvaluatedAt.After(at) {
		return
	}
	r.Trigger = rule.WithLastEvaluatedAt(r.Trigger, at)
}

// EvaluateSingleRule fires r now regardless of its schedule ("Run Now"). It
// records now as the rule's LastEvaluatedAt first and works while stopped.
func (s *Service) EvaluateSingleRule(ctx context.Context, r rule.AutomationRule) error {
	now := s.now()
	updated, err := s.deps.Rules.Update(ctx, r.ID, func(x *rule.AutomationRule) {
		x.Trigger = rule.WithLastEvaluatedAt(x.Trigger, now)
		x.UpdatedAt = now
	})
	if err != nil {
		return fmt.Errorf("run now %s: %w", r.ID, err)
	}
	cand := Candidate{
		Rule:          updated,
		Evaluation:    rule.ScheduleEvaluation{ShouldFire: true, NewLastEvaluatedAt: now},
		ExecutionType: rule.ExecutionManual,
	}
	ev := RuleEvent{RuleID: updated.ID, ProjectID: updated.ProjectID, At: now, Manual: true, TasksAffected: cand.TasksAffected()}
	if updated.Trigger != nil {
		ev.Kind = updated.Trigger.Kind()
	}
	if err := s.fire(ctx, cand); err != nil {
		ev.Error = err.Error()
		s.bus.Publish(eventbus.Event{Type: EventFireFailed, Time: now, Data: ev})
		return fmt.Errorf("run now %s: %w", r.ID, err)
	}
	s.log.Info("rule run manually", logx.String("rule", updated.ID))
	s.bus.Publish(eventbus.Event{Type: EventRuleFired, Time: now, Data: ev})
	return nil
}

func (s *Service) fire(ctx context.Context, c Candidate) (err error) {
	if s.deps.OnRuleFired == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in fire callback", logx.String("rule", c.Rule.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("fire callback panic: %v", r)
		}
	}()
	return s.deps.OnRuleFired(ctx, c)
}

func (s *Service) safeTickComplete(sum TickSummary) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in tick callback", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	s.deps.OnTickComplete(sum)
}

// warnRule logs a per-rule write failure at most once a minute per rule.
func (s *Service) warnRule(now time.Time, ruleID, msg string, err error) {
	s.warnMu.Lock()
	lim, ok := s.warn[ruleID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute), 1)
		s.warn[ruleID] = lim
	}
	allow := lim.AllowN(now, 1)
	s.warnMu.Unlock()
	if allow {
		s.log.Warn(msg, logx.String("rule", ruleID), logx.Err(err))
	}
}
