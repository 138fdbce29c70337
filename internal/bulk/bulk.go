// Package bulk pauses and resumes every scheduled rule of a project at once,
// without disturbing rules a user disabled individually.
package bulk

import (
	"context"
	"fmt"

	"ruleflow/internal/clock"
	"ruleflow/internal/rule"
	"ruleflow/internal/storage"
	logx "ruleflow/pkg/logx"
)

// PauseResult lists the rules a bulk pause disabled.
type PauseResult struct {
	PausedCount   int      `json:"paused_count"`
	PausedRuleIDs []string `json:"paused_rule_ids"`
}

// ResumeResult lists the rules a bulk resume re-enabled.
type ResumeResult struct {
	ResumedCount   int      `json:"resumed_count"`
	ResumedRuleIDs []string `json:"resumed_rule_ids"`
}

// Service runs bulk pause and resume against a rule repository.
type Service struct {
	rules storage.RuleRepository
	clk   clock.Clock
	log   logx.Logger
}

// New returns a Service. A nil clock means the system clock.
func New(rules storage.RuleRepository, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{rules: rules, clk: clk, log: log}
}

// PauseAllScheduled disables every enabled scheduled rule of the project and
// marks it as bulk-paused. Already disabled rules are left untouched.
//
// On a write error the rules paused so far stay paused and are reported in
// the result alongside the error.
func (s *Service) PauseAllScheduled(ctx context.Context, projectID string) (PauseResult, error) {
	rules, err := s.rules.FindByProjectID(ctx, projectID)
	if err != nil {
		return PauseResult{}, fmt.Errorf("pause %s: %w", projectID, err)
	}
	now := s.clk.Now()
	res := PauseResult{PausedRuleIDs: []string{}}
	for _, r := range rules {
		if !r.Enabled || !r.IsScheduled() {
			continue
		}
		if _, err := s.rules.Update(ctx, r.ID, func(x *rule.AutomationRule) {
			x.Enabled = false
			paused := now
			x.BulkPausedAt = &paused
			x.UpdatedAt = now
		}); err != nil {
			return res, fmt.Errorf("pause rule %s: %w", r.ID, err)
		}
		res.PausedCount++
		res.PausedRuleIDs = append(res.PausedRuleIDs, r.ID)
	}
	s.log.Info("scheduled rules paused", logx.String("project", projectID), logx.Int("count", res.PausedCount))
	s.log.Debug("paused rule ids", logx.Strings("rules", res.PausedRuleIDs))
	return res, nil
}

// ResumeAllScheduled re-enables every bulk-paused rule of the project. Rules
// without a bulk pause mark are never touched.
func (s *Service) ResumeAllScheduled(ctx context.Context, projectID string) (ResumeResult, error) {
	rules, err := s.rules.FindByProjectID(ctx, projectID)
	if err != nil {
		return ResumeResult{}, fmt.Errorf("resume %s: %w", projectID, err)
	}
	now := s.clk.Now()
	res := ResumeResult{ResumedRuleIDs: []string{}}
	for _, r := range rules {
		if r.BulkPausedAt == nil {
			continue
		}
		if _, err := s.rules.Update(ctx, r.ID, func(x *rule.AutomationRule) {
			x.Enabled = true
			x.BulkPausedAt = nil
			x.UpdatedAt = now
		}); err != nil {
			return res, fmt.Errorf("resume rule %s: %w", r.ID, err)
		}
		res.ResumedCount++
		res.ResumedRuleIDs = append(res.ResumedRuleIDs, r.ID)
	}
	s.log.Info("scheduled rules resumed", logx.String("project", projectID), logx.Int("count", res.ResumedCount))
	s.log.Debug("resumed rule ids", logx.Strings("rules", res.ResumedRuleIDs))
	return res, nil
}
