package scheduler

import (
	"context"
	"time"

	"ruleflow/internal/rule"
	"ruleflow/internal/schedule"
)

// Snapshot is a point-in-time view of the service for diagnostics.
type Snapshot struct {
	Running      bool          `json:"running"`
	TickInterval time.Duration `json:"tick_interval"`
	Timezone     string        `json:"timezone"`
	Ticks        uint64        `json:"ticks"`
	LastTickAt   time.Time     `json:"last_tick_at"`
	LastSummary  *TickSummary  `json:"last_summary,omitempty"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:      s.running,
		TickInterval: s.cfg.TickInterval,
		Timezone:     s.loc.String(),
	}
	s.mu.Unlock()

	s.tickMu.Lock()
	snap.Ticks = s.ticks
	snap.LastTickAt = s.lastTickAt
	if s.lastSummary != nil {
		cp := *s.lastSummary
		snap.LastSummary = &cp
	}
	s.tickMu.Unlock()
	return snap
}

// RulePreview describes when a scheduled rule would next fire.
type RulePreview struct {
	Rule     rule.AutomationRule
	NextFire time.Time
	HasNext  bool
}

// Preview lists the scheduled rules with a best-effort next fire time.
// Disabled and broken rules report no next fire.
func (s *Service) Preview(ctx context.Context) ([]RulePreview, error) {
	rules, err := s.deps.Rules.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []RulePreview
	for _, r := range rules {
		if !r.IsScheduled() {
			continue
		}
		p := RulePreview{Rule: r}
		if r.Evaluable() {
			p.NextFire, p.HasNext = schedule.NextFire(now, r)
		}
		out = append(out, p)
	}
	return out, nil
}
