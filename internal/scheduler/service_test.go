package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ruleflow/internal/clock"
	"ruleflow/internal/eventbus"
	"ruleflow/internal/rule"
	"ruleflow/internal/storage"
)

var t0 = time.Date(2025, 4, 7, 12, 0, 30, 0, time.UTC) // a Monday

type harness struct {
	clk   *clock.Manual
	store *storage.Memory
	svc   *Service

	mu        sync.Mutex
	fired     []Candidate
	summaries []TickSummary
	fireErr   func(Candidate) error
}

func newHarness(t *testing.T, rules ...rule.AutomationRule) *harness {
	t.Helper()
	h := &harness{clk: clock.NewManual(t0), store: storage.NewMemory()}
	ctx := context.Background()
	for _, r := range rules {
		if _, err := h.store.Rules().Create(ctx, r); err != nil {
			t.Fatalf("Create(%s): %v", r.ID, err)
		}
	}
	h.svc = New(Config{Timezone: "UTC"}, Deps{
		Rules: h.store.Rules(),
		Tasks: h.store.Tasks(),
		Clock: h.clk,
		OnRuleFired: func(_ context.Context, c Candidate) error {
			h.mu.Lock()
			h.fired = append(h.fired, c)
			fn := h.fireErr
			h.mu.Unlock()
			if fn != nil {
				return fn(c)
			}
			return nil
		},
		OnTickComplete: func(s TickSummary) {
			h.mu.Lock()
			h.summaries = append(h.summaries, s)
			h.mu.Unlock()
		},
	})
	t.Cleanup(h.svc.Stop)
	return h
}

func (h *harness) firedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

func (h *harness) rule(t *testing.T, id string) rule.AutomationRule {
	t.Helper()
	r, err := h.store.Rules().FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID(%s): %v", id, err)
	}
	return r
}

func lastEvaluated(t *testing.T, r rule.AutomationRule) *time.Time {
	t.Helper()
	s, ok := rule.ScheduleOf(r.Trigger)
	if !ok {
		t.Fatalf("rule %s has no schedule", r.ID)
	}
	return s.LastEvaluatedAt
}

func interval(id string, minutes int, last *time.Time) rule.AutomationRule {
	return rule.AutomationRule{
		ID:        id,
		ProjectID: "p1",
		Enabled:   true,
		Trigger:   rule.IntervalTrigger{Schedule: rule.Schedule{LastEvaluatedAt: last}, IntervalMinutes: minutes},
	}
}

func at(t time.Time) *time.Time { return &t }

func TestStartFiresFirstRunImmediately(t *testing.T) {
	h := newHarness(t, interval("r", 30, nil))
	h.svc.Start(context.Background())

	if got := h.firedCount(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
	if last := lastEvaluated(t, h.rule(t, "r")); last == nil || !last.Equal(t0) {
		t.Fatalf("LastEvaluatedAt = %v, want %v", last, t0)
	}
	// The callback sees the persisted timestamp.
	if last := lastEvaluated(t, h.fired[0].Rule); last == nil || !last.Equal(t0) {
		t.Fatalf("callback LastEvaluatedAt = %v, want %v", last, t0)
	}
	if h.fired[0].ExecutionType != rule.ExecutionScheduled {
		t.Fatalf("ExecutionType = %q, want %q", h.fired[0].ExecutionType, rule.ExecutionScheduled)
	}
}

func TestIntervalCadence(t *testing.T) {
	h := newHarness(t, interval("r", 5, at(t0)))
	h.svc.Start(context.Background())

	h.clk.Advance(4 * time.Minute)
	if got := h.firedCount(); got != 0 {
		t.Fatalf("fired after 4m = %d, want 0", got)
	}
	h.clk.Advance(time.Minute)
	if got := h.firedCount(); got != 1 {
		t.Fatalf("fired after 5m = %d, want 1", got)
	}
	want := t0.Add(5 * time.Minute)
	if last := lastEvaluated(t, h.rule(t, "r")); last == nil || !last.Equal(want) {
		t.Fatalf("LastEvaluatedAt = %v, want %v", last, want)
	}
}

func TestSkipMissedOnCatchUp(t *testing.T) {
	r := interval("r", 30, nil)
	r.Trigger = rule.IntervalTrigger{Schedule: rule.Schedule{CatchUpPolicy: rule.SkipMissed}, IntervalMinutes: 30}
	h := newHarness(t, r)
	h.svc.Start(context.Background())

	if got := h.firedCount(); got != 0 {
		t.Fatalf("fired = %d, want 0", got)
	}
	got := h.rule(t, "r")
	if last := lastEvaluated(t, got); last == nil || !last.Equal(t0) {
		t.Fatalf("LastEvaluatedAt = %v, want %v", last, t0)
	}
	if len(got.RecentExecutions) != 1 || got.RecentExecutions[0].ExecutionType != rule.ExecutionSkipped {
		t.Fatalf("RecentExecutions = %+v, want one skipped entry", got.RecentExecutions)
	}
	if len(h.summaries) != 1 || h.summaries[0].RulesFired != 0 || h.summaries[0].RulesSkipped != 1 {
		t.Fatalf("summaries = %+v, want one with 0 fired and 1 skipped", h.summaries)
	}

	// Periodic ticks are not catch-up ticks; the next window fires normally.
	h.clk.Advance(30 * time.Minute)
	if got := h.firedCount(); got != 1 {
		t.Fatalf("fired after 30m = %d, want 1", got)
	}
}

func TestStartStopStartKeepsOneTimer(t *testing.T) {
	h := newHarness(t, interval("r", 30, nil))
	ctx := context.Background()

	h.svc.Start(ctx)
	h.svc.Start(ctx)
	h.svc.Stop()
	h.svc.Start(ctx)

	if got := h.clk.Pending(); got != 1 {
		t.Fatalf("pending timers = %d, want 1", got)
	}
	if got := h.firedCount(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
	if !h.svc.IsRunning() {
		t.Fatal("IsRunning() = false, want true")
	}

	h.svc.Stop()
	h.svc.Stop()
	if got := h.clk.Pending(); got != 0 {
		t.Fatalf("pending timers after stop = %d, want 0", got)
	}
	h.clk.Advance(2 * time.Hour)
	if got := h.firedCount(); got != 1 {
		t.Fatalf("fired while stopped = %d, want 1", got)
	}
}

type failingRules struct {
	storage.RuleRepository
	findErr   error
	updateErr map[string]error
}

func (f failingRules) FindAll(ctx context.Context) ([]rule.AutomationRule, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.RuleRepository.FindAll(ctx)
}

func (f failingRules) Update(ctx context.Context, id string, fn func(*rule.AutomationRule)) (rule.AutomationRule, error) {
	if err := f.updateErr[id]; err != nil {
		return rule.AutomationRule{}, err
	}
	return f.RuleRepository.Update(ctx, id, fn)
}

// extraRules serves rules that bypass repository validation.
type extraRules struct {
	storage.RuleRepository
	extra []rule.AutomationRule
}

func (e extraRules) FindAll(ctx context.Context) ([]rule.AutomationRule, error) {
	rules, err := e.RuleRepository.FindAll(ctx)
	return append(rules, e.extra...), err
}

func TestUnsupportedTriggerDoesNotStopTick(t *testing.T) {
	h := newHarness(t, interval("ok", 30, nil))
	h.svc.deps.Rules = extraRules{
		RuleRepository: h.store.Rules(),
		extra: []rule.AutomationRule{
			{ID: "ptr", ProjectID: "p1", Enabled: true, Trigger: &rule.IntervalTrigger{IntervalMinutes: 5}},
		},
	}

	sum, err := h.svc.Tick(context.Background(), false)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sum.RulesEvaluated != 1 || sum.RulesFired != 1 {
		t.Fatalf("summary = %+v, want 1 evaluated and 1 fired", sum)
	}
	if h.fired[0].Rule.ID != "ok" {
		t.Fatalf("fired %s, want ok", h.fired[0].Rule.ID)
	}
}

func TestReadFailureAbortsTick(t *testing.T) {
	h := newHarness(t, interval("r", 30, nil))
	boom := errors.New("boom")
	h.svc.deps.Rules = failingRules{RuleRepository: h.store.Rules(), findErr: boom}

	if _, err := h.svc.Tick(context.Background(), false); !errors.Is(err, boom) {
		t.Fatalf("Tick err = %v, want %v", err, boom)
	}
	if got := h.firedCount(); got != 0 {
		t.Fatalf("fired = %d, want 0", got)
	}
	if last := lastEvaluated(t, h.rule(t, "r")); last != nil {
		t.Fatalf("LastEvaluatedAt = %v, want nil", last)
	}
}

func TestWriteFailureSkipsRule(t *testing.T) {
	h := newHarness(t, interval("a", 30, nil), interval("b", 30, nil))
	h.svc.deps.Rules = failingRules{RuleRepository: h.store.Rules(), updateErr: map[string]error{"a": errors.New("disk full")}}

	sum, err := h.svc.Tick(context.Background(), false)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sum.RulesFired != 1 || sum.RulesFailed != 1 {
		t.Fatalf("summary = %+v, want 1 fired and 1 failed", sum)
	}
	if h.fired[0].Rule.ID != "b" {
		t.Fatalf("fired %s, want b", h.fired[0].Rule.ID)
	}
}

func TestCallbackFailureDoesNotBlockOtherRules(t *testing.T) {
	h := newHarness(t, interval("err", 30, nil), interval("panic", 30, nil), interval("ok", 30, nil))
	h.fireErr = func(c Candidate) error {
		switch c.Rule.ID {
		case "err":
			return errors.New("action failed")
		case "panic":
			panic("action exploded")
		}
		return nil
	}

	sum, err := h.svc.Tick(context.Background(), false)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := h.firedCount(); got != 3 {
		t.Fatalf("callbacks = %d, want 3", got)
	}
	if sum.RulesFired != 3 {
		t.Fatalf("RulesFired = %d, want 3", sum.RulesFired)
	}
	for _, id := range []string{"err", "panic", "ok"} {
		if last := lastEvaluated(t, h.rule(t, id)); last == nil {
			t.Fatalf("rule %s LastEvaluatedAt = nil, want %v", id, t0)
		}
	}
}

func TestOneTimeDisabledAfterCallback(t *testing.T) {
	r := rule.AutomationRule{ID: "once", ProjectID: "p1", Enabled: true, Trigger: rule.OneTimeTrigger{FireAt: t0.Add(-time.Hour)}}
	h := newHarness(t, r)
	var sawEnabled bool
	h.fireErr = func(c Candidate) error {
		stored, err := h.store.Rules().FindByID(context.Background(), c.Rule.ID)
		if err != nil {
			return err
		}
		sawEnabled = c.Rule.Enabled && stored.Enabled
		return nil
	}

	if _, err := h.svc.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !sawEnabled {
		t.Fatal("callback did not observe the rule enabled")
	}
	got := h.rule(t, "once")
	if got.Enabled {
		t.Fatal("one-time rule still enabled after firing")
	}
	if last := lastEvaluated(t, got); last == nil || !last.Equal(t0) {
		t.Fatalf("LastEvaluatedAt = %v, want %v", last, t0)
	}

	h.clk.Advance(24 * time.Hour)
	if _, err := h.svc.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := h.firedCount(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
}

func TestStaleRefresh(t *testing.T) {
	cron := func(id string, last *time.Time) rule.AutomationRule {
		return rule.AutomationRule{ID: id, ProjectID: "p1", Enabled: true, Trigger: rule.CronTrigger{
			Schedule: rule.Schedule{LastEvaluatedAt: last},
			Hour:     3, Minute: 0, DaysOfMonth: []int{1},
		}}
	}
	recent := t0.Add(-time.Minute)
	old := t0.Add(-3 * time.Minute)
	inside := t0.Add(-10 * time.Minute)
	h := newHarness(t,
		cron("cron-old", &old),
		cron("cron-recent", &recent),
		cron("cron-new", nil),
		interval("interval-inside", 30, &inside),
		rule.AutomationRule{ID: "once-future", ProjectID: "p1", Enabled: true, Trigger: rule.OneTimeTrigger{FireAt: t0.Add(time.Hour)}},
		rule.AutomationRule{ID: "due", ProjectID: "p1", Enabled: true, Trigger: rule.DueDateRelativeTrigger{Schedule: rule.Schedule{LastEvaluatedAt: &old}}},
	)

	if _, err := h.svc.Tick(context.Background(), false); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := h.firedCount(); got != 0 {
		t.Fatalf("fired = %d, want 0", got)
	}

	tests := []struct {
		id   string
		want *time.Time
	}{
		{"cron-old", &t0},
		{"cron-recent", &recent},
		{"cron-new", &t0},
		{"interval-inside", &inside},
		{"once-future", nil},
		{"due", &t0},
	}
	for _, tt := range tests {
		last := lastEvaluated(t, h.rule(t, tt.id))
		switch {
		case tt.want == nil && last != nil:
			t.Fatalf("%s LastEvaluatedAt = %v, want nil", tt.id, last)
		case tt.want != nil && (last == nil || !last.Equal(*tt.want)):
			t.Fatalf("%s LastEvaluatedAt = %v, want %v", tt.id, last, *tt.want)
		}
	}
}

func TestTickSummary(t *testing.T) {
	h := newHarness(t,
		interval("interval", 30, nil),
		rule.AutomationRule{ID: "due", ProjectID: "p1", Enabled: true, Trigger: rule.DueDateRelativeTrigger{}},
		rule.AutomationRule{ID: "event", ProjectID: "p1", Enabled: true, Trigger: rule.EventTrigger{Type: rule.KindCardCreated}},
		rule.AutomationRule{ID: "off", ProjectID: "p1", Enabled: false, Trigger: rule.IntervalTrigger{IntervalMinutes: 1}},
	)
	ctx := context.Background()
	due := t0.Add(-10 * time.Second)
	for _, id := range []string{"t1", "t2"} {
		if err := h.store.Tasks().Upsert(ctx, rule.Task{ID: id, ProjectID: "p1", DueDate: &due}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	sum, err := h.svc.Tick(ctx, true)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !sum.At.Equal(t0) {
		t.Fatalf("At = %v, want %v", sum.At, t0)
	}
	want := TickSummary{At: sum.At, RulesEvaluated: 2, RulesFired: 2, TasksAffected: 3, IsCatchUp: true}
	if sum != want {
		t.Fatalf("summary = %+v, want %+v", sum, want)
	}
	if len(h.summaries) != 1 {
		t.Fatalf("tick callbacks = %d, want 1", len(h.summaries))
	}

	// No candidates: no summary callback.
	if _, err := h.svc.Tick(ctx, false); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(h.summaries) != 1 {
		t.Fatalf("tick callbacks = %d, want 1", len(h.summaries))
	}
	snap := h.svc.Snapshot()
	if snap.Ticks != 2 || snap.LastSummary == nil || snap.LastSummary.RulesFired != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestEvaluateSingleRuleWhileStopped(t *testing.T) {
	h := newHarness(t, interval("r", 30, at(t0)))
	h.clk.Advance(time.Minute)

	if err := h.svc.EvaluateSingleRule(context.Background(), h.rule(t, "r")); err != nil {
		t.Fatalf("EvaluateSingleRule: %v", err)
	}
	if h.svc.IsRunning() {
		t.Fatal("EvaluateSingleRule started the service")
	}
	if got := h.firedCount(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
	c := h.fired[0]
	want := t0.Add(time.Minute)
	if !c.Evaluation.ShouldFire || c.ExecutionType != rule.ExecutionManual {
		t.Fatalf("candidate = %+v, want manual fire", c)
	}
	if last := lastEvaluated(t, h.rule(t, "r")); last == nil || !last.Equal(want) {
		t.Fatalf("LastEvaluatedAt = %v, want %v", last, want)
	}

	if err := h.svc.EvaluateSingleRule(context.Background(), rule.AutomationRule{ID: "missing"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("EvaluateSingleRule(missing) err = %v, want ErrNotFound", err)
	}
}

type fakeVisibility struct {
	mu  sync.Mutex
	fns map[int]func()
	seq int
}

func (v *fakeVisibility) OnVisible(fn func()) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fns == nil {
		v.fns = map[int]func(){}
	}
	v.seq++
	id := v.seq
	v.fns[id] = fn
	return func() {
		v.mu.Lock()
		delete(v.fns, id)
		v.mu.Unlock()
	}
}

func (v *fakeVisibility) fire() int {
	v.mu.Lock()
	fns := make([]func(), 0, len(v.fns))
	for _, fn := range v.fns {
		fns = append(fns, fn)
	}
	v.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func TestVisibilityTriggersCatchUp(t *testing.T) {
	r := interval("r", 30, nil)
	r.Trigger = rule.IntervalTrigger{Schedule: rule.Schedule{CatchUpPolicy: rule.SkipMissed}, IntervalMinutes: 30}
	h := newHarness(t, r)
	vis := &fakeVisibility{}
	h.svc.deps.Visibility = vis
	bus := eventbus.New(h.clk)
	h.svc.bus = bus
	events, unsub := bus.Subscribe(32)
	defer unsub()

	h.svc.Start(context.Background())
	// Pretend the last evaluation happened before a long sleep.
	if _, err := h.store.Rules().Update(context.Background(), "r", func(r *rule.AutomationRule) {
		r.Trigger = rule.WithLastEvaluatedAt(r.Trigger, t0.Add(-3*time.Hour))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n := vis.fire(); n != 1 {
		t.Fatalf("visibility listeners = %d, want 1", n)
	}
	if h.firedCount() != 0 {
		t.Fatalf("fired = %d, want 0 (skip_missed catch-up)", h.firedCount())
	}
	got := h.rule(t, "r")
	skipped := 0
	for _, e := range got.RecentExecutions {
		if e.ExecutionType == rule.ExecutionSkipped {
			skipped++
		}
	}
	if skipped != 2 {
		t.Fatalf("skipped executions = %d, want 2", skipped)
	}
	if last := lastEvaluated(t, got); last == nil || !last.Equal(t0) {
		t.Fatalf("LastEvaluatedAt = %v, want %v", last, t0)
	}

	h.svc.Stop()
	if n := vis.fire(); n != 0 {
		t.Fatalf("visibility listeners after stop = %d, want 0", n)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) == 0 || types[0] != EventStarted || types[len(types)-1] != EventStopped {
		t.Fatalf("events = %v, want started ... stopped", types)
	}
}

func TestPreview(t *testing.T) {
	h := newHarness(t,
		interval("r", 30, at(t0)),
		rule.AutomationRule{ID: "event", ProjectID: "p1", Enabled: true, Trigger: rule.EventTrigger{Type: rule.KindCardMarkedComplete}},
	)
	got, err := h.svc.Preview(context.Background())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(got) != 1 || !got[0].HasNext || !got[0].NextFire.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("Preview = %+v, want r next at %v", got, t0.Add(30*time.Minute))
	}
}
