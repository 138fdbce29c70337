package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ruleflow/internal/rule"
	logx "ruleflow/pkg/logx"
)

type opener func(t *testing.T, path string) Store

func drivers() map[string]opener {
	open := func(driver string) opener {
		return func(t *testing.T, path string) Store {
			t.Helper()
			s, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(%s): %v", driver, err)
			}
			return s
		}
	}
	return map[string]opener{
		"memory": open("memory"),
		"file":   open("file"),
		"sqlite": open("sqlite"),
	}
}

func intervalRule(id, project string) rule.AutomationRule {
	return rule.AutomationRule{
		ID:        id,
		ProjectID: project,
		Name:      id,
		Enabled:   true,
		Trigger:   rule.IntervalTrigger{IntervalMinutes: 5},
	}
}

func TestRuleRepositoryContract(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t, filepath.Join(t.TempDir(), "store.db"))
			t.Cleanup(func() { _ = s.Close() })
			rules := s.Rules()

			for _, r := range []rule.AutomationRule{intervalRule("a", "p1"), intervalRule("b", "p2"), intervalRule("c", "p1")} {
				if _, err := rules.Create(ctx, r); err != nil {
					t.Fatalf("Create(%s): %v", r.ID, err)
				}
			}
			if _, err := rules.Create(ctx, intervalRule("a", "p1")); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate Create err = %v, want ErrExists", err)
			}
			if _, err := rules.Create(ctx, rule.AutomationRule{ProjectID: "p1"}); err == nil {
				t.Fatal("Create accepted a rule without trigger")
			}

			all, err := rules.FindAll(ctx)
			if err != nil {
				t.Fatalf("FindAll: %v", err)
			}
			if got := ids(all); got != "a,b,c" {
				t.Fatalf("FindAll = %s, want a,b,c", got)
			}
			p1, err := rules.FindByProjectID(ctx, "p1")
			if err != nil {
				t.Fatalf("FindByProjectID: %v", err)
			}
			if got := ids(p1); got != "a,c" {
				t.Fatalf("FindByProjectID = %s, want a,c", got)
			}

			at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
			updated, err := rules.Update(ctx, "a", func(r *rule.AutomationRule) {
				r.Trigger = rule.WithLastEvaluatedAt(r.Trigger, at)
				r.AppendExecution(rule.Execution{Timestamp: at, TriggerType: rule.KindInterval, ExecutionType: rule.ExecutionScheduled})
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, err := rules.FindByID(ctx, "a")
			if err != nil {
				t.Fatalf("FindByID: %v", err)
			}
			sched, _ := rule.ScheduleOf(got.Trigger)
			if sched.LastEvaluatedAt == nil || !sched.LastEvaluatedAt.Equal(at) {
				t.Fatalf("LastEvaluatedAt = %v, want %v", sched.LastEvaluatedAt, at)
			}
			if len(got.RecentExecutions) != 1 || len(updated.RecentExecutions) != 1 {
				t.Fatalf("RecentExecutions = %d/%d, want 1", len(got.RecentExecutions), len(updated.RecentExecutions))
			}

			// Returned values are copies.
			updated.RecentExecutions[0].Details = "mutated"
			again, _ := rules.FindByID(ctx, "a")
			if again.RecentExecutions[0].Details != "" {
				t.Fatal("mutating a returned rule leaked into the store")
			}

			if _, err := rules.Update(ctx, "missing", func(*rule.AutomationRule) {}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Update(missing) err = %v, want ErrNotFound", err)
			}
			if _, err := rules.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("FindByID(missing) err = %v, want ErrNotFound", err)
			}
			if err := rules.Delete(ctx, "b"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := rules.Delete(ctx, "b"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second Delete err = %v, want ErrNotFound", err)
			}
			all, _ = rules.FindAll(ctx)
			if got := ids(all); got != "a,c" {
				t.Fatalf("FindAll after delete = %s, want a,c", got)
			}
		})
	}
}

func TestCreateAssignsID(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	r := intervalRule("", "p1")
	got, err := s.Rules().Create(context.Background(), r)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.ID == "" {
		t.Fatal("Create did not assign an id")
	}
}

func TestTaskRepositoryContract(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t, filepath.Join(t.TempDir(), "store.db"))
			t.Cleanup(func() { _ = s.Close() })
			tasks := s.Tasks()

			due := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
			if err := tasks.Upsert(ctx, rule.Task{ID: "t1", ProjectID: "p1", DueDate: &due}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := tasks.Upsert(ctx, rule.Task{ID: "t2", ProjectID: "p1"}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := tasks.Upsert(ctx, rule.Task{ID: "t1", ProjectID: "p1", DueDate: &due, Completed: true}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := tasks.Upsert(ctx, rule.Task{}); err == nil {
				t.Fatal("Upsert accepted a task without id")
			}

			all, err := tasks.FindAll(ctx)
			if err != nil {
				t.Fatalf("FindAll: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("len(FindAll) = %d, want 2", len(all))
			}
			if all[0].ID != "t1" || !all[0].Completed || all[0].DueDate == nil || !all[0].DueDate.Equal(due) {
				t.Fatalf("task t1 = %+v, want completed with due %v", all[0], due)
			}
		})
	}
}

func TestPersistentDriversSurviveReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "nested", "store.db")}

			s, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			paused := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
			r := intervalRule("a", "p1")
			r.Trigger = rule.CronTrigger{Hour: 9, DaysOfWeek: []time.Weekday{time.Monday}}
			r.BulkPausedAt = &paused
			if _, err := s.Rules().Create(ctx, r); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := s.Tasks().Upsert(ctx, rule.Task{ID: "t", ProjectID: "p1"}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			s, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer s.Close()
			got, err := s.Rules().FindByID(ctx, "a")
			if err != nil {
				t.Fatalf("FindByID: %v", err)
			}
			ct, ok := got.Trigger.(rule.CronTrigger)
			if !ok || ct.Hour != 9 || len(ct.DaysOfWeek) != 1 {
				t.Fatalf("trigger = %#v, want cron at 09:00 on Monday", got.Trigger)
			}
			if got.BulkPausedAt == nil || !got.BulkPausedAt.Equal(paused) {
				t.Fatalf("BulkPausedAt = %v, want %v", got.BulkPausedAt, paused)
			}
			tasks, _ := s.Tasks().FindAll(ctx)
			if len(tasks) != 1 {
				t.Fatalf("len(tasks) = %d, want 1", len(tasks))
			}
		})
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(none) err = %v, want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("Open accepted an unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver accepted an empty path")
	}
	s, err := Open(Config{}, logx.Logger{})
	if err != nil {
		t.Fatalf("Open(default): %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("default driver = %T, want *Memory", s)
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemory().Rules().FindAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("FindAll err = %v, want context.Canceled", err)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := defaultRetryConfig
	for attempt := 0; attempt < 6; attempt++ {
		d := backoffDelay(cfg, attempt)
		if d < cfg.baseDelay || d >= cfg.maxDelay+cfg.baseDelay {
			t.Fatalf("backoffDelay(%d) = %v out of range", attempt, d)
		}
	}
	if !isTransientSQLiteErr(errors.New("database is locked")) || isTransientSQLiteErr(ErrNotFound) {
		t.Fatal("isTransientSQLiteErr misclassified")
	}
}

func ids(rs []rule.AutomationRule) string {
	var s string
	for i, r := range rs {
		if i > 0 {
			s += ","
		}
		s += r.ID
	}
	return s
}
