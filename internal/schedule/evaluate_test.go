package schedule

import (
	"math/rand"
	"reflect"
	"slices"
	"testing"
	"time"

	"ruleflow/internal/rule"
)

var base = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC) // a Wednesday

func ptr(t time.Time) *time.Time { return &t }

func TestEvaluateIntervalFirstRunFires(t *testing.T) {
	t.Parallel()
	ev := EvaluateInterval(base, nil, 30*time.Minute)
	if !ev.ShouldFire || !ev.NewLastEvaluatedAt.Equal(base) {
		t.Fatalf("eval = %+v, want fire at %v", ev, base)
	}
}

func TestEvaluateIntervalBoundary(t *testing.T) {
	t.Parallel()
	last := base
	if ev := EvaluateInterval(base.Add(5*time.Minute-time.Millisecond), &last, 5*time.Minute); ev.ShouldFire {
		t.Fatal("fired before interval elapsed")
	}
	ev := EvaluateInterval(base.Add(5*time.Minute), &last, 5*time.Minute)
	if !ev.ShouldFire {
		t.Fatal("did not fire at exactly one interval")
	}
	// Many missed intervals collapse into one fire stamped at now.
	now := base.Add(7 * time.Hour)
	ev = EvaluateInterval(now, &last, 5*time.Minute)
	if !ev.ShouldFire || !ev.NewLastEvaluatedAt.Equal(now) {
		t.Fatalf("eval = %+v, want single fire at %v", ev, now)
	}
}

func TestEvaluateIntervalProperties(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		interval := time.Duration(1+rng.Intn(24*60)) * time.Minute
		now := base.Add(time.Duration(rng.Int63n(int64(30 * 24 * time.Hour))))
		var last *time.Time
		if rng.Intn(5) > 0 {
			last = ptr(now.Add(-time.Duration(rng.Int63n(int64(3 * interval)))))
		}

		ev := EvaluateInterval(now, last, interval)
		if ev2 := EvaluateInterval(now, last, interval); !reflect.DeepEqual(ev, ev2) {
			t.Fatalf("non-deterministic: %+v vs %+v", ev, ev2)
		}
		if !ev.ShouldFire {
			continue
		}
		// At most once per window.
		if again := EvaluateInterval(now, ptr(ev.NewLastEvaluatedAt), interval); again.ShouldFire {
			t.Fatalf("refired with returned timestamp: interval=%v now=%v", interval, now)
		}
		// Monotonic in now.
		later := now.Add(time.Duration(rng.Int63n(int64(48 * time.Hour))))
		if !EvaluateInterval(later, last, interval).ShouldFire {
			t.Fatalf("fired at %v but not at later %v", now, later)
		}
	}
}

func TestEvaluateCron(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		now  time.Time
		last *time.Time
		p    CronParams
		want bool
	}{
		{
			name: "first run inside matched minute",
			now:  base.Add(30 * time.Second),
			p:    CronParams{Hour: 10, Minute: 0},
			want: true,
		},
		{
			name: "first run after matched minute is not a backlog fire",
			now:  base.Add(2 * time.Minute),
			p:    CronParams{Hour: 10, Minute: 0},
			want: false,
		},
		{
			name: "missed window after last evaluation fires",
			now:  base.Add(3 * time.Hour),
			last: ptr(base.Add(-time.Hour)),
			p:    CronParams{Hour: 10, Minute: 0},
			want: true,
		},
		{
			name: "match before last evaluation does not fire",
			now:  base.Add(3 * time.Hour),
			last: ptr(base.Add(time.Minute)),
			p:    CronParams{Hour: 10, Minute: 0},
			want: false,
		},
		{
			name: "match equal to last evaluation does not fire",
			now:  base.Add(time.Hour),
			last: ptr(base),
			p:    CronParams{Hour: 10, Minute: 0},
			want: false,
		},
		{
			name: "weekday filter picks previous monday",
			now:  base,
			last: ptr(base.Add(-3 * 24 * time.Hour)), // Sunday
			p:    CronParams{Hour: 9, Minute: 0, DaysOfWeek: []time.Weekday{time.Monday}},
			want: true,
		},
		{
			name: "no match within seven days",
			now:  base,
			last: ptr(base.Add(-40 * 24 * time.Hour)),
			p:    CronParams{Hour: 9, Minute: 0, DaysOfMonth: []int{1}},
			want: false,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := EvaluateCron(tt.now, tt.last, tt.p)
			if ev.ShouldFire != tt.want {
				t.Fatalf("ShouldFire = %v, want %v", ev.ShouldFire, tt.want)
			}
			if !ev.NewLastEvaluatedAt.Equal(tt.now) {
				t.Fatalf("NewLastEvaluatedAt = %v, want %v", ev.NewLastEvaluatedAt, tt.now)
			}
		})
	}
}

func TestCronDayOfMonthClampsToMonthEnd(t *testing.T) {
	t.Parallel()
	// 2025-02-28 is the last day of February; day 31 clamps onto it.
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	match, ok := MostRecentCronMatch(now, CronParams{Hour: 8, Minute: 0, DaysOfMonth: []int{31}})
	if !ok {
		t.Fatal("expected a match")
	}
	if want := time.Date(2025, 2, 28, 8, 0, 0, 0, time.UTC); !match.Equal(want) {
		t.Fatalf("match = %v, want %v", match, want)
	}
}

func TestCronMatchesSatisfyConstraints(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		p := CronParams{Hour: rng.Intn(24), Minute: rng.Intn(60)}
		for d := 0; d < 7; d++ {
			if rng.Intn(3) == 0 {
				p.DaysOfWeek = append(p.DaysOfWeek, time.Weekday(d))
			}
		}
		if rng.Intn(2) == 0 {
			p.DaysOfMonth = []int{1 + rng.Intn(31)}
		}
		now := base.Add(time.Duration(rng.Int63n(int64(400 * 24 * time.Hour))))
		match, ok := MostRecentCronMatch(now, p)
		if !ok {
			continue
		}
		if match.After(now) || now.Sub(match) > 8*24*time.Hour {
			t.Fatalf("match %v out of range for now %v", match, now)
		}
		if match.Hour() != p.Hour || match.Minute() != p.Minute {
			t.Fatalf("match %v does not hit %02d:%02d", match, p.Hour, p.Minute)
		}
		if len(p.DaysOfWeek) > 0 && !slices.Contains(p.DaysOfWeek, match.Weekday()) {
			t.Fatalf("match %v weekday not in %v", match, p.DaysOfWeek)
		}
		if len(p.DaysOfMonth) > 0 && min(p.DaysOfMonth[0], lastDayOfMonth(match)) != match.Day() {
			t.Fatalf("match %v day not in %v", match, p.DaysOfMonth)
		}
	}
}

func TestEvaluateDueDateRelative(t *testing.T) {
	t.Parallel()
	last := base.Add(-10 * time.Minute)
	tasks := []rule.Task{
		{ID: "boundary-start", DueDate: ptr(last)},                                    // excluded: window start is exclusive
		{ID: "inside", DueDate: ptr(base.Add(-5 * time.Minute))},                      // included
		{ID: "exact-now", DueDate: ptr(base)},                                         // included: window end is inclusive
		{ID: "future", DueDate: ptr(base.Add(time.Second))},                           // excluded
		{ID: "done", DueDate: ptr(base.Add(-time.Minute)), Completed: true},           // excluded
		{ID: "subtask", DueDate: ptr(base.Add(-time.Minute)), ParentTaskID: "inside"}, // excluded
		{ID: "no-due"}, // excluded
	}
	ev := EvaluateDueDateRelative(base, &last, 0, tasks)
	if !ev.ShouldFire {
		t.Fatal("expected fire")
	}
	if want := []string{"inside", "exact-now"}; !reflect.DeepEqual(ev.MatchingTaskIDs, want) {
		t.Fatalf("MatchingTaskIDs = %v, want %v", ev.MatchingTaskIDs, want)
	}
}

func TestEvaluateDueDateRelativeOffsetAndFirstRun(t *testing.T) {
	t.Parallel()
	// Fire 30 minutes before the due date.
	tasks := []rule.Task{{ID: "t", DueDate: ptr(base.Add(30*time.Minute - 20*time.Second))}}
	ev := EvaluateDueDateRelative(base, nil, -30*time.Minute, tasks)
	if !ev.ShouldFire {
		t.Fatal("expected first-run match within lookback")
	}
	old := []rule.Task{{ID: "old", DueDate: ptr(base.Add(-2 * time.Minute))}}
	if ev := EvaluateDueDateRelative(base, nil, 0, old); ev.ShouldFire {
		t.Fatal("first run must not look back further than FirstRunLookback")
	}
}

func TestEvaluateOneTime(t *testing.T) {
	t.Parallel()
	fireAt := base
	if EvaluateOneTime(base.Add(-time.Second), nil, fireAt).ShouldFire {
		t.Fatal("fired before fireAt")
	}
	ev := EvaluateOneTime(base.Add(time.Hour), nil, fireAt)
	if !ev.ShouldFire {
		t.Fatal("did not fire after fireAt")
	}
	if EvaluateOneTime(base.Add(2*time.Hour), ptr(ev.NewLastEvaluatedAt), fireAt).ShouldFire {
		t.Fatal("fired twice")
	}
	if !EvaluateOneTime(base, ptr(base.Add(-time.Minute)), fireAt).ShouldFire {
		t.Fatal("evaluation recorded before fireAt must not block the fire")
	}
	if EvaluateOneTime(base.Add(time.Minute), ptr(fireAt), fireAt).ShouldFire {
		t.Fatal("last == fireAt must block the fire")
	}
}

func randomCronParams(rng *rand.Rand) CronParams {
	p := CronParams{Hour: rng.Intn(24), Minute: rng.Intn(60)}
	for d := 0; d < 7; d++ {
		if rng.Intn(3) == 0 {
			p.DaysOfWeek = append(p.DaysOfWeek, time.Weekday(d))
		}
	}
	if rng.Intn(2) == 0 {
		p.DaysOfMonth = []int{1 + rng.Intn(31)}
	}
	return p
}

func TestEvaluateCronProperties(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 2000; i++ {
		p := randomCronParams(rng)
		now := base.Add(time.Duration(rng.Int63n(int64(60 * 24 * time.Hour))))
		var last *time.Time
		if rng.Intn(5) > 0 {
			last = ptr(now.Add(-time.Duration(rng.Int63n(int64(10 * 24 * time.Hour)))))
		}

		ev := EvaluateCron(now, last, p)
		if ev2 := EvaluateCron(now, last, p); !reflect.DeepEqual(ev, ev2) {
			t.Fatalf("non-deterministic: %+v vs %+v", ev, ev2)
		}
		if !ev.NewLastEvaluatedAt.Equal(now) {
			t.Fatalf("NewLastEvaluatedAt = %v, want %v", ev.NewLastEvaluatedAt, now)
		}
		if !ev.ShouldFire {
			continue
		}
		match, ok := MostRecentCronMatch(now, p)
		if !ok {
			t.Fatalf("fired without a match: now=%v p=%+v", now, p)
		}
		if last != nil && !match.After(*last) {
			t.Fatalf("fired for match %v not after last %v", match, *last)
		}
		if again := EvaluateCron(now, ptr(ev.NewLastEvaluatedAt), p); again.ShouldFire {
			t.Fatalf("refired with returned timestamp: now=%v p=%+v", now, p)
		}
	}
}

func TestEvaluateDueDateRelativeProperties(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(23))
	for i := 0; i < 1000; i++ {
		now := base.Add(time.Duration(rng.Int63n(int64(30 * 24 * time.Hour))))
		offset := time.Duration(rng.Intn(240)-120) * time.Minute
		var last *time.Time
		if rng.Intn(4) > 0 {
			last = ptr(now.Add(-time.Duration(rng.Int63n(int64(3 * time.Hour)))))
		}
		tasks := make([]rule.Task, 0, 20)
		byID := make(map[string]rule.Task, 20)
		for j := 0; j < 20; j++ {
			task := rule.Task{ID: string(rune('a' + j)), Completed: rng.Intn(4) == 0}
			if rng.Intn(5) > 0 {
				task.DueDate = ptr(now.Add(time.Duration(rng.Int63n(int64(8*time.Hour))) - 4*time.Hour))
			}
			if rng.Intn(5) == 0 {
				task.ParentTaskID = "parent"
			}
			tasks = append(tasks, task)
			byID[task.ID] = task
		}

		ev := EvaluateDueDateRelative(now, last, offset, tasks)
		if ev2 := EvaluateDueDateRelative(now, last, offset, tasks); !reflect.DeepEqual(ev, ev2) {
			t.Fatalf("non-deterministic: %+v vs %+v", ev, ev2)
		}
		if !ev.NewLastEvaluatedAt.Equal(now) {
			t.Fatalf("NewLastEvaluatedAt = %v, want %v", ev.NewLastEvaluatedAt, now)
		}
		if ev.ShouldFire != (len(ev.MatchingTaskIDs) > 0) {
			t.Fatalf("ShouldFire = %v with %d matches", ev.ShouldFire, len(ev.MatchingTaskIDs))
		}
		start := now.Add(-FirstRunLookback)
		if last != nil {
			start = *last
		}
		for _, id := range ev.MatchingTaskIDs {
			task := byID[id]
			if task.DueDate == nil || task.Completed || task.ParentTaskID != "" {
				t.Fatalf("task %+v should have been filtered", task)
			}
			at := task.DueDate.Add(offset)
			if !at.After(start) || at.After(now) {
				t.Fatalf("task %s trigger time %v outside (%v, %v]", id, at, start, now)
			}
		}
	}
}

func TestEvaluateOneTimeProperties(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(31))
	for i := 0; i < 2000; i++ {
		fireAt := base.Add(time.Duration(rng.Int63n(int64(10 * 24 * time.Hour))))
		now := fireAt.Add(time.Duration(rng.Int63n(int64(4*24*time.Hour))) - 2*24*time.Hour)
		var last *time.Time
		if rng.Intn(3) > 0 {
			last = ptr(now.Add(-time.Duration(rng.Int63n(int64(3 * 24 * time.Hour)))))
		}

		ev := EvaluateOneTime(now, last, fireAt)
		if ev2 := EvaluateOneTime(now, last, fireAt); !reflect.DeepEqual(ev, ev2) {
			t.Fatalf("non-deterministic: %+v vs %+v", ev, ev2)
		}
		if ev.ShouldFire && now.Before(fireAt) {
			t.Fatalf("fired at %v before fireAt %v", now, fireAt)
		}
		if !ev.ShouldFire {
			continue
		}
		if EvaluateOneTime(now.Add(time.Hour), ptr(ev.NewLastEvaluatedAt), fireAt).ShouldFire {
			t.Fatalf("fired twice for fireAt %v", fireAt)
		}
	}
}
