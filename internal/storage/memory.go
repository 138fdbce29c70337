package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"ruleflow/internal/rule"
)

// Memory keeps rules and tasks in process memory, in insertion order.
type Memory struct {
	mu    sync.RWMutex
	rules []rule.AutomationRule
	tasks []rule.Task

	// persist, when set, is called under the write lock with the state about
	// to be committed. A non-nil error aborts the write.
	persist func(rules []rule.AutomationRule, tasks []rule.Task) error
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Rules() RuleRepository { return memoryRules{m} }
func (m *Memory) Tasks() TaskRepository { return memoryTasks{m} }
func (m *Memory) Close() error          { return nil }

func (m *Memory) commitLocked(rules []rule.AutomationRule, tasks []rule.Task) error {
	if m.persist != nil {
		if err := m.persist(rules, tasks); err != nil {
			return err
		}
	}
	m.rules = rules
	m.tasks = tasks
	return nil
}

func (m *Memory) indexLocked(id string) int {
	return slices.IndexFunc(m.rules, func(r rule.AutomationRule) bool { return r.ID == id })
}

type memoryRules struct{ m *Memory }

func (r memoryRules) FindAll(ctx context.Context) ([]rule.AutomationRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]rule.AutomationRule, 0, len(r.m.rules))
	for _, x := range r.m.rules {
		out = append(out, x.Clone())
	}
	return out, nil
}

func (r memoryRules) FindByID(ctx context.Context, id string) (rule.AutomationRule, error) {
	if err := ctx.Err(); err != nil {
		return rule.AutomationRule{}, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	i := r.m.indexLocked(id)
	if i < 0 {
		return rule.AutomationRule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return r.m.rules[i].Clone(), nil
}

func (r memoryRules) FindByProjectID(ctx context.Context, projectID string) ([]rule.AutomationRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []rule.AutomationRule
	for _, x := range r.m.rules {
		if x.ProjectID == projectID {
			out = append(out, x.Clone())
		}
	}
	return out, nil
}

func (r memoryRules) Update(ctx context.Context, id string, fn func(*rule.AutomationRule)) (rule.AutomationRule, error) {
	if err := ctx.Err(); err != nil {
		return rule.AutomationRule{}, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	i := r.m.indexLocked(id)
	if i < 0 {
		return rule.AutomationRule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	next := r.m.rules[i].Clone()
	fn(&next)
	next.ID = id

	rules := slices.Clone(r.m.rules)
	rules[i] = next
	if err := r.m.commitLocked(rules, r.m.tasks); err != nil {
		return rule.AutomationRule{}, err
	}
	return next.Clone(), nil
}

func (r memoryRules) Create(ctx context.Context, x rule.AutomationRule) (rule.AutomationRule, error) {
	if err := ctx.Err(); err != nil {
		return rule.AutomationRule{}, err
	}
	if err := x.Validate(); err != nil {
		return rule.AutomationRule{}, err
	}
	x = x.Clone()
	if x.ID == "" {
		x.ID = uuid.NewString()
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.indexLocked(x.ID) >= 0 {
		return rule.AutomationRule{}, fmt.Errorf("rule %s: %w", x.ID, ErrExists)
	}
	rules := append(slices.Clone(r.m.rules), x)
	if err := r.m.commitLocked(rules, r.m.tasks); err != nil {
		return rule.AutomationRule{}, err
	}
	return x.Clone(), nil
}

func (r memoryRules) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	i := r.m.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return r.m.commitLocked(slices.Delete(slices.Clone(r.m.rules), i, i+1), r.m.tasks)
}

type memoryTasks struct{ m *Memory }

func (t memoryTasks) FindAll(ctx context.Context) ([]rule.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	out := make([]rule.Task, 0, len(t.m.tasks))
	for _, x := range t.m.tasks {
		out = append(out, cloneTask(x))
	}
	return out, nil
}

func (t memoryTasks) Upsert(ctx context.Context, x rule.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if x.ID == "" {
		return fmt.Errorf("task: id required")
	}
	x = cloneTask(x)
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	tasks := slices.Clone(t.m.tasks)
	if i := slices.IndexFunc(tasks, func(y rule.Task) bool { return y.ID == x.ID }); i >= 0 {
		tasks[i] = x
	} else {
		tasks = append(tasks, x)
	}
	return t.m.commitLocked(t.m.rules, tasks)
}

func cloneTask(t rule.Task) rule.Task {
	if t.DueDate != nil {
		d := *t.DueDate
		t.DueDate = &d
	}
	return t
}
