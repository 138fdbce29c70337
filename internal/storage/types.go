package storage

import (
	"context"
	"errors"
	"time"

	"ruleflow/internal/rule"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "file": JSON snapshot at Path
//   - "sqlite": SQLite database file at Path
//
// "none" disables storage; Open then returns ErrDisabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RuleRepository stores automation rules.
type RuleRepository interface {
	FindAll(ctx context.Context) ([]rule.AutomationRule, error)
	FindByID(ctx context.Context, id string) (rule.AutomationRule, error)
	FindByProjectID(ctx context.Context, projectID string) ([]rule.AutomationRule, error)
	// Update applies fn to a copy of the stored rule and persists the result.
	// fn must not retain the pointer.
	Update(ctx context.Context, id string, fn func(*rule.AutomationRule)) (rule.AutomationRule, error)
	// Create stores r, assigning an id when r.ID is empty.
	Create(ctx context.Context, r rule.AutomationRule) (rule.AutomationRule, error)
	Delete(ctx context.Context, id string) error
}

// TaskRepository stores tasks.
type TaskRepository interface {
	FindAll(ctx context.Context) ([]rule.Task, error)
	Upsert(ctx context.Context, t rule.Task) error
}

// Store bundles the repositories of one backend.
type Store interface {
	Rules() RuleRepository
	Tasks() TaskRepository
	Close() error
}
