package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"ruleflow/internal/rule"
	logx "ruleflow/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// sqliteStore keeps each rule and task as a JSON document keyed by id;
// insertion order is preserved through the seq column.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

var _ Store = (*sqliteStore)(nil)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Rules() RuleRepository { return sqliteRules{s} }
func (s *sqliteStore) Tasks() TaskRepository { return sqliteTasks{s} }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteRules struct{ s *sqliteStore }

func (r sqliteRules) query(ctx context.Context, q string, args ...any) ([]rule.AutomationRule, error) {
	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rule.AutomationRule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var x rule.AutomationRule
		if err := json.Unmarshal([]byte(data), &x); err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (r sqliteRules) FindAll(ctx context.Context) ([]rule.AutomationRule, error) {
	return r.query(ctx, `SELECT data FROM rules ORDER BY seq`)
}

func (r sqliteRules) FindByProjectID(ctx context.Context, projectID string) ([]rule.AutomationRule, error) {
	return r.query(ctx, `SELECT data FROM rules WHERE project_id = ? ORDER BY seq`, projectID)
}

func (r sqliteRules) FindByID(ctx context.Context, id string) (rule.AutomationRule, error) {
	out, err := r.query(ctx, `SELECT data FROM rules WHERE id = ?`, id)
	if err != nil {
		return rule.AutomationRule{}, err
	}
	if len(out) == 0 {
		return rule.AutomationRule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return out[0], nil
}

func (r sqliteRules) Update(ctx context.Context, id string, fn func(*rule.AutomationRule)) (rule.AutomationRule, error) {
	var next rule.AutomationRule
	err := retryOnContention(ctx, func() error {
		tx, err := r.s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var data string
		err = tx.QueryRowContext(ctx, `SELECT data FROM rules WHERE id = ?`, id).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var cur rule.AutomationRule
		if err := json.Unmarshal([]byte(data), &cur); err != nil {
			return fmt.Errorf("decode rule: %w", err)
		}
		fn(&cur)
		cur.ID = id

		b, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE rules SET project_id = ?, data = ? WHERE id = ?`,
			cur.ProjectID, string(b), id,
		); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		next = cur
		return nil
	})
	return next, err
}

func (r sqliteRules) Create(ctx context.Context, x rule.AutomationRule) (rule.AutomationRule, error) {
	if err := x.Validate(); err != nil {
		return rule.AutomationRule{}, err
	}
	x = x.Clone()
	if x.ID == "" {
		x.ID = uuid.NewString()
	}
	b, err := json.Marshal(x)
	if err != nil {
		return rule.AutomationRule{}, err
	}
	err = retryOnContention(ctx, func() error {
		res, err := r.s.db.ExecContext(ctx,
			`INSERT INTO rules(id, project_id, data) VALUES(?,?,?) ON CONFLICT(id) DO NOTHING`,
			x.ID, x.ProjectID, string(b),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("rule %s: %w", x.ID, ErrExists)
		}
		return nil
	})
	if err != nil {
		return rule.AutomationRule{}, err
	}
	return x, nil
}

func (r sqliteRules) Delete(ctx context.Context, id string) error {
	return retryOnContention(ctx, func() error {
		res, err := r.s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

type sqliteTasks struct{ s *sqliteStore }

func (t sqliteTasks) FindAll(ctx context.Context) ([]rule.Task, error) {
	rows, err := t.s.db.QueryContext(ctx, `SELECT data FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rule.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var x rule.Task
		if err := json.Unmarshal([]byte(data), &x); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (t sqliteTasks) Upsert(ctx context.Context, x rule.Task) error {
	if x.ID == "" {
		return fmt.Errorf("task: id required")
	}
	b, err := json.Marshal(x)
	if err != nil {
		return err
	}
	return retryOnContention(ctx, func() error {
		_, err := t.s.db.ExecContext(ctx,
			`INSERT INTO tasks(id, project_id, data) VALUES(?,?,?)
			 ON CONFLICT(id) DO UPDATE SET project_id=excluded.project_id, data=excluded.data`,
			x.ID, x.ProjectID, string(b),
		)
		return err
	})
}
