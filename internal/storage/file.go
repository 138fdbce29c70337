package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ruleflow/internal/rule"
	logx "ruleflow/pkg/logx"
)

// fileStore is a dependency-free persistence backend: the memory store plus a
// JSON snapshot at path, rewritten atomically (tmp + rename) on every write.
type fileStore struct {
	*Memory
	path string
	log  logx.Logger
}

type fileSnapshot struct {
	Rules []rule.AutomationRule `json:"rules"`
	Tasks []rule.Task           `json:"tasks"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	mem := NewMemory()
	snap, err := loadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	mem.rules = snap.Rules
	mem.tasks = snap.Tasks

	s := &fileStore{Memory: mem, path: path, log: log}
	mem.persist = s.writeSnapshot
	log.Debug("file store opened", logx.String("path", path), logx.Int("rules", len(snap.Rules)), logx.Int("tasks", len(snap.Tasks)))
	return s, nil
}

func loadSnapshot(path string) (fileSnapshot, error) {
	var snap fileSnapshot
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *fileStore) writeSnapshot(rules []rule.AutomationRule, tasks []rule.Task) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fileSnapshot{Rules: rules, Tasks: tasks}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
