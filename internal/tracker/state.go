package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type stateFile struct {
	path string
}

type persisted struct {
	Runs []Run `json:"runs"`
}

func (s *stateFile) load() ([]Run, error) {
	if s == nil {
		return nil, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tracker state %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse tracker state %s: %w", s.path, err)
	}
	return p.Runs, nil
}

// save replaces the state file through a temp file and rename so a crash
// never leaves a truncated file behind.
func (s *stateFile) save(runs []Run) error {
	if s == nil {
		return nil
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].TrackedAt.Before(runs[j].TrackedAt) })
	data, err := json.MarshalIndent(persisted{Runs: runs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tracker state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", s.path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tracker-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", s.path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", s.path, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomic rename for %s: %w", s.path, err)
	}
	return nil
}
