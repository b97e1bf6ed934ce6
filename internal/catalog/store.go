package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	backupSuffix = ".bak"
	tempSuffix   = ".tmp"
)

// Store owns the catalog file. Every read and write of the file goes through
// the same lock.
type Store struct {
	path    string
	logger  *logrus.Logger
	retries int
	backoff time.Duration

	mu sync.Mutex
}

func NewStore(path string, logger *logrus.Logger, retries int, backoff time.Duration) *Store {
	if retries < 1 {
		retries = 1
	}
	return &Store{
		path:    path,
		logger:  logger,
		retries: retries,
		backoff: backoff,
	}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the catalog. A file that stays unreadable after all retries is
// logged and reported as an empty catalog.
func (s *Store) Load() []types.JobDefinition {
	jobs, err := s.LoadStrict()
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"path":  s.path,
			"error": err,
		}).Error("Catalog unreadable, serving empty list")
		return []types.JobDefinition{}
	}
	return jobs
}

// LoadStrict is Load without the degraded fallback. Writers use it so that a
// corrupted file is never overwritten by an empty list.
func (s *Store) LoadStrict() ([]types.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		jobs, err := s.read()
		if err == nil {
			return jobs, nil
		}
		lastErr = err

		s.logger.WithFields(logrus.Fields{
			"path":    s.path,
			"attempt": attempt,
			"error":   err,
		}).Warn("Failed to read catalog")

		if attempt < s.retries {
			time.Sleep(s.backoff * time.Duration(attempt))
		}
	}

	return nil, fmt.Errorf("%w: load %s after %d attempts: %v", ErrStorage, s.path, s.retries, lastErr)
}

func (s *Store) read() ([]types.JobDefinition, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []types.JobDefinition{}, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	if len(data) == 0 {
		return []types.JobDefinition{}, nil
	}

	var jobs []types.JobDefinition
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if jobs == nil {
		jobs = []types.JobDefinition{}
	}

	return jobs, nil
}

// Save replaces the catalog. The current file is copied aside first, the new
// content goes to a temp file, and a rename publishes it. The backup is
// removed only after the rename succeeded; any failure restores it.
func (s *Store) Save(jobs []types.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if jobs == nil {
		jobs = []types.JobDefinition{}
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal catalog: %v", ErrStorage, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create catalog dir %s: %v", ErrStorage, dir, err)
	}

	backupPath := s.path + backupSuffix
	tempPath := s.path + tempSuffix

	hadOriginal, err := copyFile(s.path, backupPath)
	if err != nil {
		return fmt.Errorf("%w: backup catalog: %v", ErrStorage, err)
	}

	if err := writeFileSync(tempPath, data); err != nil {
		_ = os.Remove(tempPath)
		s.restore(backupPath, hadOriginal)
		return fmt.Errorf("%w: write temp catalog: %v", ErrStorage, err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		s.restore(backupPath, hadOriginal)
		return fmt.Errorf("%w: atomic rename for %s: %v", ErrStorage, s.path, err)
	}

	if hadOriginal {
		if err := os.Remove(backupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.WithFields(logrus.Fields{
				"path":  backupPath,
				"error": err,
			}).Warn("Failed to remove catalog backup")
		}
	}

	return nil
}

func (s *Store) restore(backupPath string, hadOriginal bool) {
	if !hadOriginal {
		return
	}
	if err := os.Rename(backupPath, s.path); err != nil {
		s.logger.WithFields(logrus.Fields{
			"path":   s.path,
			"backup": backupPath,
			"error":  err,
		}).Error("Failed to restore catalog from backup")
		return
	}
	s.logger.WithField("path", s.path).Warn("Catalog restored from backup")
}

// copyFile copies src to dst. It reports false when src does not exist.
func copyFile(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return false, err
	}
	return true, out.Close()
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
