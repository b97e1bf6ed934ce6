// Package catalog persists job definitions and enforces their invariants.
//
// A Store owns the backing file. A Service composes the Store with Validate
// and serialises every load-mutate-save cycle behind one lock, so readers
// never see a partial write and a rejected write leaves the file untouched.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/0xPuncker/reelforge/internal/metrics"
	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Service struct {
	store   *Store
	logger  *logrus.Logger
	metrics *metrics.Metrics

	now   func() time.Time
	newID func() string

	mu        sync.Mutex
	listeners []func()
}

func NewService(store *Store, logger *logrus.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// OnChange registers fn to run after every committed write.
func (s *Service) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// List returns a copy of every definition.
func (s *Service) List() []types.JobDefinition {
	jobs := s.store.Load()
	s.metrics.CatalogOp("list", nil)
	return jobs
}

// Get returns an independent copy of the definition with the given id.
func (s *Service) Get(id string) (*types.JobDefinition, error) {
	jobs := s.store.Load()
	for i := range jobs {
		if jobs[i].ID == id {
			s.metrics.CatalogOp("read", nil)
			return jobs[i].Clone(), nil
		}
	}
	s.metrics.CatalogOp("read", ErrNotFound)
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Create stores a new definition. An empty id is replaced with a fresh one
// and an empty name defaults to the id. An id already in the catalog is
// rejected with ErrConflict.
func (s *Service) Create(def types.JobDefinition) (*types.JobDefinition, error) {
	var created *types.JobDefinition

	err := s.mutate("create", func(jobs []types.JobDefinition) ([]types.JobDefinition, error) {
		rec := def.Clone()
		rec.ID = strings.TrimSpace(rec.ID)
		if rec.ID == "" {
			rec.ID = s.newID()
		}
		if indexOf(jobs, rec.ID) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrConflict, rec.ID)
		}
		rec.Name = strings.TrimSpace(rec.Name)
		if rec.Name == "" {
			rec.Name = rec.ID
		}

		now := s.now().UTC()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		rec.StripRuntime()
		normalize(rec)

		if err := Validate(rec); err != nil {
			return nil, err
		}

		created = rec.Clone()
		return append(jobs, *rec), nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"job_id": created.ID,
		"name":   created.Name,
	}).Info("Job created")

	return created, nil
}

// Update applies patch to a copy of the stored record, re-derives the legacy
// fields, validates, and only then commits. Fields absent from the patch keep
// their stored value; a config in the patch replaces the whole tree.
func (s *Service) Update(id string, patch types.JobPatch) (*types.JobDefinition, error) {
	var updated *types.JobDefinition

	err := s.mutate("update", func(jobs []types.JobDefinition) ([]types.JobDefinition, error) {
		idx := indexOf(jobs, id)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		rec := jobs[idx].Clone()
		if patch.Name != nil {
			rec.Name = *patch.Name
		}
		if patch.Enabled != nil {
			rec.Enabled = *patch.Enabled
		}
		if patch.Schedule != nil {
			rec.Schedule = strings.TrimSpace(*patch.Schedule)
		}
		if patch.Config != nil {
			rec.Config = patch.Config.Clone()
		}
		rec.UpdatedAt = s.now().UTC()
		normalize(rec)

		if err := Validate(rec); err != nil {
			return nil, err
		}

		jobs[idx] = *rec
		updated = rec.Clone()
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithField("job_id", id).Info("Job updated")
	return updated, nil
}

func (s *Service) Delete(id string) error {
	err := s.mutate("delete", func(jobs []types.JobDefinition) ([]types.JobDefinition, error) {
		idx := indexOf(jobs, id)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return append(jobs[:idx], jobs[idx+1:]...), nil
	})
	if err != nil {
		return err
	}

	s.logger.WithField("job_id", id).Info("Job deleted")
	return nil
}

// Duplicate copies an existing definition under a new id. The source is
// validated first so a corrupted record cannot spread through copies.
func (s *Service) Duplicate(id, newName string) (*types.JobDefinition, error) {
	var dup *types.JobDefinition

	err := s.mutate("duplicate", func(jobs []types.JobDefinition) ([]types.JobDefinition, error) {
		idx := indexOf(jobs, id)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := Validate(&jobs[idx]); err != nil {
			return nil, fmt.Errorf("source job %s: %w", id, err)
		}

		rec := jobs[idx].Clone()
		rec.ID = s.newID()
		for indexOf(jobs, rec.ID) >= 0 {
			rec.ID = s.newID()
		}
		if strings.TrimSpace(newName) != "" {
			rec.Name = strings.TrimSpace(newName)
		} else {
			rec.Name = rec.Name + " (copy)"
		}
		now := s.now().UTC()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		rec.StripRuntime()
		normalize(rec)

		if err := Validate(rec); err != nil {
			return nil, err
		}

		dup = rec.Clone()
		return append(jobs, *rec), nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"source_id": id,
		"job_id":    dup.ID,
	}).Info("Job duplicated")

	return dup, nil
}

// RecordRun writes the outcome of a finished run into the runtime fields of
// its job. A job deleted while it ran is ignored.
func (s *Service) RecordRun(run types.Run) error {
	err := s.mutate("record_run", func(jobs []types.JobDefinition) ([]types.JobDefinition, error) {
		idx := indexOf(jobs, run.JobID)
		if idx < 0 {
			return nil, errSkip
		}

		rec := jobs[idx].Clone()
		at := s.now().UTC()
		if run.FinishedAt != nil {
			at = run.FinishedAt.UTC()
		}
		rec.LastRun = &at
		rec.LastStatus = run.Status
		rec.LastError = run.Error
		rec.RunCount++

		if err := Validate(rec); err != nil {
			return nil, err
		}

		jobs[idx] = *rec
		return jobs, nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	return err
}

// Check validates the stored catalog as a whole and reports the first problem.
func (s *Service) Check() error {
	jobs, err := s.store.LoadStrict()
	if err != nil {
		return err
	}
	return ValidateCatalog(jobs)
}

var errSkip = errors.New("skip write")

// mutate runs one load-mutate-save cycle under the service lock. When fn
// returns an error nothing is written.
func (s *Service) mutate(op string, fn func([]types.JobDefinition) ([]types.JobDefinition, error)) error {
	s.mu.Lock()

	jobs, err := s.store.LoadStrict()
	if err != nil {
		s.mu.Unlock()
		s.metrics.CatalogOp(op, err)
		return err
	}

	next, err := fn(jobs)
	if err != nil {
		s.mu.Unlock()
		if !errors.Is(err, errSkip) {
			s.metrics.CatalogOp(op, err)
			s.logger.WithFields(logrus.Fields{
				"op":    op,
				"error": err,
			}).Debug("Catalog write rejected")
		}
		return err
	}

	if err := s.store.Save(next); err != nil {
		s.mu.Unlock()
		s.metrics.CatalogOp(op, err)
		s.logger.WithFields(logrus.Fields{
			"op":    op,
			"error": err,
		}).Error("Failed to save catalog")
		return err
	}

	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()

	s.metrics.CatalogOp(op, nil)
	for _, fn := range listeners {
		fn()
	}

	return nil
}

func indexOf(jobs []types.JobDefinition, id string) int {
	for i := range jobs {
		if jobs[i].ID == id {
			return i
		}
	}
	return -1
}
