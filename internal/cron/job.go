package cron

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0xPuncker/reelforge/pkg/calendar"
	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Runner accepts scheduled runs and emits heartbeats.
type Runner interface {
	Enqueue(jobID string) (types.Run, error)
	Heartbeat()
}

// JobLister returns the current catalog.
type JobLister interface {
	List() []types.JobDefinition
}

type Entry struct {
	JobID    string    `json:"job_id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`

	// CalendarURL adds the next run to a calendar. Empty until the
	// scheduler has computed Next.
	CalendarURL string `json:"calendar_url,omitempty"`
}

type scheduled struct {
	id       cron.EntryID
	name     string
	schedule string
}

// Scheduler runs cron-scheduled jobs and the heartbeat on separate crons.
// Stop pauses job runs only; heartbeats continue until Close.
type Scheduler struct {
	cron      *cron.Cron
	beats     *cron.Cron
	logger    *logrus.Logger
	runner    Runner
	jobs      JobLister
	heartbeat time.Duration

	mu      sync.RWMutex
	entries map[string]scheduled
	started bool
	beating bool
	closed  bool
}

// NewScheduler uses the standard five-field cron format, the same one the
// catalog validates schedules against.
func NewScheduler(logger *logrus.Logger, runner Runner, jobs JobLister, heartbeat time.Duration) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		beats:     cron.New(),
		logger:    logger,
		runner:    runner,
		jobs:      jobs,
		heartbeat: heartbeat,
		entries:   make(map[string]scheduled),
	}
}

// Beat emits one heartbeat immediately.
func (s *Scheduler) Beat() {
	s.runner.Heartbeat()
}

// Reload replaces every job entry with the enabled, scheduled jobs currently
// in the catalog. Jobs with a schedule the parser rejects are skipped and
// reported in the returned error.
func (s *Scheduler) Reload() error {
	jobs := s.jobs.List()

	s.mu.Lock()
	defer s.mu.Unlock()

	for jobID, e := range s.entries {
		s.cron.Remove(e.id)
		delete(s.entries, jobID)
	}

	var failed []string
	for _, job := range jobs {
		if job.Schedule == "" {
			continue
		}
		if !job.Enabled {
			s.logger.WithField("job_id", job.ID).Debug("Skipping disabled job")
			continue
		}

		jobID, name, schedule := job.ID, job.Name, job.Schedule
		id, err := s.cron.AddFunc(schedule, func() { s.fire(jobID, name, schedule) })
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"job_id":   jobID,
				"schedule": schedule,
				"error":    err.Error(),
			}).Error("Failed to schedule job")
			failed = append(failed, jobID)
			continue
		}

		s.entries[jobID] = scheduled{id: id, name: name, schedule: schedule}
		s.logger.WithFields(logrus.Fields{
			"job_id":   jobID,
			"name":     name,
			"schedule": schedule,
		}).Info("Job scheduled successfully")
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed to schedule jobs %v", failed)
	}
	return nil
}

func (s *Scheduler) fire(jobID, name, schedule string) {
	run, err := s.runner.Enqueue(jobID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"error":  err.Error(),
		}).Error("Scheduled run rejected")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":   jobID,
		"name":     name,
		"schedule": schedule,
		"run_id":   run.RunID,
	}).Info("Scheduled run queued")
}

func (s *Scheduler) ListEntries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for jobID, e := range s.entries {
		ce := s.cron.Entry(e.id)
		entry := Entry{
			JobID:    jobID,
			Name:     e.name,
			Schedule: e.schedule,
			Next:     ce.Next,
			Prev:     ce.Prev,
		}
		if !ce.Next.IsZero() {
			entry.CalendarURL, _ = calendar.CreateRunCalendarURL(e.name, e.schedule, ce.Next)
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })

	return out
}

// Start resumes cron-scheduled job runs. The first call also starts the
// heartbeat.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("scheduler closed")
	}
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	if !s.beating && s.heartbeat > 0 {
		s.beats.Schedule(cron.Every(s.heartbeat), cron.FuncJob(s.Beat))
		s.beats.Start()
		s.beating = true
	}

	s.cron.Start()
	s.started = true
	s.logger.WithField("heartbeat", s.heartbeat.String()).Info("Scheduler started...")

	return nil
}

// Stop pauses cron-scheduled job runs. Heartbeats keep going.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.started = false
	s.logger.Info("Scheduler stopped")
}

// Close stops job runs and the heartbeat for good.
func (s *Scheduler) Close() {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.beating {
		ctx := s.beats.Stop()
		<-ctx.Done()
		s.beating = false
	}
}

// Heartbeating reports whether heartbeats are being emitted.
func (s *Scheduler) Heartbeating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.beating
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
