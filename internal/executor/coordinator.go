// Package executor runs job definitions on a bounded worker pool.
//
// Runs are accepted into a FIFO queue without blocking the caller. A worker
// resolves the run's job against the catalog once, takes a deep copy, and
// hands only that copy to the pipeline, so later catalog edits never reach an
// in-flight run. Every run produces one queued event, zero or more progress
// events and exactly one terminal event.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0xPuncker/reelforge/internal/metrics"
	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/0xPuncker/reelforge/pkg/utils"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueClosed = errors.New("execution queue is closed")
	ErrRunNotFound = errors.New("run not found")
)

const (
	reasonCancelled   = "cancelled by user"
	reasonInterrupted = "interrupted: coordinator shutting down"
)

// JobSource resolves a job id to an independent copy of its definition.
type JobSource interface {
	Get(id string) (*types.JobDefinition, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ev types.Event)
}

// RunRecorder stores the outcome of a finished run.
type RunRecorder interface {
	RecordRun(run types.Run) error
}

type Options struct {
	Workers    int
	HistoryTTL time.Duration
}

type Coordinator struct {
	source    JobSource
	pipeline  Pipeline
	publisher Publisher
	recorder  RunRecorder
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	workers   int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*runEntry
	active  map[string]*runEntry
	history *cache.Cache
	started bool
	closed  bool

	workerWG sync.WaitGroup
	recordWG sync.WaitGroup

	now   func() time.Time
	newID func() string
}

type runEntry struct {
	run    types.Run
	ctx    context.Context
	cancel context.CancelFunc
	reason string
}

func NewCoordinator(
	source JobSource,
	pipeline Pipeline,
	publisher Publisher,
	logger *logrus.Logger,
	m *metrics.Metrics,
	opts Options,
) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = time.Hour
	}

	c := &Coordinator{
		source:    source,
		pipeline:  pipeline,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		workers:   opts.Workers,
		active:    make(map[string]*runEntry),
		history:   cache.New(opts.HistoryTTL, opts.HistoryTTL*2),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// SetRecorder wires the sink for finished runs. Call before Start.
func (c *Coordinator) SetRecorder(r RunRecorder) {
	c.recorder = r
}

// Start launches the worker pool. Calling it twice is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.closed {
		return
	}
	c.started = true

	for i := 1; i <= c.workers; i++ {
		c.workerWG.Add(1)
		go c.work(i)
	}

	c.logger.WithField("workers", c.workers).Info("Execution coordinator started")
}

// Enqueue accepts a run of jobID. It never blocks on the pipeline or the
// catalog; the job is resolved when a worker picks the run up.
func (c *Coordinator) Enqueue(jobID string) (types.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.Run{}, ErrQueueClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &runEntry{
		run: types.Run{
			RunID:    c.newID(),
			JobID:    jobID,
			Status:   types.RunStatusQueued,
			Message:  "waiting for a worker",
			QueuedAt: c.now().UTC(),
		},
		ctx:    ctx,
		cancel: cancel,
	}

	c.active[e.run.RunID] = e
	c.publisher.Publish(types.Event{
		Type:    types.EventQueued,
		RunID:   e.run.RunID,
		JobID:   jobID,
		Message: fmt.Sprintf("queued at position %d", len(c.queue)+1),
	})
	c.queue = append(c.queue, e)
	c.updateGauges()
	c.cond.Signal()

	c.logger.WithFields(logrus.Fields{
		"run_id":   e.run.RunID,
		"job_id":   jobID,
		"position": len(c.queue),
	}).Info("Run queued")

	return e.run, nil
}

// Cancel stops a run. A queued run never reaches a worker; a processing run
// has its context cancelled and ends as failed once the pipeline returns.
// Cancelling a run that already finished is a no-op.
func (c *Coordinator) Cancel(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.active[runID]
	if !ok {
		if _, found := c.history.Get(runID); found {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	c.cancelLocked(e, reasonCancelled)
	return nil
}

// CancelAll cancels every queued and processing run and returns how many
// were affected.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]*runEntry, 0, len(c.active))
	for _, e := range c.active {
		entries = append(entries, e)
	}
	for _, e := range entries {
		c.cancelLocked(e, reasonCancelled)
	}
	return len(entries)
}

func (c *Coordinator) cancelLocked(e *runEntry, reason string) {
	if e.reason == "" {
		e.reason = reason
	}

	if e.run.Status == types.RunStatusQueued {
		for i, q := range c.queue {
			if q == e {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
		c.finishLocked(e, "", errors.New(e.reason))
		return
	}

	e.cancel()
	c.logger.WithFields(logrus.Fields{
		"run_id": e.run.RunID,
		"reason": e.reason,
	}).Info("Cancellation requested for processing run")
}

// Get returns an active run or one that finished within the history TTL.
func (c *Coordinator) Get(runID string) (types.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.active[runID]; ok {
		return e.run, nil
	}
	if v, ok := c.history.Get(runID); ok {
		return v.(types.Run), nil
	}
	return types.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

// Active lists queued and processing runs, oldest first.
func (c *Coordinator) Active() []types.Run {
	c.mu.Lock()
	defer c.mu.Unlock()

	runs := make([]types.Run, 0, len(c.active))
	for _, e := range c.active {
		runs = append(runs, e.run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].QueuedAt.Before(runs[j].QueuedAt)
	})
	return runs
}

// Heartbeat publishes a liveness event independent of run activity.
func (c *Coordinator) Heartbeat() {
	c.publisher.Publish(types.Event{
		Type:      types.EventHeartbeat,
		Timestamp: c.now().Unix(),
	})
}

// Stop refuses new runs, fails everything still queued, cancels processing
// runs and waits for the workers until ctx expires.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	pending := c.queue
	c.queue = nil
	for _, e := range pending {
		e.reason = reasonInterrupted
		c.finishLocked(e, "", errors.New(reasonInterrupted))
	}
	for _, e := range c.active {
		if e.reason == "" {
			e.reason = reasonInterrupted
		}
		e.cancel()
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWG.Wait()
		c.recordWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Execution coordinator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (c *Coordinator) work(worker int) {
	defer c.workerWG.Done()

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}

		e := c.queue[0]
		c.queue = c.queue[1:]
		started := c.now().UTC()
		e.run.Status = types.RunStatusProcessing
		e.run.StartedAt = &started
		e.run.Message = "processing"
		c.updateGauges()
		c.mu.Unlock()

		c.execute(worker, e)
	}
}

// execute runs one entry. Panics and errors from the pipeline end the run,
// never the worker.
func (c *Coordinator) execute(worker int, e *runEntry) {
	runID, jobID := e.run.RunID, e.run.JobID
	log := c.logger.WithFields(logrus.Fields{
		"worker": worker,
		"run_id": runID,
		"job_id": jobID,
	})

	var (
		output string
		err    error
	)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Pipeline panicked")
			output, err = "", fmt.Errorf("pipeline panic: %v", r)
		}
		c.finish(e, output, err)
	}()

	job, err := c.source.Get(jobID)
	if err != nil {
		err = fmt.Errorf("resolve job %s: %w", jobID, err)
		return
	}
	snapshot := job.Clone()

	log.WithField("name", snapshot.Name).Info("Run started")
	c.publishProgress(e, 0, 0, "processing")

	output, err = c.pipeline.Execute(e.ctx, runID, snapshot, func(step, total int, message string) {
		c.publishProgress(e, step, total, message)
	})
	if err == nil && e.ctx.Err() != nil {
		log.Debug("Pipeline finished despite cancellation")
	}
}

func (c *Coordinator) publishProgress(e *runEntry, step, total int, message string) {
	if e.ctx.Err() != nil {
		return
	}

	ev := types.Event{
		Type:    types.EventProgress,
		RunID:   e.run.RunID,
		JobID:   e.run.JobID,
		Step:    step,
		Total:   total,
		Message: message,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.run.Status.Terminal() {
		return
	}
	e.run.Progress = ev.Percent()
	e.run.Message = message
	c.publisher.Publish(ev)
}

func (c *Coordinator) finish(e *runEntry, output string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(e, output, err)
}

// finishLocked moves e to its terminal state exactly once.
func (c *Coordinator) finishLocked(e *runEntry, output string, err error) {
	if e.run.Status.Terminal() {
		return
	}
	defer e.cancel()

	finished := c.now().UTC()
	e.run.FinishedAt = &finished

	if err != nil && e.reason != "" && (errors.Is(err, context.Canceled) || e.run.Status == types.RunStatusQueued) {
		err = errors.New(e.reason)
	}

	ev := types.Event{RunID: e.run.RunID, JobID: e.run.JobID}
	if err != nil {
		e.run.Status = types.RunStatusFailed
		e.run.Error = err.Error()
		e.run.Message = err.Error()
		ev.Type = types.EventError
		ev.Message = err.Error()
	} else {
		e.run.Status = types.RunStatusCompleted
		e.run.Progress = 100
		e.run.OutputPath = output
		e.run.Message = "completed"
		ev.Type = types.EventDone
		ev.Success = types.Ptr(true)
		ev.OutputPath = output
	}

	delete(c.active, e.run.RunID)
	c.history.Set(e.run.RunID, e.run, cache.DefaultExpiration)
	c.publisher.Publish(ev)
	c.updateGauges()

	var elapsed time.Duration
	if e.run.StartedAt != nil {
		elapsed = finished.Sub(*e.run.StartedAt)
	}
	c.metrics.RunFinished(e.run.Status, elapsed)

	fields := logrus.Fields{
		"run_id":   e.run.RunID,
		"job_id":   e.run.JobID,
		"status":   e.run.Status,
		"duration": utils.FormatDuration(elapsed),
	}
	if err != nil {
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Warn("Run failed")
	} else {
		fields["output"] = output
		c.logger.WithFields(fields).Info("Run completed")
	}

	if c.recorder != nil {
		run := e.run
		c.recordWG.Add(1)
		go func() {
			defer c.recordWG.Done()
			if err := c.recorder.RecordRun(run); err != nil {
				c.logger.WithFields(logrus.Fields{
					"run_id": run.RunID,
					"job_id": run.JobID,
					"error":  err,
				}).Warn("Failed to record run outcome")
			}
		}()
	}
}

func (c *Coordinator) updateGauges() {
	c.metrics.SetQueueDepth(len(c.queue))
	c.metrics.SetActiveRuns(len(c.active))
}
