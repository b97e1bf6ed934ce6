// Package tracker follows runs from the client side.
//
// All tracked runs share one event stream connection. Events are routed by
// run id to a small state machine per run with two timers: a queue timeout
// armed while the run is queued and a processing timeout refreshed by every
// progress event. Either timer failing a run, a terminal event, or a local
// cancel ends tracking of that run exactly once; later events for it are
// ignored as untracked.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotTracked     = errors.New("run is not tracked")
	ErrAlreadyTracked = errors.New("run is already tracked")
	ErrClosed         = errors.New("tracker is closed")
)

const (
	MsgStuckInQueue      = "stuck in queue"
	MsgProcessingTimeout = "timed out while processing"
	MsgCancelled         = "cancelled by user"
	MsgInterrupted       = "interrupted"
)

// Run is the locally observed state of one run.
type Run struct {
	RunID      string          `json:"run_id"`
	JobID      string          `json:"job_id"`
	Status     types.RunStatus `json:"status"`
	Progress   int             `json:"progress"`
	Message    string          `json:"message,omitempty"`
	OutputPath string          `json:"output_path,omitempty"`
	Error      string          `json:"error,omitempty"`
	Paused     bool            `json:"paused,omitempty"`
	TrackedAt  time.Time       `json:"tracked_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Canceller stops runs on the server. Calls are best effort.
type Canceller interface {
	CancelRun(ctx context.Context, runID string) error
}

// Resolver fetches the server's view of a run. It lets the tracker catch up
// on transitions that happened before it started listening.
type Resolver interface {
	GetRun(ctx context.Context, runID string) (*types.Run, error)
}

type Options struct {
	EventsURL         string
	QueueTimeout      time.Duration
	ProcessingTimeout time.Duration
	ReconnectDelay    time.Duration
	HistoryTTL        time.Duration
	// StatePath, when set, persists tracked runs for ResumeAll.
	StatePath  string
	HTTPClient *http.Client
	Canceller  Canceller
	Resolver   Resolver
}

func (o *Options) applyDefaults() {
	if o.QueueTimeout <= 0 {
		o.QueueTimeout = 10 * time.Minute
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = 30 * time.Minute
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.HistoryTTL <= 0 {
		o.HistoryTTL = time.Hour
	}
	if o.HTTPClient == nil {
		// No client timeout: the stream is long-lived.
		o.HTTPClient = &http.Client{}
	}
}

type timerKind int

const (
	timerNone timerKind = iota
	timerQueue
	timerProcessing
)

type entry struct {
	run      Run
	timer    *time.Timer
	gen      uint64
	done     chan struct{}
	released bool
}

// release wakes every Wait on the entry. Safe to call more than once.
func (e *entry) release() {
	if !e.released {
		e.released = true
		close(e.done)
	}
}

type Tracker struct {
	opts   Options
	logger *logrus.Logger
	state  *stateFile

	mu        sync.Mutex
	runs      map[string]*entry
	history   *cache.Cache
	listeners []func(Run)
	stopConn  context.CancelFunc
	connected bool
	lastBeat  time.Time
	streams   int
	closed    bool

	wg  sync.WaitGroup
	now func() time.Time
}

func New(logger *logrus.Logger, opts Options) *Tracker {
	opts.applyDefaults()

	t := &Tracker{
		opts:    opts,
		logger:  logger,
		runs:    make(map[string]*entry),
		history: cache.New(opts.HistoryTTL, opts.HistoryTTL*2),
		now:     time.Now,
	}
	if opts.StatePath != "" {
		t.state = &stateFile{path: opts.StatePath}
	}
	return t
}

// OnUpdate registers fn to receive every state change. fn runs on the
// tracker's goroutines and must not block.
func (t *Tracker) OnUpdate(fn func(Run)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Connect opens the shared event stream if it is not open yet. Callers that
// are about to request a run should connect first so no early event is
// missed.
func (t *Tracker) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.connectLocked()
	return nil
}

// Start begins tracking runID in the queued state and arms its queue
// timeout.
func (t *Tracker) Start(jobID, runID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, ok := t.runs[runID]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, runID)
	}

	now := t.now()
	e := &entry{
		run: Run{
			RunID:     runID,
			JobID:     jobID,
			Status:    types.RunStatusQueued,
			Message:   "waiting in queue",
			TrackedAt: now,
			UpdatedAt: now,
		},
		done: make(chan struct{}),
	}
	t.runs[runID] = e
	t.armLocked(e, timerQueue)
	t.connectLocked()
	t.persistLocked()
	updates := []Run{e.run}
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"run_id": runID,
	}).Debug("Tracking run")

	t.notify(updates)
	t.reconcile(runID)
	return nil
}

// ResumeAll re-tracks every persisted run that was still queued or
// processing and returns how many were resumed.
func (t *Tracker) ResumeAll() (int, error) {
	saved, err := t.state.load()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}

	var resumed []string
	for _, r := range saved {
		if r.Status.Terminal() {
			continue
		}
		if _, ok := t.runs[r.RunID]; ok {
			continue
		}

		e := &entry{run: r, done: make(chan struct{})}
		t.runs[r.RunID] = e
		t.armLocked(e, kindFor(r.Status))
		resumed = append(resumed, r.RunID)
	}

	if len(resumed) > 0 {
		t.connectLocked()
		t.persistLocked()
	}
	t.mu.Unlock()

	t.logger.WithField("runs", len(resumed)).Info("Resumed tracked runs")
	for _, runID := range resumed {
		t.reconcile(runID)
	}
	return len(resumed), nil
}

// Pause suspends both timers of a run without changing its state.
func (t *Tracker) Pause(runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, runID)
	}
	e.run.Paused = true
	t.stopTimerLocked(e)
	t.persistLocked()
	return nil
}

// Resume re-arms the timer that matches the run's current state.
func (t *Tracker) Resume(runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, runID)
	}
	e.run.Paused = false
	t.armLocked(e, kindFor(e.run.Status))
	t.persistLocked()
	return nil
}

// Cancel fails the run locally right away, then asks the server to stop it.
func (t *Tracker) Cancel(runID string) error {
	t.mu.Lock()
	e, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotTracked, runID)
	}
	updates := t.finishLocked(e, types.RunStatusFailed, MsgCancelled, "")
	t.mu.Unlock()

	t.notify(updates)
	t.cancelRemote([]string{runID})
	return nil
}

// CancelAll fails every tracked run locally and asks the server to stop
// each of them. It returns the number of runs affected.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	var (
		ids     []string
		updates []Run
	)
	for _, e := range t.runs {
		ids = append(ids, e.run.RunID)
	}
	for _, id := range ids {
		updates = append(updates, t.finishLocked(t.runs[id], types.RunStatusFailed, MsgInterrupted, "")...)
	}
	t.mu.Unlock()

	t.notify(updates)
	t.cancelRemote(ids)
	return len(ids)
}

func (t *Tracker) cancelRemote(runIDs []string) {
	if t.opts.Canceller == nil || len(runIDs) == 0 {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for _, id := range runIDs {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := t.opts.Canceller.CancelRun(ctx, id)
			cancel()
			if err != nil {
				t.logger.WithFields(logrus.Fields{
					"run_id": id,
					"error":  err.Error(),
				}).Warn("Server-side cancel failed")
			}
		}
	}()
}

// Get returns the state of a tracked run or of one that finished recently.
func (t *Tracker) Get(runID string) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.runs[runID]; ok {
		return e.run, true
	}
	if v, ok := t.history.Get(runID); ok {
		return v.(Run), true
	}
	return Run{}, false
}

// Active lists tracked runs in the order they were started.
func (t *Tracker) Active() []Run {
	t.mu.Lock()
	defer t.mu.Unlock()

	runs := make([]Run, 0, len(t.runs))
	for _, e := range t.runs {
		runs = append(runs, e.run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].TrackedAt.Before(runs[j].TrackedAt) })
	return runs
}

// Wait blocks until runID is no longer tracked, the tracker is closed, or ctx
// is done. A run still in flight at Close is returned with ErrClosed.
func (t *Tracker) Wait(ctx context.Context, runID string) (Run, error) {
	t.mu.Lock()
	e, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		if r, found := t.Get(runID); found {
			return r, nil
		}
		return Run{}, fmt.Errorf("%w: %s", ErrNotTracked, runID)
	}
	done := e.done
	t.mu.Unlock()

	select {
	case <-done:
		r, _ := t.Get(runID)
		if !r.Status.Terminal() {
			return r, ErrClosed
		}
		return r, nil
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
}

func (t *Tracker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// LastHeartbeat is the time of the most recent heartbeat event.
func (t *Tracker) LastHeartbeat() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastBeat
}

// Close stops every timer and the shared connection and releases pending
// Wait calls. Tracked runs stay in the state file so a later ResumeAll can
// pick them up; events that arrive after Close are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, e := range t.runs {
		t.stopTimerLocked(e)
		e.release()
	}
	if t.stopConn != nil {
		t.stopConn()
	}
	t.mu.Unlock()

	t.wg.Wait()
}

// handle applies one event. It never fails: anything it cannot use is
// dropped.
func (t *Tracker) handle(ev types.Event) {
	if ev.Type == types.EventHeartbeat {
		t.mu.Lock()
		t.lastBeat = t.now()
		t.mu.Unlock()
		return
	}
	if ev.RunID == "" {
		t.logger.WithField("type", ev.Type).Warn("Dropping event without run id")
		return
	}

	if ev.Type == types.EventDone && ev.Success == nil {
		t.logger.WithField("run_id", ev.RunID).Warn("Dropping done event without success flag")
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	e, ok := t.runs[ev.RunID]
	if !ok {
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"type":   ev.Type,
			"run_id": ev.RunID,
		}).Debug("Ignoring event for untracked run")
		return
	}

	var updates []Run
	switch ev.Type {
	case types.EventQueued:
		if e.run.Status == types.RunStatusQueued {
			if ev.Message != "" {
				e.run.Message = ev.Message
			}
			e.run.UpdatedAt = t.now()
			t.armLocked(e, timerQueue)
			updates = []Run{e.run}
		}

	case types.EventProgress:
		e.run.Status = types.RunStatusProcessing
		if p := ev.Percent(); p > e.run.Progress {
			e.run.Progress = p
		}
		if ev.Message != "" {
			e.run.Message = ev.Message
		}
		e.run.UpdatedAt = t.now()
		t.armLocked(e, timerProcessing)
		updates = []Run{e.run}

	case types.EventDone:
		if ev.Succeeded() {
			updates = t.finishLocked(e, types.RunStatusCompleted, "completed", ev.OutputPath)
		} else {
			msg := ev.Message
			if msg == "" {
				msg = "run failed"
			}
			updates = t.finishLocked(e, types.RunStatusFailed, msg, "")
		}

	case types.EventError:
		msg := ev.Message
		if msg == "" {
			msg = "run failed"
		}
		updates = t.finishLocked(e, types.RunStatusFailed, msg, "")

	default:
		t.logger.WithFields(logrus.Fields{
			"type":   ev.Type,
			"run_id": ev.RunID,
		}).Warn("Dropping event of unknown type")
	}

	if len(updates) > 0 {
		t.persistLocked()
	}
	t.mu.Unlock()

	t.notify(updates)
}

// expire is the timer callback. A stale generation means the timer was
// re-armed or stopped after it fired.
func (t *Tracker) expire(runID string, gen uint64, kind timerKind) {
	t.mu.Lock()
	e, ok := t.runs[runID]
	if !ok || t.closed || e.gen != gen || e.run.Paused {
		t.mu.Unlock()
		return
	}

	msg := MsgStuckInQueue
	if kind == timerProcessing {
		msg = MsgProcessingTimeout
	}
	updates := t.finishLocked(e, types.RunStatusFailed, msg, "")
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"reason": msg,
	}).Warn("Tracked run timed out")
	t.notify(updates)
}

// reconcile asks the server for the run's current state and applies any
// transition the stream has not delivered yet.
func (t *Tracker) reconcile(runID string) {
	if t.opts.Resolver == nil {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		run, err := t.opts.Resolver.GetRun(ctx, runID)
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"run_id": runID,
				"error":  err.Error(),
			}).Debug("Could not resolve run state")
			return
		}

		switch run.Status {
		case types.RunStatusProcessing:
			t.handle(types.Event{Type: types.EventProgress, RunID: runID, JobID: run.JobID, Message: run.Message, Step: run.Progress, Total: 100})
		case types.RunStatusCompleted:
			t.handle(types.Event{Type: types.EventDone, RunID: runID, JobID: run.JobID, Success: types.Ptr(true), OutputPath: run.OutputPath})
		case types.RunStatusFailed:
			t.handle(types.Event{Type: types.EventError, RunID: runID, JobID: run.JobID, Message: run.Error})
		}
	}()
}

// reconcileAll reconciles every tracked run, catching up on terminal events
// missed while the stream was down.
func (t *Tracker) reconcileAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.runs))
	for id := range t.runs {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.reconcile(id)
	}
}

func kindFor(status types.RunStatus) timerKind {
	switch status {
	case types.RunStatusQueued:
		return timerQueue
	case types.RunStatusProcessing:
		return timerProcessing
	default:
		return timerNone
	}
}

func (t *Tracker) armLocked(e *entry, kind timerKind) {
	t.stopTimerLocked(e)
	if e.run.Paused || t.closed || kind == timerNone {
		return
	}

	d := t.opts.QueueTimeout
	if kind == timerProcessing {
		d = t.opts.ProcessingTimeout
	}

	runID, gen := e.run.RunID, e.gen
	e.timer = time.AfterFunc(d, func() { t.expire(runID, gen, kind) })
}

// stopTimerLocked stops the current timer and invalidates any callback that
// is already running.
func (t *Tracker) stopTimerLocked(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// finishLocked moves e to a terminal state and stops tracking it.
func (t *Tracker) finishLocked(e *entry, status types.RunStatus, message, output string) []Run {
	t.stopTimerLocked(e)

	e.run.Status = status
	e.run.Message = message
	e.run.UpdatedAt = t.now()
	if status == types.RunStatusCompleted {
		e.run.Progress = 100
		e.run.OutputPath = output
	} else {
		e.run.Error = message
	}

	delete(t.runs, e.run.RunID)
	t.history.Set(e.run.RunID, e.run, cache.DefaultExpiration)
	e.release()
	t.persistLocked()

	return []Run{e.run}
}

func (t *Tracker) persistLocked() {
	if t.state == nil {
		return
	}

	runs := make([]Run, 0, len(t.runs))
	for _, e := range t.runs {
		runs = append(runs, e.run)
	}
	if err := t.state.save(runs); err != nil {
		t.logger.WithField("error", err.Error()).Warn("Failed to persist tracker state")
	}
}

func (t *Tracker) notify(updates []Run) {
	if len(updates) == 0 {
		return
	}

	t.mu.Lock()
	listeners := append([]func(Run){}, t.listeners...)
	t.mu.Unlock()

	for _, r := range updates {
		for _, fn := range listeners {
			fn(r)
		}
	}
}
