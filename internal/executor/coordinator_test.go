package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu   sync.Mutex
	jobs map[string]*types.JobDefinition
}

func newFakeSource(jobs ...types.JobDefinition) *fakeSource {
	s := &fakeSource{jobs: make(map[string]*types.JobDefinition)}
	for i := range jobs {
		s.jobs[jobs[i].ID] = jobs[i].Clone()
	}
	return s
}

func (s *fakeSource) Get(id string) (*types.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	return j.Clone(), nil
}

func (s *fakeSource) mutate(id string, fn func(*types.JobDefinition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.jobs[id])
}

type recorder struct {
	mu     sync.Mutex
	events []types.Event
	runs   []types.Run
}

func (r *recorder) Publish(ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) RecordRun(run types.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *recorder) forRun(runID string) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, ev := range r.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) terminal(runID string) (types.Event, bool) {
	for _, ev := range r.forRun(runID) {
		if ev.Terminal() {
			return ev, true
		}
	}
	return types.Event{}, false
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sampleJob(id string) types.JobDefinition {
	return types.JobDefinition{
		ID:      id,
		Name:    "job " + id,
		Enabled: true,
		Config: types.JobConfig{
			Topic:    "original topic",
			Overlays: []types.Overlay{{Text: "hello", Size: types.Ptr(58), Animation: types.Ptr("fade_in")}},
		},
	}
}

func newTestCoordinator(t *testing.T, src JobSource, p Pipeline, workers int) (*Coordinator, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := NewCoordinator(src, p, rec, newTestLogger(), nil, Options{Workers: workers})
	c.SetRecorder(rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c, rec
}

func waitTerminal(t *testing.T, rec *recorder, runID string) types.Event {
	t.Helper()
	var ev types.Event
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = rec.terminal(runID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return ev
}

func TestRunCompletesWithOrderedEvents(t *testing.T) {
	dir := t.TempDir()
	c, rec := newTestCoordinator(t, newFakeSource(sampleJob("j1")), &StubPipeline{OutputDir: dir}, 1)
	c.Start()

	run, err := c.Enqueue("j1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusQueued, run.Status)

	done := waitTerminal(t, rec, run.RunID)
	assert.Equal(t, types.EventDone, done.Type)
	assert.True(t, done.Succeeded())
	assert.Equal(t, filepath.Join(dir, run.RunID+".txt"), done.OutputPath)

	evs := rec.forRun(run.RunID)
	require.GreaterOrEqual(t, len(evs), 3)
	assert.Equal(t, types.EventQueued, evs[0].Type)
	assert.Equal(t, types.EventProgress, evs[1].Type)
	assert.Equal(t, evs[len(evs)-1], done)

	terminals := 0
	for _, ev := range evs {
		if ev.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	got, err := c.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	_, err = os.Stat(done.OutputPath)
	assert.NoError(t, err)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.runs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRunUsesSnapshotTakenAtDequeue(t *testing.T) {
	src := newFakeSource(sampleJob("j1"))
	started := make(chan struct{})
	release := make(chan struct{})

	var seen *types.JobDefinition
	p := PipelineFunc(func(ctx context.Context, runID string, job *types.JobDefinition, report ProgressFunc) (string, error) {
		close(started)
		<-release
		seen = job
		return "out.mp4", nil
	})

	c, rec := newTestCoordinator(t, src, p, 1)
	c.Start()

	run, err := c.Enqueue("j1")
	require.NoError(t, err)
	<-started

	src.mutate("j1", func(j *types.JobDefinition) {
		j.Config.Topic = "edited"
		*j.Config.Overlays[0].Size = 12
		j.Config.Overlays[0].Text = "changed"
	})
	close(release)

	waitTerminal(t, rec, run.RunID)
	require.NotNil(t, seen)
	assert.Equal(t, "original topic", seen.Config.Topic)
	assert.Equal(t, 58, *seen.Config.Overlays[0].Size)
	assert.Equal(t, "hello", seen.Config.Overlays[0].Text)
}

func TestMissingJobFailsRun(t *testing.T) {
	c, rec := newTestCoordinator(t, newFakeSource(), &StubPipeline{OutputDir: t.TempDir()}, 1)
	c.Start()

	run, err := c.Enqueue("ghost")
	require.NoError(t, err)

	ev := waitTerminal(t, rec, run.RunID)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Contains(t, ev.Message, "ghost")

	got, err := c.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, got.Status)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	p := PipelineFunc(func(ctx context.Context, runID string, job *types.JobDefinition, report ProgressFunc) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
		return "ok.mp4", nil
	})

	c, rec := newTestCoordinator(t, newFakeSource(sampleJob("j1")), p, 1)
	c.Start()

	first, err := c.Enqueue("j1")
	require.NoError(t, err)
	second, err := c.Enqueue("j1")
	require.NoError(t, err)

	ev := waitTerminal(t, rec, first.RunID)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Contains(t, ev.Message, "boom")

	ev = waitTerminal(t, rec, second.RunID)
	assert.Equal(t, types.EventDone, ev.Type)
}

func TestCancelQueuedRun(t *testing.T) {
	c, rec := newTestCoordinator(t, newFakeSource(sampleJob("j1")), &StubPipeline{OutputDir: t.TempDir()}, 1)

	run, err := c.Enqueue("j1")
	require.NoError(t, err)
	require.NoError(t, c.Cancel(run.RunID))

	ev, ok := rec.terminal(run.RunID)
	require.True(t, ok)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Equal(t, "cancelled by user", ev.Message)
	assert.Empty(t, c.Active())

	// Cancelling again is a no-op and never produces a second terminal event.
	require.NoError(t, c.Cancel(run.RunID))
	assert.Len(t, rec.forRun(run.RunID), 2)
}

func TestCancelProcessingRun(t *testing.T) {
	started := make(chan struct{})
	p := PipelineFunc(func(ctx context.Context, runID string, job *types.JobDefinition, report ProgressFunc) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	c, rec := newTestCoordinator(t, newFakeSource(sampleJob("j1")), p, 1)
	c.Start()

	run, err := c.Enqueue("j1")
	require.NoError(t, err)
	<-started

	require.NoError(t, c.Cancel(run.RunID))
	ev := waitTerminal(t, rec, run.RunID)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Equal(t, "cancelled by user", ev.Message)
}

func TestCancelUnknownRun(t *testing.T) {
	c, _ := newTestCoordinator(t, newFakeSource(), &StubPipeline{}, 1)
	assert.ErrorIs(t, c.Cancel("nope"), ErrRunNotFound)

	_, err := c.Get("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCancelAll(t *testing.T) {
	c, rec := newTestCoordinator(t, newFakeSource(sampleJob("j1")), &StubPipeline{}, 1)

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := c.Enqueue("j1")
		require.NoError(t, err)
		ids = append(ids, run.RunID)
	}
	assert.Len(t, c.Active(), 3)

	assert.Equal(t, 3, c.CancelAll())
	for _, id := range ids {
		ev, ok := rec.terminal(id)
		require.True(t, ok)
		assert.Equal(t, types.EventError, ev.Type)
	}
	assert.Empty(t, c.Active())
}

func TestRunsAreProcessedInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	p := PipelineFunc(func(ctx context.Context, runID string, job *types.JobDefinition, report ProgressFunc) (string, error) {
		mu.Lock()
		order = append(order, runID)
		mu.Unlock()
		return "", nil
	})

	c, rec := newTestCoordinator(t, newFakeSource(sampleJob("j1")), p, 1)

	var ids []string
	for i := 0; i < 4; i++ {
		run, err := c.Enqueue("j1")
		require.NoError(t, err)
		ids = append(ids, run.RunID)
	}
	c.Start()

	waitTerminal(t, rec, ids[len(ids)-1])
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestStopRejectsNewRunsAndFailsQueued(t *testing.T) {
	c, rec := newTestCoordinator(t, newFakeSource(sampleJob("j1")), &StubPipeline{}, 1)

	run, err := c.Enqueue("j1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	ev, ok := rec.terminal(run.RunID)
	require.True(t, ok)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Contains(t, ev.Message, "interrupted")

	_, err = c.Enqueue("j1")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestHeartbeat(t *testing.T) {
	c, rec := newTestCoordinator(t, newFakeSource(), &StubPipeline{}, 1)
	c.Heartbeat()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 1)
	assert.Equal(t, types.EventHeartbeat, rec.events[0].Type)
	assert.NotZero(t, rec.events[0].Timestamp)
}
