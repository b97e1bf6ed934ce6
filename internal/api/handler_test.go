package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0xPuncker/reelforge/internal/catalog"
	"github.com/0xPuncker/reelforge/internal/cron"
	"github.com/0xPuncker/reelforge/internal/events"
	"github.com/0xPuncker/reelforge/internal/executor"
	"github.com/0xPuncker/reelforge/internal/metrics"
	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiPath = "/api/v1"

type testEnv struct {
	handler *Handler
	router  *mux.Router
	svc     *catalog.Service
	coord   *executor.Coordinator
	bus     *events.Broadcaster
}

func setupTestHandler(t *testing.T, pipeline executor.Pipeline) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m := metrics.New()
	store := catalog.NewStore(filepath.Join(t.TempDir(), "jobs.json"), logger, 3, time.Millisecond)
	svc := catalog.NewService(store, logger, m)
	bus := events.NewBroadcaster(logger, m, 64)
	if pipeline == nil {
		pipeline = &executor.StubPipeline{OutputDir: t.TempDir(), Steps: []string{"one", "two"}}
	}
	coord := executor.NewCoordinator(svc, pipeline, bus, logger, m, executor.Options{Workers: 2})
	coord.SetRecorder(svc)
	coord.Start()
	scheduler := cron.NewScheduler(logger, coord, svc, time.Hour)

	t.Cleanup(func() {
		scheduler.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
		bus.Close()
	})

	handler := NewHandler(logger, svc, coord, bus, scheduler)
	return &testEnv{
		handler: handler,
		router:  NewRouter(handler, m, logger),
		svc:     svc,
		coord:   coord,
		bus:     bus,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, apiPath+path, r)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

const j1 = `{"id":"j1","name":"daily short","enabled":true,"config":{"overlays":[{"size":58,"animation":"fade_in"}]}}`

func TestHealthCheck(t *testing.T) {
	env := setupTestHandler(t, nil)

	req, err := http.NewRequest("GET", apiPath+"/health", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	env.handler.HealthCheck(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	response := decode[map[string]interface{}](t, rr)
	assert.Equal(t, "ok", response["status"])
}

func TestCreateJob(t *testing.T) {
	env := setupTestHandler(t, nil)

	rr := env.do(t, http.MethodPost, "/jobs", `{"name":"no id","config":{"topic":"space"}}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decode[types.JobDefinition](t, rr)
	assert.NotEmpty(t, created.ID)

	rr = env.do(t, http.MethodPost, "/jobs", j1)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = env.do(t, http.MethodPost, "/jobs", j1)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, "/jobs", `{"name":"bad","config":{"overlays":[{"size":0,"animation":"fade_in"}]}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	body := decode[map[string]interface{}](t, rr)
	assert.Equal(t, "config.overlays.size", body["field"])
	assert.EqualValues(t, 0, body["index"])

	rr = env.do(t, http.MethodPost, "/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]types.JobDefinition](t, rr), 2)
}

func TestUpdateWithNullSizeIsRejected(t *testing.T) {
	env := setupTestHandler(t, nil)

	rr := env.do(t, http.MethodPost, "/jobs", `{"id":"j1","config":{"overlays":[{"size":58,"animation":"fade_in"}]}}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "j1", decode[types.JobDefinition](t, rr).Name)

	rr = env.do(t, http.MethodPut, "/jobs/j1", `{"config":{"overlays":[{"size":null,"animation":"fade_in"}]}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	body := decode[map[string]interface{}](t, rr)
	assert.Equal(t, "config.overlays.size", body["field"])

	rr = env.do(t, http.MethodGet, "/jobs/j1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	job := decode[types.JobDefinition](t, rr)
	require.Len(t, job.Config.Overlays, 1)
	require.NotNil(t, job.Config.Overlays[0].Size)
	assert.Equal(t, 58, *job.Config.Overlays[0].Size)
}

func TestUpdateJob(t *testing.T) {
	env := setupTestHandler(t, nil)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs", j1).Code)

	rr := env.do(t, http.MethodPatch, "/jobs/j1", `{"name":"renamed","config":{"overlays":[{"size":72,"animation":"pop"}]}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	job := decode[types.JobDefinition](t, rr)
	assert.Equal(t, "renamed", job.Name)
	assert.Equal(t, 72, job.Config.OverlaySize)
	assert.Equal(t, "pop", job.Config.OverlayAnimation)

	rr = env.do(t, http.MethodPut, "/jobs/missing", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetAndDeleteJob(t *testing.T) {
	env := setupTestHandler(t, nil)

	rr := env.do(t, http.MethodGet, "/jobs/j1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, decode[map[string]interface{}](t, rr)["error"], "not found")

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs", j1).Code)

	rr = env.do(t, http.MethodDelete, "/jobs/j1", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.do(t, http.MethodDelete, "/jobs/j1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDuplicateJob(t *testing.T) {
	env := setupTestHandler(t, nil)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs", j1).Code)

	rr := env.do(t, http.MethodPost, "/jobs/j1/duplicate", `{"name":"copy"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	dup := decode[types.JobDefinition](t, rr)
	assert.NotEqual(t, "j1", dup.ID)
	assert.Equal(t, "copy", dup.Name)

	rr = env.do(t, http.MethodPost, "/jobs/j1/duplicate", "")
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "daily short (copy)", decode[types.JobDefinition](t, rr).Name)

	rr = env.do(t, http.MethodPost, "/jobs/missing/duplicate", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRunJob(t *testing.T) {
	env := setupTestHandler(t, nil)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs", j1).Code)

	rr := env.do(t, http.MethodPost, "/jobs/j1/run", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	resp := decode[RunResponse](t, rr)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, types.RunStatusQueued, resp.Status)

	require.Eventually(t, func() bool {
		rr := env.do(t, http.MethodGet, "/runs/"+resp.RunID, "")
		return rr.Code == http.StatusOK && decode[types.Run](t, rr).Status == types.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		job, err := env.svc.Get("j1")
		return err == nil && job.RunCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	rr = env.do(t, http.MethodPost, "/jobs/missing/run", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPatch, "/jobs/j1", `{"enabled":false}`).Code)
	rr = env.do(t, http.MethodPost, "/jobs/j1/run", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCancelRuns(t *testing.T) {
	block := executor.PipelineFunc(func(ctx context.Context, runID string, job *types.JobDefinition, report executor.ProgressFunc) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	env := setupTestHandler(t, block)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs", j1).Code)

	resp := decode[RunResponse](t, env.do(t, http.MethodPost, "/jobs/j1/run", ""))

	rr := env.do(t, http.MethodPost, "/runs/"+resp.RunID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		run, err := env.coord.Get(resp.RunID)
		return err == nil && run.Status == types.RunStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	rr = env.do(t, http.MethodPost, "/runs/unknown/cancel", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/jobs/j1/run", "").Code)
	}
	rr = env.do(t, http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 3, decode[map[string]interface{}](t, rr)["active_runs"])

	rr = env.do(t, http.MethodPost, "/runs/cancel", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 3, decode[map[string]int](t, rr)["cancelled"])
}

func TestDuplicateWhileProcessing(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	seen := make(chan types.JobDefinition, 1)

	pipeline := executor.PipelineFunc(func(ctx context.Context, runID string, job *types.JobDefinition, report executor.ProgressFunc) (string, error) {
		report(1, 2, "working")
		close(started)
		<-release
		seen <- *job
		report(2, 2, "finished")
		return "out.mp4", nil
	})
	env := setupTestHandler(t, pipeline)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs", j1).Code)

	sub := env.bus.Subscribe()
	defer sub.Close()

	resp := decode[RunResponse](t, env.do(t, http.MethodPost, "/jobs/j1/run", ""))
	<-started

	rr := env.do(t, http.MethodPost, "/jobs/j1/duplicate", `{"name":"copy"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	dup := decode[types.JobDefinition](t, rr)
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPut, "/jobs/"+dup.ID, `{"config":{"overlays":[{"size":12,"animation":"pop"}]}}`).Code)
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPut, "/jobs/j1", `{"config":{"overlays":[{"size":99,"animation":"zoom_in"}]}}`).Code)

	close(release)

	job := <-seen
	assert.Equal(t, 58, *job.Config.Overlays[0].Size)
	assert.Equal(t, "fade_in", *job.Config.Overlays[0].Animation)

	var seenTypes []types.EventType
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.RunID != resp.RunID {
				continue
			}
			seenTypes = append(seenTypes, ev.Type)
			if !ev.Terminal() {
				continue
			}
			assert.Equal(t, types.EventDone, ev.Type)
			assert.Equal(t, types.EventQueued, seenTypes[0])
			for _, typ := range seenTypes[1 : len(seenTypes)-1] {
				assert.Equal(t, types.EventProgress, typ)
			}
			return
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}
}

func TestStreamEvents(t *testing.T) {
	env := setupTestHandler(t, nil)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs", j1).Code)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+apiPath+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	runResp, err := http.Post(srv.URL+apiPath+"/jobs/j1/run", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	run := RunResponse{}
	require.NoError(t, json.NewDecoder(runResp.Body).Decode(&run))
	runResp.Body.Close()

	dec := events.NewDecoder(resp.Body)
	var seen []types.EventType
	for {
		frame, err := dec.Next()
		require.NoError(t, err)
		ev, err := events.ParseEvent(frame)
		require.NoError(t, err)
		if ev.RunID != run.RunID {
			continue
		}
		seen = append(seen, ev.Type)
		if ev.Terminal() {
			break
		}
	}

	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, types.EventQueued, seen[0])
	assert.Equal(t, types.EventDone, seen[len(seen)-1])
}

func TestSchedulerEndpoints(t *testing.T) {
	env := setupTestHandler(t, nil)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs",
		`{"id":"s1","name":"nightly","enabled":true,"schedule":"0 3 * * *"}`).Code)
	require.NoError(t, env.handler.Scheduler.Reload())

	rr := env.do(t, http.MethodGet, "/schedules", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]interface{}](t, rr)
	assert.Len(t, body["schedules"], 1)
	assert.Equal(t, false, body["running"])

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/scheduler/start", "").Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/scheduler/start", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/scheduler/stop", "").Code)

	rr = env.do(t, http.MethodGet, "/schedules", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body = decode[map[string]interface{}](t, rr)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, true, body["heartbeating"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestHandler(t, nil)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs", j1).Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "reelforge_catalog_operations_total")
}
