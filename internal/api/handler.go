package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/0xPuncker/reelforge/internal/catalog"
	"github.com/0xPuncker/reelforge/internal/cron"
	"github.com/0xPuncker/reelforge/internal/events"
	"github.com/0xPuncker/reelforge/internal/executor"
	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	logger      *logrus.Logger
	catalog     *catalog.Service
	coordinator *executor.Coordinator
	broadcaster *events.Broadcaster
	Scheduler   *cron.Scheduler
	keepAlive   time.Duration
}

type DuplicateRequest struct {
	Name string `json:"name"`
}

type RunResponse struct {
	RunID  string          `json:"run_id"`
	JobID  string          `json:"job_id"`
	Status types.RunStatus `json:"status"`
}

func NewHandler(
	logger *logrus.Logger,
	svc *catalog.Service,
	coordinator *executor.Coordinator,
	broadcaster *events.Broadcaster,
	scheduler *cron.Scheduler,
) *Handler {
	return &Handler{
		logger:      logger,
		catalog:     svc,
		coordinator: coordinator,
		broadcaster: broadcaster,
		Scheduler:   scheduler,
		keepAlive:   30 * time.Second,
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.catalog.Check(); err != nil {
		h.logger.WithField("error", err.Error()).Warn("Catalog health check failed")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":      status,
		"active_runs": len(h.coordinator.Active()),
		"subscribers": h.broadcaster.Subscribers(),
	})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.List())
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.catalog.Get(mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var def types.JobDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.handleError(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	created, err := h.catalog.Create(def)
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var patch types.JobPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.handleError(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	updated, err := h.catalog.Update(mux.Vars(r)["id"], patch)
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Delete(mux.Vars(r)["id"]); err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DuplicateJob(w http.ResponseWriter, r *http.Request) {
	var req DuplicateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.handleError(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
			return
		}
	}

	dup, err := h.catalog.Duplicate(mux.Vars(r)["id"], req.Name)
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, dup)
}

func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.catalog.Get(id)
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	if !job.Enabled {
		h.handleError(w, fmt.Errorf("job %s is disabled", id), http.StatusConflict)
		return
	}

	run, err := h.coordinator.Enqueue(id)
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}

	writeJSON(w, http.StatusAccepted, RunResponse{
		RunID:  run.RunID,
		JobID:  run.JobID,
		Status: run.Status,
	})
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.coordinator.Active()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":        runs,
		"active_runs": len(runs),
	})
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.coordinator.Get(mux.Vars(r)["run_id"])
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	if err := h.coordinator.Cancel(runID); err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "cancellation requested",
	})
}

func (h *Handler) CancelAllRuns(w http.ResponseWriter, r *http.Request) {
	n := h.coordinator.CancelAll()
	writeJSON(w, http.StatusAccepted, map[string]int{
		"cancelled": n,
	})
}

// StreamEvents serves the lifecycle event stream as Server-Sent Events until
// the client goes away or the broadcaster shuts down.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The stream outlives any server-wide write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := h.broadcaster.Subscribe()
	defer sub.Close()

	if err := events.WriteComment(w, "connected"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.logger.WithField("error", err.Error()).Warn("Event stream cannot be flushed")
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := events.WriteComment(w, "keep-alive"); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := events.WriteEvent(w, ev); err != nil {
				h.logger.WithFields(logrus.Fields{
					"run_id": ev.RunID,
					"error":  err.Error(),
				}).Debug("Event stream write failed")
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	entries := h.Scheduler.ListEntries()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules":    entries,
		"running":      h.Scheduler.IsRunning(),
		"heartbeating": h.Scheduler.Heartbeating(),
	})
}

func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Start(); err != nil {
		h.handleError(w, err, http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "scheduler started successfully",
	})
}

func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "scheduled runs paused; heartbeats continue",
	})
}

func statusFor(err error) int {
	var verr *catalog.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, catalog.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, executor.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, executor.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleError(w http.ResponseWriter, err error, code int) {
	fields := logrus.Fields{"status": code, "error": err.Error()}
	if code >= http.StatusInternalServerError {
		h.logger.WithFields(fields).Error("Request failed")
	} else {
		h.logger.WithFields(fields).Debug("Request rejected")
	}

	body := map[string]interface{}{
		"error": err.Error(),
	}
	var verr *catalog.ValidationError
	if errors.As(err, &verr) {
		body["field"] = verr.Field
		body["value"] = verr.Value
		if verr.Index >= 0 {
			body["index"] = verr.Index
		}
	}

	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
