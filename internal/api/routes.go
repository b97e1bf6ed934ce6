package api

import (
	"net/http"

	"github.com/0xPuncker/reelforge/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// NewRouter builds the full router with logging and CORS middleware.
func NewRouter(handler *Handler, m *metrics.Metrics, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware)

	SetupRoutes(router, handler)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	return router
}

func SetupRoutes(router *mux.Router, handler *Handler) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)

	api.HandleFunc("/jobs", handler.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs", handler.CreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", handler.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", handler.UpdateJob).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/jobs/{id}", handler.DeleteJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/duplicate", handler.DuplicateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/run", handler.RunJob).Methods(http.MethodPost)

	api.HandleFunc("/runs", handler.ListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/cancel", handler.CancelAllRuns).Methods(http.MethodPost)
	api.HandleFunc("/runs/{run_id}", handler.GetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/cancel", handler.CancelRun).Methods(http.MethodPost)

	api.HandleFunc("/events", handler.StreamEvents).Methods(http.MethodGet)

	if handler.Scheduler != nil {
		api.HandleFunc("/schedules", handler.ListSchedules).Methods(http.MethodGet)
		api.HandleFunc("/scheduler/start", handler.StartScheduler).Methods(http.MethodPost)
		api.HandleFunc("/scheduler/stop", handler.StopScheduler).Methods(http.MethodPost)
	}
}
