// Package metrics exposes Prometheus collectors for the catalog, the
// execution coordinator and the event broadcaster.
//
// Every method is safe to call on a nil *Metrics so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	catalogOps      *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	queueDepth      prometheus.Gauge
	activeRuns      prometheus.Gauge
	subscribers     prometheus.Gauge
	eventsPublished *prometheus.CounterVec
	eventsDropped   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		catalogOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelforge_catalog_operations_total",
				Help: "Catalog operations by type and result",
			},
			[]string{"op", "result"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelforge_runs_total",
				Help: "Runs that reached a terminal state",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reelforge_run_duration_seconds",
				Help:    "Wall time from dequeue to terminal state",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reelforge_queue_depth",
			Help: "Runs waiting for a worker",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reelforge_active_runs",
			Help: "Runs queued or processing",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reelforge_event_subscribers",
			Help: "Connected event stream observers",
		}),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelforge_events_published_total",
				Help: "Lifecycle events published by type",
			},
			[]string{"type"},
		),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelforge_events_dropped_total",
			Help: "Events dropped because an observer was too slow",
		}),
	}

	m.registry.MustRegister(
		m.catalogOps,
		m.runsTotal,
		m.runDuration,
		m.queueDepth,
		m.activeRuns,
		m.subscribers,
		m.eventsPublished,
		m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CatalogOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.catalogOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RunFinished(status types.RunStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetActiveRuns(n int) {
	if m == nil {
		return
	}
	m.activeRuns.Set(float64(n))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) EventPublished(t types.EventType) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
