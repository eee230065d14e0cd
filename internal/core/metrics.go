package core

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the prometheus instrumentation for the detection core.
// One instance is created at startup and threaded through the components.
type Metrics struct {
	EventsConsumed     prometheus.Counter
	EventsInvalid      prometheus.Counter
	EventsDeduped      prometheus.Counter
	IncidentsCreated   prometheus.Counter
	IndicatorsUpserted prometheus.Counter
	QueueDepth         prometheus.Gauge
	QueueFallbacks     prometheus.Counter
	WriteRetries       prometheus.Counter
	TasksDropped       prometheus.Counter
	ScoreDuration      prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics builds and registers all collectors on a private registry so
// tests can create as many instances as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeguard", Name: "events_consumed_total",
			Help: "Telemetry events consumed from the stream.",
		}),
		EventsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeguard", Name: "events_invalid_total",
			Help: "Messages skipped as malformed input.",
		}),
		EventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeguard", Name: "events_deduped_total",
			Help: "Events dropped by the ingest dedup cache.",
		}),
		IncidentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeguard", Name: "incidents_created_total",
			Help: "Incidents created by the decision stage.",
		}),
		IndicatorsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeguard", Name: "indicators_upserted_total",
			Help: "Threat indicators written to the store.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeguard", Name: "persist_queue_depth",
			Help: "Tasks currently waiting in the persistence queue.",
		}),
		QueueFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeguard", Name: "persist_queue_fallbacks_total",
			Help: "Synchronous direct writes taken because the queue was full.",
		}),
		WriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeguard", Name: "persist_write_retries_total",
			Help: "Persistence write attempts beyond the first.",
		}),
		TasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeguard", Name: "persist_tasks_dropped_total",
			Help: "Persistence tasks dropped after exhausting retries.",
		}),
		ScoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nodeguard", Name: "score_duration_seconds",
			Help:    "Wall time of one ensemble scoring pass.",
			Buckets: prometheus.DefBuckets,
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.EventsConsumed, m.EventsInvalid, m.EventsDeduped,
		m.IncidentsCreated, m.IndicatorsUpserted,
		m.QueueDepth, m.QueueFallbacks, m.WriteRetries, m.TasksDropped,
		m.ScoreDuration,
	)
	return m
}

// Handler returns the HTTP handler exposing this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsServer serves the /metrics endpoint.
type MetricsServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewMetricsServer builds the listener; Start launches it.
func NewMetricsServer(cfg MetricsConfig, m *Metrics, logger zerolog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &MetricsServer{
		srv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start runs the listener in the background. Listen errors other than a
// clean shutdown are logged, not fatal: losing metrics must not take the
// pipeline down.
func (s *MetricsServer) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("metrics listener started")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}

// Stop shuts the listener down.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
