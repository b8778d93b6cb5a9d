package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for sheetsmith. All Record methods are
// safe on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Layout state
	mutations *prometheus.CounterVec

	// Persistence
	saves         *prometheus.CounterVec
	saveDuration  prometheus.Histogram
	savesInFlight prometheus.Gauge
	loads         *prometheus.CounterVec
	reloads       prometheus.Counter

	// Generation
	generations        *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	policyDenials      *prometheus.CounterVec

	// HTTP
	requests *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Total number of layout mutations by kind",
			},
			[]string{"kind"},
		),

		saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saves_total",
				Help:      "Total number of config saves by result (ok, error, superseded)",
			},
			[]string{"result"},
		),
		saveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "save_duration_seconds",
				Help:      "Duration of config store writes in seconds",
				Buckets:   buckets,
			},
		),
		savesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "saves_in_flight",
				Help:      "Current number of config saves not yet finished",
			},
		),
		loads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loads_total",
				Help:      "Total number of config loads by source (store, defaults, invalid, unavailable)",
			},
			[]string{"source"},
		),
		reloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of reloads triggered by external config edits",
			},
		),

		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generations_total",
				Help:      "Total number of document generations by mode and status",
			},
			[]string{"mode", "status"},
		),
		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Duration of document generation in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of generation requests denied by policy",
			},
			[]string{"policy"},
		),

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "code"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.mutations,
		m.saves,
		m.saveDuration,
		m.savesInFlight,
		m.loads,
		m.reloads,
		m.generations,
		m.generationDuration,
		m.policyDenials,
		m.requests,
		m.errorsByClass,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Registry exposes the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordMutation counts a layout mutation.
func (m *Metrics) RecordMutation(kind string) {
	if m == nil || m.mutations == nil {
		return
	}
	m.mutations.WithLabelValues(kind).Inc()
}

// SaveStarted marks a save as in flight.
func (m *Metrics) SaveStarted() {
	if m == nil || m.savesInFlight == nil {
		return
	}
	m.savesInFlight.Inc()
}

// RecordSave records a finished save. Superseded saves have no duration.
func (m *Metrics) RecordSave(result string, duration time.Duration) {
	if m == nil || m.saves == nil {
		return
	}
	m.savesInFlight.Dec()
	m.saves.WithLabelValues(result).Inc()
	if duration > 0 {
		m.saveDuration.Observe(duration.Seconds())
	}
}

// RecordLoad counts a load by the source the state came from.
func (m *Metrics) RecordLoad(source string) {
	if m == nil || m.loads == nil {
		return
	}
	m.loads.WithLabelValues(source).Inc()
}

// RecordReload counts a reload triggered by an external edit.
func (m *Metrics) RecordReload() {
	if m == nil || m.reloads == nil {
		return
	}
	m.reloads.Inc()
}

// RecordGeneration records a generate or preview call.
func (m *Metrics) RecordGeneration(mode, status string, duration time.Duration) {
	if m == nil || m.generations == nil {
		return
	}
	m.generations.WithLabelValues(mode, status).Inc()
	m.generationDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordPolicyDenial counts a denial by policy name.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if m == nil || m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// RecordRequest counts an API request.
func (m *Metrics) RecordRequest(method, route, code string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(method, route, code).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a dedicated metrics listener when ListenAddress is
// set. The returned server is nil when nothing was started.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server failed")
		}
	}()

	return server
}
