package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lintforge/lintforge/pkg/protocol"
)

// Metrics provides Prometheus metrics for rule execution. A nil *Metrics
// records nothing.
type Metrics struct {
	config MetricsConfig

	// Rule call metrics
	ruleCalls    *prometheus.CounterVec
	ruleDuration *prometheus.HistogramVec
	ruleFuel     *prometheus.HistogramVec
	rulesLoaded  prometheus.Gauge

	// Lint metrics
	diagnostics  *prometheus.CounterVec
	filesLinted  *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ruleCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_calls_total",
				Help:      "Total number of rule calls by outcome",
			},
			[]string{"rule", "status"},
		),
		ruleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_call_duration_seconds",
				Help:      "Duration of rule calls in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"rule"},
		),
		ruleFuel: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_call_fuel",
				Help:      "Instructions charged per interpreter rule call",
				Buckets:   prometheus.ExponentialBuckets(1000, 10, 7),
			},
			[]string{"rule"},
		),
		rulesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules_loaded",
				Help:      "Current number of loaded rules",
			},
		),

		diagnostics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diagnostics_total",
				Help:      "Total number of diagnostics reported",
			},
			[]string{"rule", "severity"},
		),
		filesLinted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_linted_total",
				Help:      "Total number of files linted",
			},
			[]string{"status"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by outcome",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.ruleCalls,
		m.ruleDuration,
		m.ruleFuel,
		m.rulesLoaded,
		m.diagnostics,
		m.filesLinted,
		m.cacheLookups,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRuleCall records a rule call with its status, duration and, for
// interpreter rules, the fuel it used.
func (m *Metrics) RecordRuleCall(rule, status string, duration time.Duration, fuel uint64) {
	if !m.enabled() {
		return
	}
	m.ruleCalls.WithLabelValues(rule, status).Inc()
	m.ruleDuration.WithLabelValues(rule).Observe(duration.Seconds())
	if fuel > 0 {
		m.ruleFuel.WithLabelValues(rule).Observe(float64(fuel))
	}
}

// RecordDiagnostics counts diagnostics by severity.
func (m *Metrics) RecordDiagnostics(rule string, diags []protocol.Diagnostic) {
	if !m.enabled() {
		return
	}
	for _, d := range diags {
		m.diagnostics.WithLabelValues(rule, string(d.Severity.OrDefault())).Inc()
	}
}

// SetRulesLoaded sets the number of loaded rules.
func (m *Metrics) SetRulesLoaded(count int) {
	if !m.enabled() {
		return
	}
	m.rulesLoaded.Set(float64(count))
}

// RecordFileLinted counts a linted file.
func (m *Metrics) RecordFileLinted(status string) {
	if !m.enabled() {
		return
	}
	m.filesLinted.WithLabelValues(status).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if !m.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
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

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
