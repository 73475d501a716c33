package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for hostkeeper.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	config MetricsConfig

	// Plugin metrics
	pluginCalls    *prometheus.CounterVec
	pluginDuration *prometheus.HistogramVec
	pluginErrors   *prometheus.CounterVec
	applyOutcomes  *prometheus.CounterVec
	pluginsTotal   *prometheus.GaugeVec

	// Tool metrics
	toolInvocations *prometheus.CounterVec

	// Workflow metrics
	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	nodeTransitions *prometheus.CounterVec
	activeRuns      prometheus.Gauge

	// Discovery metrics
	discoveryOutcomes *prometheus.CounterVec

	// Catalogue cache metrics
	catalogueCache *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

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

		pluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of plugin query/diff/apply calls",
			},
			[]string{"plugin", "operation"},
		),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Duration of plugin calls in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin", "operation"},
		),
		pluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Total number of plugin call errors by kind",
			},
			[]string{"plugin", "operation", "kind"},
		),
		applyOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apply_outcomes_total",
				Help:      "Total number of apply results by status",
			},
			[]string{"plugin", "status"},
		),
		pluginsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins_registered",
				Help:      "Current number of registered plugins",
			},
			[]string{"kind"},
		),

		toolInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_invocations_total",
				Help:      "Total number of tool invocations by outcome kind",
			},
			[]string{"tool", "kind"},
		),

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_started_total",
				Help:      "Total number of workflow runs started or resumed",
			},
			[]string{"workflow"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_finished_total",
				Help:      "Total number of workflow run passes by resulting status",
			},
			[]string{"workflow", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_run_duration_seconds",
				Help:      "Duration of workflow run passes in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow"},
		),
		nodeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_node_transitions_total",
				Help:      "Total number of workflow node state transitions",
			},
			[]string{"plugin", "state"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workflow_active_runs",
				Help:      "Current number of workflow runs executing",
			},
		),

		discoveryOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discovery_services_total",
				Help:      "Total number of discovered services by outcome",
			},
			[]string{"outcome"},
		),

		catalogueCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalogue_cache_total",
				Help:      "Catalogue cache lookups by result",
			},
			[]string{"result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.pluginCalls,
		m.pluginDuration,
		m.pluginErrors,
		m.applyOutcomes,
		m.pluginsTotal,
		m.toolInvocations,
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.nodeTransitions,
		m.activeRuns,
		m.discoveryOutcomes,
		m.catalogueCache,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Plugin Metrics

// RecordPluginCall records a plugin call with its duration.
func (m *Metrics) RecordPluginCall(plugin, operation string, duration time.Duration) {
	if m == nil || m.pluginCalls == nil {
		return
	}
	m.pluginCalls.WithLabelValues(plugin, operation).Inc()
	m.pluginDuration.WithLabelValues(plugin, operation).Observe(duration.Seconds())
}

// RecordPluginError records a failed plugin call.
func (m *Metrics) RecordPluginError(plugin, operation, kind string) {
	if m == nil || m.pluginErrors == nil {
		return
	}
	m.pluginErrors.WithLabelValues(plugin, operation, kind).Inc()
}

// RecordApplyOutcome records the status of an apply result.
func (m *Metrics) RecordApplyOutcome(plugin, status string) {
	if m == nil || m.applyOutcomes == nil {
		return
	}
	m.applyOutcomes.WithLabelValues(plugin, status).Inc()
}

// SetPluginCount sets the number of registered plugins of a kind.
func (m *Metrics) SetPluginCount(kind string, count float64) {
	if m == nil || m.pluginsTotal == nil {
		return
	}
	m.pluginsTotal.WithLabelValues(kind).Set(count)
}

// Tool Metrics

// RecordToolInvocation records a tool call. kind is empty on success.
func (m *Metrics) RecordToolInvocation(tool, kind string) {
	if m == nil || m.toolInvocations == nil {
		return
	}
	if kind == "" {
		kind = "ok"
	}
	m.toolInvocations.WithLabelValues(tool, kind).Inc()
}

// Workflow Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(workflow string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
	m.activeRuns.Inc()
}

// RecordRunFinished records the end of a run pass with its status and duration.
func (m *Metrics) RecordRunFinished(workflow, status string, duration time.Duration) {
	if m == nil || m.runsFinished == nil {
		return
	}
	m.runsFinished.WithLabelValues(workflow, status).Inc()
	m.runDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordNodeTransition records a workflow node entering state.
func (m *Metrics) RecordNodeTransition(plugin, state string) {
	if m == nil || m.nodeTransitions == nil {
		return
	}
	m.nodeTransitions.WithLabelValues(plugin, state).Inc()
}

// Discovery Metrics

// RecordDiscovery records one discovered service as "registered" or "skipped".
func (m *Metrics) RecordDiscovery(outcome string) {
	if m == nil || m.discoveryOutcomes == nil {
		return
	}
	m.discoveryOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCatalogueCache records a catalogue cache "hit" or "miss".
func (m *Metrics) RecordCatalogueCache(result string) {
	if m == nil || m.catalogueCache == nil {
		return
	}
	m.catalogueCache.WithLabelValues(result).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// StartMetricsServer starts an HTTP server to expose metrics. The server is
// shut down when ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
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
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
