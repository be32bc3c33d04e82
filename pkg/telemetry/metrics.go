package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// Metrics provides Prometheus metrics for the control plane. A disabled
// config yields a no-op instance so callers never nil-check.
type Metrics struct {
	config MetricsConfig

	// Reconciliation metrics
	reconcilesStarted   *prometheus.CounterVec
	reconcilesCompleted *prometheus.CounterVec
	reconcileDuration   *prometheus.HistogramVec

	// Drift metrics
	driftChecks   *prometheus.CounterVec
	driftDetected prometheus.Counter

	// Gateway metrics
	gatewayRPCs *prometheus.CounterVec

	// Sweep metrics
	stuckTransitions prometheus.Counter

	// Fleet state metrics
	instancesByStatus *prometheus.GaugeVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

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

		reconcilesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciles_started_total",
				Help:      "Total number of reconcile attempts started",
			},
			[]string{"trigger"},
		),
		reconcilesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciles_completed_total",
				Help:      "Total number of reconcile attempts completed",
			},
			[]string{"outcome"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconcile attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		driftChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_checks_total",
				Help:      "Total number of drift checks by result",
			},
			[]string{"result"},
		),
		driftDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detected_total",
				Help:      "Total number of instances found drifted",
			},
		),

		gatewayRPCs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_rpcs_total",
				Help:      "Total number of gateway RPCs",
			},
			[]string{"method", "outcome"},
		),

		stuckTransitions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stuck_transitions_total",
				Help:      "Total number of instances moved to ERROR by the stuck sweep",
			},
		),

		instancesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_by_status",
				Help:      "Current number of instances per lifecycle status",
			},
			[]string{"status"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of classified errors by code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.reconcilesStarted,
		m.reconcilesCompleted,
		m.reconcileDuration,
		m.driftChecks,
		m.driftDetected,
		m.gatewayRPCs,
		m.stuckTransitions,
		m.instancesByStatus,
		m.errorsByCode,
	)

	return m, nil
}

// RecordReconcileStarted counts a reconcile attempt by trigger source
// (manual, drift, create).
func (m *Metrics) RecordReconcileStarted(trigger string) {
	if m.reconcilesStarted == nil {
		return
	}
	m.reconcilesStarted.WithLabelValues(trigger).Inc()
}

// RecordReconcileCompleted records a finished reconcile with its outcome
// (success, error, conflict) and duration.
func (m *Metrics) RecordReconcileCompleted(outcome string, duration time.Duration) {
	if m.reconcilesCompleted == nil {
		return
	}
	m.reconcilesCompleted.WithLabelValues(outcome).Inc()
	m.reconcileDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordDriftCheck counts one drift check by result (drift, clean, unknown).
func (m *Metrics) RecordDriftCheck(result string) {
	if m.driftChecks == nil {
		return
	}
	m.driftChecks.WithLabelValues(result).Inc()
	if result == "drift" {
		m.driftDetected.Inc()
	}
}

// RecordGatewayRPC counts one gateway RPC by method and outcome.
func (m *Metrics) RecordGatewayRPC(method, outcome string) {
	if m.gatewayRPCs == nil {
		return
	}
	m.gatewayRPCs.WithLabelValues(method, outcome).Inc()
}

// RecordStuckTransition counts one stuck-sweep ERROR transition.
func (m *Metrics) RecordStuckTransition() {
	if m.stuckTransitions == nil {
		return
	}
	m.stuckTransitions.Inc()
}

// SetInstanceCount sets the gauge for one lifecycle status.
func (m *Metrics) SetInstanceCount(status fleet.InstanceStatus, count float64) {
	if m.instancesByStatus == nil {
		return
	}
	m.instancesByStatus.WithLabelValues(string(status)).Set(count)
}

// RecordError counts one classified error.
func (m *Metrics) RecordError(err error) {
	if m.errorsByCode == nil || err == nil {
		return
	}
	m.errorsByCode.WithLabelValues(string(fleet.CodeOf(err))).Inc()
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Server returns an HTTP server exposing the metrics endpoint, or nil when
// metrics are disabled. The caller owns the server lifecycle.
func (m *Metrics) Server() *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
