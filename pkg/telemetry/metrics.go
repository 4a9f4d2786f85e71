package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the actuator engine.
// Every recording method is safe to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsByKind      *prometheus.CounterVec

	// Dispatch metrics
	dispatchAttempts  *prometheus.CounterVec
	dispatchRetries   *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	breakerRejections *prometheus.CounterVec

	// Idempotency metrics
	idempotencyLookups *prometheus.CounterVec
	ledgerPurged       prometheus.Counter

	// Policy metrics
	policyDecisions *prometheus.CounterVec

	// Plan metrics
	plansCompleted *prometheus.CounterVec
	planDuration   *prometheus.HistogramVec
	compensations  *prometheus.CounterVec
	activePlans    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of operations handled by the connector",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of connector operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of failed operations by error kind",
			},
			[]string{"kind"},
		),

		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_attempts_total",
				Help:      "Total number of registry invocations",
			},
			[]string{"integration", "outcome"},
		),
		dispatchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_retries_total",
				Help:      "Total number of dispatch retries by error kind",
			},
			[]string{"integration", "kind"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Current breaker state per integration (0=closed, 1=open, 2=half-open)",
			},
			[]string{"integration"},
		),
		breakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_rejections_total",
				Help:      "Total number of calls rejected by an open breaker",
			},
			[]string{"integration"},
		),

		idempotencyLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_lookups_total",
				Help:      "Total number of idempotency ledger lookups",
			},
			[]string{"result"},
		),
		ledgerPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_purged_total",
				Help:      "Total number of expired idempotency records purged",
			},
		),

		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Total number of policy decisions by outcome",
			},
			[]string{"outcome"},
		),

		plansCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_completed_total",
				Help:      "Total number of action plans executed",
			},
			[]string{"status"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of action plan execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensations attempted",
			},
			[]string{"outcome"},
		),
		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_plans",
				Help:      "Current number of plans being executed",
			},
		),
	}

	registry.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.errorsByKind,
		m.dispatchAttempts,
		m.dispatchRetries,
		m.breakerState,
		m.breakerRejections,
		m.idempotencyLookups,
		m.ledgerPurged,
		m.policyDecisions,
		m.plansCompleted,
		m.planDuration,
		m.compensations,
		m.activePlans,
	)

	return m, nil
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Operation Metrics

// RecordOperation records a connector outcome ("success", "failure",
// "cached", "pending_approval", "dry_run").
func (m *Metrics) RecordOperation(operation, outcome string, duration time.Duration) {
	if m == nil || m.operationsTotal == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError records a failed operation by error kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.errorsByKind == nil || kind == "" {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Dispatch Metrics

// RecordDispatchAttempt records one registry invocation.
func (m *Metrics) RecordDispatchAttempt(integration string, success bool) {
	if m == nil || m.dispatchAttempts == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.dispatchAttempts.WithLabelValues(integration, outcome).Inc()
}

// RecordRetry records a retry scheduled after a failure of the given kind.
func (m *Metrics) RecordRetry(integration, kind string) {
	if m == nil || m.dispatchRetries == nil {
		return
	}
	m.dispatchRetries.WithLabelValues(integration, kind).Inc()
}

// SetBreakerState publishes a breaker state. state follows the engine's
// BreakerState ordinal.
func (m *Metrics) SetBreakerState(integration string, state int) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.WithLabelValues(integration).Set(float64(state))
}

// RecordBreakerRejection records a call short-circuited by an open breaker.
func (m *Metrics) RecordBreakerRejection(integration string) {
	if m == nil || m.breakerRejections == nil {
		return
	}
	m.breakerRejections.WithLabelValues(integration).Inc()
}

// Idempotency Metrics

// RecordIdempotencyLookup records a ledger lookup as a hit or miss.
func (m *Metrics) RecordIdempotencyLookup(hit bool) {
	if m == nil || m.idempotencyLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.idempotencyLookups.WithLabelValues(result).Inc()
}

// RecordLedgerPurged adds purged records to the counter.
func (m *Metrics) RecordLedgerPurged(count int64) {
	if m == nil || m.ledgerPurged == nil || count <= 0 {
		return
	}
	m.ledgerPurged.Add(float64(count))
}

// Policy Metrics

// RecordPolicyDecision records a policy gate outcome ("approved", "blocked",
// "approval_required", "error").
func (m *Metrics) RecordPolicyDecision(outcome string) {
	if m == nil || m.policyDecisions == nil {
		return
	}
	m.policyDecisions.WithLabelValues(outcome).Inc()
}

// Plan Metrics

// RecordPlanStarted increments the active plan gauge.
func (m *Metrics) RecordPlanStarted() {
	if m == nil || m.activePlans == nil {
		return
	}
	m.activePlans.Inc()
}

// RecordPlanCompleted records a finished plan with its saga status.
func (m *Metrics) RecordPlanCompleted(status string, duration time.Duration) {
	if m == nil || m.plansCompleted == nil {
		return
	}
	m.plansCompleted.WithLabelValues(status).Inc()
	m.planDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activePlans.Dec()
}

// RecordCompensation records a compensation outcome.
func (m *Metrics) RecordCompensation(success bool) {
	if m == nil || m.compensations == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.compensations.WithLabelValues(outcome).Inc()
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

// Serve exposes metrics over HTTP until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
