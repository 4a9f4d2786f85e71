// Package telemetry provides observability instrumentation for the actuator engine.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry bundle that
// is constructed once per process and handed to the engine components.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("connector").Zerolog()
//
// # Tracing
//
// NewTracer installs the configured provider globally, so engine packages
// create spans through otel.Tracer without holding a Tracer reference.
// Supported exporters are "otlp" (gRPC), "stdout" and "none".
//
// # Metrics
//
// Metrics are registered on a private registry and exposed with
// Metrics.Handler or Metrics.Serve. Every recording method is nil-safe, so
// components may be constructed without metrics in tests.
//
//   - actuator_operations_total{operation,outcome}
//   - actuator_operation_duration_seconds{operation}
//   - actuator_errors_by_kind_total{kind}
//   - actuator_dispatch_attempts_total{integration,outcome}
//   - actuator_dispatch_retries_total{integration,kind}
//   - actuator_breaker_state{integration}
//   - actuator_breaker_rejections_total{integration}
//   - actuator_idempotency_lookups_total{result}
//   - actuator_ledger_purged_total
//   - actuator_policy_decisions_total{outcome}
//   - actuator_plans_completed_total{status}
//   - actuator_plan_duration_seconds{status}
//   - actuator_compensations_total{outcome}
//   - actuator_active_plans
package telemetry
