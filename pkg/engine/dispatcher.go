package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/actuator/pkg/telemetry"
)

const tracerName = "github.com/openfroyo/actuator/pkg/engine"

// DefaultIntegration is used when the registry does not name one.
const DefaultIntegration = "default"

// DefaultDispatchTimeout bounds one dispatch including all retries.
const DefaultDispatchTimeout = 2 * time.Minute

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Retry is the retry policy applied to registry failures.
	Retry RetryPolicy

	// Timeout bounds a whole dispatch, retries included.
	Timeout time.Duration

	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// Dispatcher invokes the operation registry behind a per-integration
// breaker and a retry policy.
type Dispatcher struct {
	registry Registry
	breakers *BreakerSet
	retry    RetryPolicy
	timeout  time.Duration
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher. The breaker set is shared with every
// other dispatcher talking to the same integrations.
func NewDispatcher(registry Registry, breakers *BreakerSet, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDispatchTimeout
	}
	return &Dispatcher{
		registry: registry,
		breakers: breakers,
		retry:    opts.Retry,
		timeout:  opts.Timeout,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Execute dispatches the request and returns its outcome. It never returns a
// nil result. An open breaker short-circuits with API_ERROR and no registry
// call; a timeout or cancellation surfaces as API_ERROR and counts as a
// breaker failure.
func (d *Dispatcher) Execute(ctx context.Context, req *OperationRequest, creds *Credentials) *OperationResult {
	start := time.Now()
	integration := d.integration(req.OperationName)
	breaker := d.breakers.Get(integration)

	ctx, span := d.tracer.Start(ctx, "dispatch "+req.OperationName, trace.WithAttributes(
		telemetry.AttrOperation.String(req.OperationName),
		telemetry.AttrOperationID.String(req.OperationID),
		telemetry.AttrTenantID.String(req.TenantID),
		telemetry.AttrIntegration.String(integration),
	))
	defer span.End()

	logger := d.logger.With().
		Str("operation", req.OperationName).
		Str("operation_id", req.OperationID).
		Str("tenant_id", req.TenantID).
		Str("integration", integration).
		Logger()

	if !breaker.CanExecute() {
		d.metrics.RecordBreakerRejection(integration)
		logger.Warn().Msg("breaker open, rejecting operation")
		result := Failure(req, ErrorKindAPIError, fmt.Sprintf("circuit open for integration %q", integration))
		result.transient = true
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		telemetry.RecordFailure(span, string(result.ErrorKind), result.ErrorMessage)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var result *OperationResult
	for attempt := 0; ; attempt++ {
		span.AddEvent("attempt", trace.WithAttributes(telemetry.AttrAttempt.Int(attempt)))
		result = d.invoke(ctx, req, creds)
		d.metrics.RecordDispatchAttempt(integration, result.Success)

		if result.Success {
			breaker.RecordSuccess()
			break
		}

		if !d.retry.ShouldRetry(attempt, result.ErrorKind) {
			breaker.RecordFailure()
			break
		}

		backoff := d.retry.Backoff(attempt)
		logger.Warn().
			Str("error_kind", string(result.ErrorKind)).
			Str("error", result.ErrorMessage).
			Int("attempt", attempt+1).
			Int("max_attempts", d.retry.MaxRetries+1).
			Dur("backoff", backoff).
			Msg("retrying operation after failure")
		d.metrics.RecordRetry(integration, string(result.ErrorKind))

		if err := d.retry.Wait(ctx, attempt); err != nil {
			result = timeoutResult(req, err)
			breaker.RecordFailure()
			break
		}
	}

	d.metrics.SetBreakerState(integration, int(breaker.State()))

	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	if result.Success {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordFailure(span, string(result.ErrorKind), result.ErrorMessage)
		logger.Debug().
			Str("error_kind", string(result.ErrorKind)).
			Str("error", result.ErrorMessage).
			Msg("dispatch failed")
	}
	return result
}

// invoke performs one registry call and normalizes its outcome.
func (d *Dispatcher) invoke(ctx context.Context, req *OperationRequest, creds *Credentials) *OperationResult {
	if err := ctx.Err(); err != nil {
		return timeoutResult(req, err)
	}

	resp, err := d.registry.Invoke(ctx, req.OperationName, req.Payload, creds)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return timeoutResult(req, err)
		}
		kind := ErrorKindAPIError
		var engineErr *EngineError
		if errors.As(err, &engineErr) {
			kind = engineErr.Kind
		}
		return Failure(req, kind, err.Error())
	}

	if resp == nil {
		return Failure(req, ErrorKindUnknown, "registry returned no response")
	}

	if !resp.Success {
		kind := resp.ErrorKind
		if kind == ErrorKindNone || kind.Validate() != nil {
			kind = ErrorKindUnknown
		}
		result := Failure(req, kind, resp.ErrorMessage)
		result.Data = resp.Data
		return result
	}

	return &OperationResult{
		Success:          true,
		OperationID:      req.OperationID,
		OperationName:    req.OperationName,
		Data:             resp.Data,
		Compensable:      resp.Compensable,
		CompensationData: resp.CompensationData,
	}
}

func (d *Dispatcher) integration(operationName string) string {
	if name := d.registry.Integration(operationName); name != "" {
		return name
	}
	return DefaultIntegration
}

func timeoutResult(req *OperationRequest, err error) *OperationResult {
	msg := "timeout: operation exceeded its dispatch deadline"
	if errors.Is(err, context.Canceled) {
		msg = "operation canceled"
	}
	result := Failure(req, ErrorKindAPIError, msg)
	result.transient = true
	return result
}
