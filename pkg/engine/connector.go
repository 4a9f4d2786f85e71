package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/actuator/pkg/telemetry"
)

// DefaultLedgerTTL is how long operation results stay cached.
const DefaultLedgerTTL = 24 * time.Hour

// ConnectorOptions configures a Connector.
type ConnectorOptions struct {
	// LedgerTTL is the lifetime of cached results. Default: 24h
	LedgerTTL time.Duration

	// Metrics is optional.
	Metrics *telemetry.Metrics

	// Now overrides the clock used for credential expiry checks.
	Now func() time.Time
}

// Connector runs one operation end to end: idempotency lookup, policy
// validation, approval gate, credential resolution, dispatch, caching and
// journaling. Every outcome is reported as an OperationResult.
type Connector struct {
	dispatcher  *Dispatcher
	gate        PolicyGate
	ledger      Ledger
	journal     Journal
	credentials CredentialProvider

	ttl     time.Duration
	now     func() time.Time
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewConnector wires a connector from its collaborators.
func NewConnector(
	dispatcher *Dispatcher,
	gate PolicyGate,
	ledger Ledger,
	journal Journal,
	credentials CredentialProvider,
	opts ConnectorOptions,
	logger zerolog.Logger,
) *Connector {
	if opts.LedgerTTL <= 0 {
		opts.LedgerTTL = DefaultLedgerTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Connector{
		dispatcher:  dispatcher,
		gate:        gate,
		ledger:      ledger,
		journal:     journal,
		credentials: credentials,
		ttl:         opts.LedgerTTL,
		now:         opts.Now,
		metrics:     opts.Metrics,
		tracer:      otel.Tracer(tracerName),
		logger:      logger.With().Str("component", "connector").Logger(),
	}
}

// Execute runs an operation for a tenant.
//
// A ledger hit returns the cached result verbatim without re-running policy
// or dispatch. A blocking policy violation returns POLICY_VIOLATION and is
// not cached. An operation requiring approval is parked in the journal and
// returned with PendingApproval set. Dispatched results, successful or
// not, are cached and journaled; an open breaker, a timeout or a
// cancellation is journaled only.
func (c *Connector) Execute(
	ctx context.Context,
	operationName string,
	payload map[string]interface{},
	tenantID string,
	opCtx OperationContext,
) *OperationResult {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "operation "+operationName, trace.WithAttributes(
		telemetry.AttrOperation.String(operationName),
		telemetry.AttrTenantID.String(tenantID),
		telemetry.AttrDryRun.Bool(opCtx.DryRun),
	))
	defer span.End()

	if opCtx.TraceID == "" {
		opCtx.TraceID = telemetry.TraceID(ctx)
	}

	req := &OperationRequest{
		OperationID:   uuid.NewString(),
		OperationName: operationName,
		TenantID:      tenantID,
		Payload:       payload,
		Context:       opCtx,
	}
	span.SetAttributes(telemetry.AttrOperationID.String(req.OperationID))

	logger := c.logger.With().
		Str("operation", operationName).
		Str("operation_id", req.OperationID).
		Str("tenant_id", tenantID).
		Str("saga_id", opCtx.SagaID).
		Logger()

	finish := func(result *OperationResult, outcome string) *OperationResult {
		c.metrics.RecordOperation(operationName, outcome, time.Since(start))
		if !result.Success && !result.PendingApproval {
			c.metrics.RecordError(string(result.ErrorKind))
			telemetry.RecordFailure(span, string(result.ErrorKind), result.ErrorMessage)
		} else {
			telemetry.RecordSuccess(span)
		}
		return result
	}

	// 1. Idempotency
	key, err := Fingerprint(tenantID, operationName, payload)
	if err != nil {
		logger.Warn().Err(err).Msg("payload cannot be fingerprinted")
		return finish(Failure(req, ErrorKindInvalidPayload, err.Error()), "failure")
	}
	req.IdempotencyKey = key

	cached, err := c.ledger.Check(ctx, key, tenantID)
	if err != nil {
		logger.Error().Err(err).Msg("idempotency lookup failed")
		return finish(Failure(req, ErrorKindUnknown, fmt.Sprintf("idempotency lookup failed: %v", err)), "failure")
	}
	c.metrics.RecordIdempotencyLookup(cached != nil)
	span.SetAttributes(telemetry.AttrIdempotencyHit.Bool(cached != nil))
	if cached != nil {
		logger.Info().
			Str("idempotency_key", key).
			Str("original_operation_id", cached.OperationID).
			Bool("success", cached.Success).
			Msg("idempotency hit, returning cached result")
		return finish(cached, "cached")
	}

	// 2. Policy
	decision, err := c.gate.Validate(ctx, req, opCtx.CurrentState)
	if err != nil {
		c.metrics.RecordPolicyDecision("error")
		logger.Error().Err(err).Msg("policy evaluation failed, blocking operation")
		return finish(Failure(req, ErrorKindPolicyViolation, fmt.Sprintf("policy evaluation failed: %v", err)), "failure")
	}

	if !decision.Approved {
		c.metrics.RecordPolicyDecision("blocked")
		msg := decision.BlockingMessages()
		logger.Warn().Str("violations", msg).Msg("operation blocked by policy")
		return finish(Failure(req, ErrorKindPolicyViolation, "policy violation: "+msg), "failure")
	}

	// 3. Dry run
	if opCtx.DryRun {
		c.metrics.RecordPolicyDecision(policyOutcome(decision))
		logger.Info().Bool("requires_approval", decision.RequiresApproval).Msg("dry run, skipping dispatch")
		return finish(dryRunResult(req, decision), "dry_run")
	}

	if decision.RequiresApproval {
		c.metrics.RecordPolicyDecision("approval_required")
		stepID, err := c.journal.RecordPendingApproval(ctx, req, decision.ApprovalReason, opCtx.SagaID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to park operation for approval")
			return finish(Failure(req, ErrorKindUnknown, fmt.Sprintf("failed to record pending approval: %v", err)), "failure")
		}
		logger.Info().
			Str("step_id", stepID).
			Str("reason", decision.ApprovalReason).
			Msg("operation parked pending approval")
		return finish(&OperationResult{
			Success:         false,
			OperationID:     req.OperationID,
			OperationName:   req.OperationName,
			ErrorMessage:    "pending approval: " + decision.ApprovalReason,
			PendingApproval: true,
			StepID:          stepID,
		}, "pending_approval")
	}
	c.metrics.RecordPolicyDecision("approved")

	// 4..7
	var result *OperationResult
	if creds, failure := c.resolveCredentials(ctx, req, logger); failure != nil {
		result = failure
	} else {
		result = c.dispatchAndRecord(ctx, req, creds, logger)
	}
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	return finish(result, outcome)
}

// ExecuteApproved releases an operation parked for approval and dispatches
// it. The approval is guarded by the journal, so a step can be released
// once; a second call returns ErrNotPendingApproval. Policy is not
// re-evaluated, but an identical operation already in the ledger is not
// dispatched again. Credentials are resolved before the step is released:
// when they are missing or expired the AUTH_FAILED result is returned and
// the step stays in the approval queue.
func (c *Connector) ExecuteApproved(ctx context.Context, tenantID, stepID string) (*OperationResult, error) {
	step, err := c.journal.GetStep(ctx, tenantID, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step %s: %w", stepID, err)
	}
	if step.Status != StepStatusPendingApproval {
		return nil, fmt.Errorf("step %s is %s: %w", stepID, step.Status, ErrNotPendingApproval)
	}

	key, err := Fingerprint(tenantID, step.OperationName, step.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint approved step: %w", err)
	}

	req := &OperationRequest{
		OperationID:    step.OperationID,
		OperationName:  step.OperationName,
		TenantID:       tenantID,
		IdempotencyKey: key,
		Payload:        step.Payload,
		Context: OperationContext{
			SagaID:  step.SagaID,
			TraceID: telemetry.TraceID(ctx),
		},
	}

	logger := c.logger.With().
		Str("operation", req.OperationName).
		Str("operation_id", req.OperationID).
		Str("tenant_id", tenantID).
		Str("approved_step_id", stepID).
		Logger()

	creds, failure := c.resolveCredentials(ctx, req, logger)
	if failure != nil {
		logger.Warn().Msg("approved operation kept in queue until credentials resolve")
		return failure, nil
	}

	approved, err := c.journal.Approve(ctx, tenantID, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to approve step %s: %w", stepID, err)
	}
	if !approved {
		return nil, fmt.Errorf("step %s: %w", stepID, ErrNotPendingApproval)
	}

	cached, err := c.ledger.Check(ctx, key, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency ledger: %w", err)
	}
	if cached != nil {
		logger.Info().Msg("approved operation already applied, returning cached result")
		return cached, nil
	}

	logger.Info().Msg("dispatching approved operation")
	return c.dispatchAndRecord(ctx, req, creds, logger), nil
}

// resolveCredentials returns the tenant's usable credentials, or an
// AUTH_FAILED result when they are missing or expired.
func (c *Connector) resolveCredentials(ctx context.Context, req *OperationRequest, logger zerolog.Logger) (*Credentials, *OperationResult) {
	creds, err := c.credentials.GetCredentials(ctx, req.TenantID)
	if err != nil || creds == nil {
		msg := "no credentials for tenant"
		if err != nil {
			msg = fmt.Sprintf("failed to resolve credentials: %v", err)
		}
		logger.Warn().Err(err).Msg("credential resolution failed")
		return nil, Failure(req, ErrorKindAuthFailed, msg)
	}
	if creds.Expired(c.now()) {
		logger.Warn().Time("expires_at", creds.ExpiresAt).Msg("credentials expired")
		return nil, Failure(req, ErrorKindAuthFailed, "credentials expired")
	}
	return creds, nil
}

// dispatchAndRecord dispatches, then caches and journals the result.
// Results that never completed a registry call are journaled but not
// cached, so the next attempt dispatches again. Storage failures after
// dispatch are logged and do not change the returned outcome.
func (c *Connector) dispatchAndRecord(ctx context.Context, req *OperationRequest, creds *Credentials, logger zerolog.Logger) *OperationResult {
	result := c.dispatcher.Execute(ctx, req, creds)

	// The side effect may have happened; record it even if the caller went away.
	storeCtx := context.WithoutCancel(ctx)

	if result.transient {
		logger.Debug().Str("error", result.ErrorMessage).Msg("result not cached, operation was not dispatched to completion")
	} else if err := c.ledger.Store(storeCtx, req.IdempotencyKey, req.TenantID, req.OperationName, result, c.ttl); err != nil {
		logger.Warn().Err(err).Msg("failed to cache operation result")
	}

	stepID, err := c.journal.RecordOperation(storeCtx, req, result, req.Context.SagaID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to journal operation")
	} else {
		logger.Debug().Str("step_id", stepID).Msg("operation journaled")
	}

	if result.Success {
		logger.Info().Int64("execution_time_ms", result.ExecutionTimeMs).Msg("operation succeeded")
	} else {
		logger.Warn().
			Str("error_kind", string(result.ErrorKind)).
			Str("error", result.ErrorMessage).
			Msg("operation failed")
	}
	return result
}

func dryRunResult(req *OperationRequest, decision *PolicyDecision) *OperationResult {
	data := map[string]interface{}{
		"dry_run":           true,
		"requires_approval": decision.RequiresApproval,
	}
	if decision.ApprovalReason != "" {
		data["approval_reason"] = decision.ApprovalReason
	}
	if len(decision.Violations) > 0 {
		violations := make([]interface{}, 0, len(decision.Violations))
		for _, v := range decision.Violations {
			violations = append(violations, map[string]interface{}{
				"policy":   v.Policy,
				"severity": string(v.Severity),
				"message":  v.Message,
			})
		}
		data["violations"] = violations
	}
	return &OperationResult{
		Success:       true,
		OperationID:   req.OperationID,
		OperationName: req.OperationName,
		Data:          data,
	}
}

func policyOutcome(decision *PolicyDecision) string {
	switch {
	case !decision.Approved:
		return "blocked"
	case decision.RequiresApproval:
		return "approval_required"
	default:
		return "approved"
	}
}
