package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/actuator/pkg/telemetry"
)

// WorkflowActionPlan is the saga workflow name used for plan runs.
const WorkflowActionPlan = "action_plan"

// ExecuteOptions controls how a plan is run.
type ExecuteOptions struct {
	// StopOnFailure halts the plan at the first failed operation.
	StopOnFailure bool

	// AutoRollback compensates applied operations, newest first, when the
	// plan halts on a failure.
	AutoRollback bool

	// DryRun evaluates policy for every operation without dispatching or
	// journaling anything.
	DryRun bool
}

// DefaultExecuteOptions stops on the first failure and rolls back.
func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{
		StopOnFailure: true,
		AutoRollback:  true,
	}
}

// PlanExecutor runs an ActionPlan through a Connector, one operation at a
// time, and compensates applied operations when the plan halts.
type PlanExecutor struct {
	connector *Connector
	validate  *validator.Validate
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewPlanExecutor creates an executor on top of a connector. Compensations
// use the connector's dispatcher, ledger, journal and credentials.
func NewPlanExecutor(connector *Connector, metrics *telemetry.Metrics, logger zerolog.Logger) *PlanExecutor {
	return &PlanExecutor{
		connector: connector,
		validate:  validator.New(),
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With().Str("component", "plan_executor").Logger(),
	}
}

// appliedStep is an operation that succeeded during this run.
type appliedStep struct {
	op     PlannedOperation
	result *OperationResult
}

// Execute runs the plan. The returned error is reserved for failures of the
// engine itself, such as an invalid plan or an unavailable journal; failed
// operations are reported in the PlanResult.
func (e *PlanExecutor) Execute(ctx context.Context, plan *ActionPlan, opts ExecuteOptions) (*PlanResult, error) {
	if plan == nil {
		return nil, ErrInvalidPlan
	}
	if err := e.validate.Struct(plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "plan.execute", trace.WithAttributes(
		telemetry.AttrPlanID.String(plan.PlanID),
		telemetry.AttrTenantID.String(plan.TenantID),
		telemetry.AttrDryRun.Bool(opts.DryRun),
	))
	defer span.End()

	var sagaID string
	if !opts.DryRun {
		id, err := e.connector.journal.CreateSaga(ctx, plan.TenantID, WorkflowActionPlan, plan)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("failed to create saga: %w", err)
		}
		sagaID = id
		span.SetAttributes(telemetry.AttrSagaID.String(sagaID))
	}

	logger := e.logger.With().
		Str("plan_id", plan.PlanID).
		Str("saga_id", sagaID).
		Str("tenant_id", plan.TenantID).
		Str("agent_id", plan.AgentID).
		Logger()

	e.metrics.RecordPlanStarted()
	logger.Info().
		Int("operations", len(plan.Operations)).
		Float64("risk_score", plan.RiskScore).
		Bool("dry_run", opts.DryRun).
		Msg("executing action plan")

	result := &PlanResult{
		PlanID:   plan.PlanID,
		SagaID:   sagaID,
		TenantID: plan.TenantID,
		Executed: []StepOutcome{},
	}

	traceID := telemetry.TraceID(ctx)
	var applied []appliedStep
	halted := false

	ordered := orderOperations(plan.Operations)
	for pos, idx := range ordered {
		op := plan.Operations[idx]

		opResult := e.connector.Execute(ctx, op.OperationName, op.Params, plan.TenantID, OperationContext{
			TraceID:      traceID,
			DryRun:       opts.DryRun,
			SagaID:       sagaID,
			ManualReview: op.RequiresManualReview || plan.RequiresApproval,
		})

		outcome := StepOutcome{
			Index:         idx,
			OperationName: op.OperationName,
			Priority:      op.Priority,
			Result:        opResult,
		}

		switch {
		case opResult.PendingApproval:
			result.Pending = append(result.Pending, outcome)
			logger.Info().
				Str("operation", op.OperationName).
				Str("step_id", opResult.StepID).
				Msg("operation pending approval, continuing")

		case opResult.Success:
			result.Executed = append(result.Executed, outcome)
			applied = append(applied, appliedStep{op: op, result: opResult})

		default:
			result.Failed = append(result.Failed, outcome)
			logger.Warn().
				Str("operation", op.OperationName).
				Int("index", idx).
				Str("error_kind", string(opResult.ErrorKind)).
				Str("error", opResult.ErrorMessage).
				Msg("operation failed")

			if opts.StopOnFailure {
				halted = true
				result.Skipped = len(ordered) - pos - 1
			}
		}

		if halted {
			break
		}
	}

	rolledBack := false
	if halted && opts.AutoRollback && !opts.DryRun {
		rolledBack = true
		result.CompensationsExecuted, result.CompensationsFailed = e.rollback(ctx, plan, sagaID, applied, logger)
	}

	result.Success = len(result.Failed) == 0
	result.Status = planStatus(result, halted, rolledBack)
	result.Duration = time.Since(start)

	if sagaID != "" {
		if err := e.connector.journal.UpdateSagaStatus(context.WithoutCancel(ctx), plan.TenantID, sagaID, result.Status); err != nil {
			logger.Error().Err(err).Msg("failed to update saga status")
		}
	}

	e.metrics.RecordPlanCompleted(string(result.Status), result.Duration)
	if result.Success {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordFailure(span, string(result.Failed[0].Result.ErrorKind), result.Failed[0].Result.ErrorMessage)
	}

	logger.Info().
		Str("status", string(result.Status)).
		Int("executed", len(result.Executed)).
		Int("failed", len(result.Failed)).
		Int("pending", len(result.Pending)).
		Int("skipped", result.Skipped).
		Int("compensations_executed", result.CompensationsExecuted).
		Int("compensations_failed", result.CompensationsFailed).
		Dur("duration", result.Duration).
		Msg("action plan finished")

	return result, nil
}

// rollback compensates applied steps in reverse order. Steps that are not
// compensable or carry no compensation data are skipped. Failures are
// logged and counted; rollback always continues with the next step.
func (e *PlanExecutor) rollback(
	ctx context.Context,
	plan *ActionPlan,
	sagaID string,
	applied []appliedStep,
	logger zerolog.Logger,
) (executed, failed int) {
	ctx = context.WithoutCancel(ctx)
	c := e.connector

	ctx, span := e.tracer.Start(ctx, "plan.rollback", trace.WithAttributes(
		telemetry.AttrPlanID.String(plan.PlanID),
		telemetry.AttrSagaID.String(sagaID),
	))
	defer span.End()

	stepIDs := make(map[string]string)
	if steps, err := c.journal.ListSagaSteps(ctx, plan.TenantID, sagaID); err != nil {
		logger.Warn().Err(err).Msg("failed to list saga steps, original steps will not be marked compensated")
	} else {
		for _, s := range steps {
			if s.Status == StepStatusCompleted {
				stepIDs[s.OperationID] = s.StepID
			}
		}
	}

	logger.Warn().Int("applied", len(applied)).Msg("rolling back applied operations")

	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if !step.result.Compensable || len(step.result.CompensationData) == 0 {
			logger.Debug().Str("operation", step.op.OperationName).Msg("operation not compensable, skipping")
			continue
		}

		name, payload := compensationFor(step.op, step.result)
		req := &OperationRequest{
			OperationID:   uuid.NewString(),
			OperationName: name,
			TenantID:      plan.TenantID,
			Payload:       payload,
			Context: OperationContext{
				SagaID:  sagaID,
				TraceID: telemetry.TraceID(ctx),
			},
		}
		if key, err := Fingerprint(plan.TenantID, name, payload); err == nil {
			req.IdempotencyKey = key
		}

		compLogger := logger.With().
			Str("operation", step.op.OperationName).
			Str("compensation", name).
			Str("compensation_id", req.OperationID).
			Logger()

		ok := e.compensate(ctx, req, compLogger)
		e.metrics.RecordCompensation(ok)
		if !ok {
			failed++
			continue
		}
		executed++

		if stepID, found := stepIDs[step.result.OperationID]; found {
			if err := c.journal.MarkCompensated(ctx, plan.TenantID, stepID); err != nil {
				compLogger.Warn().Err(err).Str("step_id", stepID).Msg("failed to mark step compensated")
			}
		}

		if key, err := Fingerprint(plan.TenantID, step.op.OperationName, step.op.Params); err == nil {
			if err := c.ledger.Invalidate(ctx, key, plan.TenantID); err != nil {
				compLogger.Warn().Err(err).Msg("failed to invalidate idempotency record")
			}
		}
	}

	return executed, failed
}

// compensate dispatches one compensation and journals it as its own step.
func (e *PlanExecutor) compensate(ctx context.Context, req *OperationRequest, logger zerolog.Logger) bool {
	c := e.connector

	creds, err := c.credentials.GetCredentials(ctx, req.TenantID)
	if err != nil || creds == nil || creds.Expired(c.now()) {
		logger.Error().Err(err).Msg("compensation failed: credentials unavailable")
		return false
	}

	result := c.dispatcher.Execute(ctx, req, creds)

	if _, err := c.journal.RecordOperation(ctx, req, result, req.Context.SagaID); err != nil {
		logger.Error().Err(err).Msg("failed to journal compensation")
	}

	if !result.Success {
		logger.Error().
			Str("error_kind", string(result.ErrorKind)).
			Str("error", result.ErrorMessage).
			Msg("compensation failed")
		return false
	}

	logger.Info().Msg("operation compensated")
	return true
}

// compensationFor derives the inverse operation for an applied step. The
// name comes from the planned instruction, then the registry's
// compensation data, then the original operation. The payload is the
// instruction params overlaid with the compensation payload.
func compensationFor(op PlannedOperation, result *OperationResult) (string, map[string]interface{}) {
	name := op.OperationName
	if n, ok := result.CompensationData["operation_name"].(string); ok && n != "" {
		name = n
	}
	if op.Compensation != nil && op.Compensation.OperationName != "" {
		name = op.Compensation.OperationName
	}

	payload := make(map[string]interface{})
	if op.Compensation != nil {
		for k, v := range op.Compensation.Params {
			payload[k] = v
		}
	}

	if p, ok := result.CompensationData["payload"].(map[string]interface{}); ok {
		for k, v := range p {
			payload[k] = v
		}
	} else {
		for k, v := range result.CompensationData {
			if k == "operation_name" {
				continue
			}
			payload[k] = v
		}
	}

	return name, payload
}

// orderOperations returns plan indexes sorted by priority, highest first.
// Equal priorities keep declaration order. The plan itself is not modified.
func orderOperations(ops []PlannedOperation) []int {
	order := make([]int, len(ops))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ops[order[a]].Priority > ops[order[b]].Priority
	})
	return order
}

func planStatus(result *PlanResult, halted, rolledBack bool) SagaStatus {
	switch {
	case halted && rolledBack && result.CompensationsFailed == 0:
		return SagaStatusCompensated
	case halted:
		return SagaStatusFailed
	case len(result.Failed) > 0 || len(result.Pending) > 0:
		return SagaStatusPartial
	default:
		return SagaStatusCompleted
	}
}
