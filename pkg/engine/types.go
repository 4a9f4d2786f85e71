package engine

import (
	"encoding/json"
	"strings"
	"time"
)

// OperationRequest is a single proposed call against the external platform.
// It is built by the Connector and never modified afterwards.
type OperationRequest struct {
	// OperationID uniquely identifies this request.
	OperationID string `json:"operation_id"`

	// OperationName is the registry address, "base_name@version".
	OperationName string `json:"operation_name"`

	// TenantID scopes every lookup and write made for the request.
	TenantID string `json:"tenant_id"`

	// IdempotencyKey is the deterministic fingerprint of tenant, name and payload.
	IdempotencyKey string `json:"idempotency_key"`

	// Payload is the opaque operation input.
	Payload map[string]interface{} `json:"payload"`

	// Context carries request-scoped execution flags.
	Context OperationContext `json:"context"`
}

// BaseName returns the operation name without its version suffix.
func (r *OperationRequest) BaseName() string {
	base, _ := SplitOperationName(r.OperationName)
	return base
}

// OperationContext carries request-scoped flags that are not part of the
// idempotency fingerprint.
type OperationContext struct {
	// TraceID correlates the request with the caller's trace.
	TraceID string `json:"trace_id,omitempty"`

	// DryRun evaluates policy without dispatching.
	DryRun bool `json:"dry_run,omitempty"`

	// SagaID links the journal row to a plan run.
	SagaID string `json:"saga_id,omitempty"`

	// CurrentState is the caller's view of the targeted resource, used for
	// relative policy checks such as budget deltas.
	CurrentState map[string]interface{} `json:"current_state,omitempty"`

	// ManualReview forces the approval gate regardless of rule outcome.
	ManualReview bool `json:"manual_review,omitempty"`
}

// OperationResult is the typed outcome of an operation. Failures are
// reported here rather than as Go errors.
type OperationResult struct {
	Success          bool                   `json:"success"`
	OperationID      string                 `json:"operation_id"`
	OperationName    string                 `json:"operation_name"`
	Data             map[string]interface{} `json:"data,omitempty"`
	ErrorKind        ErrorKind              `json:"error_kind,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	ExecutionTimeMs  int64                  `json:"execution_time_ms"`
	Compensable      bool                   `json:"compensable"`
	CompensationData map[string]interface{} `json:"compensation_data,omitempty"`

	// PendingApproval marks a result parked in the journal awaiting approval.
	PendingApproval bool `json:"pending_approval,omitempty"`

	// StepID is the journal row to approve when PendingApproval is set.
	StepID string `json:"step_id,omitempty"`

	// transient marks a failure that did not come from a completed registry
	// call: an open breaker, a timeout or a cancellation. It is journaled
	// but never cached.
	transient bool
}

// Failure builds a failed result for the given request.
func Failure(req *OperationRequest, kind ErrorKind, message string) *OperationResult {
	return &OperationResult{
		Success:       false,
		OperationID:   req.OperationID,
		OperationName: req.OperationName,
		ErrorKind:     kind,
		ErrorMessage:  message,
	}
}

// Credentials are the tenant secrets handed to the operation registry.
type Credentials struct {
	// AccountID is the customer or account identifier on the platform.
	AccountID string `json:"account_id" yaml:"account_id"`

	// AccessToken authenticates calls to the platform.
	AccessToken string `json:"access_token" yaml:"access_token"`

	// RefreshToken is kept for the external credential refresher.
	RefreshToken string `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`

	// ExpiresAt is when the access token stops being valid. Zero means never.
	ExpiresAt time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// Expired reports whether the credentials are no longer usable at now.
func (c *Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// RegistryResponse is what the operation registry returns for a call.
type RegistryResponse struct {
	Success          bool                   `json:"success"`
	Data             map[string]interface{} `json:"data,omitempty"`
	ErrorKind        ErrorKind              `json:"error_kind,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	Compensable      bool                   `json:"compensable"`
	CompensationData map[string]interface{} `json:"compensation_data,omitempty"`
}

// CompensationInstruction optionally overrides how a planned operation is undone.
type CompensationInstruction struct {
	// OperationName is the inverse operation to dispatch.
	OperationName string `json:"operation_name,omitempty" yaml:"operation_name,omitempty"`

	// Params are merged under the compensation data returned by the registry.
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// PlannedOperation is one proposed operation inside an ActionPlan.
type PlannedOperation struct {
	OperationName        string                   `json:"operation_name" yaml:"operation_name" validate:"required"`
	Params               map[string]interface{}   `json:"params" yaml:"params"`
	Priority             Priority                 `json:"priority" yaml:"priority"`
	EstimatedImpact      string                   `json:"estimated_impact,omitempty" yaml:"estimated_impact,omitempty"`
	RequiresManualReview bool                     `json:"requires_manual_review,omitempty" yaml:"requires_manual_review,omitempty"`
	Compensation         *CompensationInstruction `json:"compensation,omitempty" yaml:"compensation,omitempty"`
}

// ActionPlan is an ordered list of proposed operations produced by an
// upstream analysis agent. It is consumed once and never mutated.
type ActionPlan struct {
	PlanID           string             `json:"plan_id" yaml:"plan_id" validate:"required"`
	AgentID          string             `json:"agent_id" yaml:"agent_id"`
	TenantID         string             `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Operations       []PlannedOperation `json:"operations" yaml:"operations" validate:"required,min=1,dive"`
	RiskScore        float64            `json:"risk_score" yaml:"risk_score" validate:"gte=0"`
	RequiresApproval bool               `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
}

// IdempotencyRecord is a cached operation result keyed by fingerprint.
type IdempotencyRecord struct {
	Key           string           `json:"key"`
	TenantID      string           `json:"tenant_id"`
	OperationName string           `json:"operation_name"`
	Result        *OperationResult `json:"result"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Saga groups the ordered steps of one plan run.
type Saga struct {
	SagaID       string          `json:"saga_id"`
	TenantID     string          `json:"tenant_id"`
	WorkflowName string          `json:"workflow_name"`
	InputData    json.RawMessage `json:"input_data"`
	Status       SagaStatus      `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SagaStep is an append-only journal row for one operation attempt.
type SagaStep struct {
	StepID           string                 `json:"step_id"`
	SagaID           string                 `json:"saga_id,omitempty"`
	TenantID         string                 `json:"tenant_id"`
	OperationID      string                 `json:"operation_id"`
	OperationName    string                 `json:"operation_name"`
	Status           StepStatus             `json:"status"`
	Payload          map[string]interface{} `json:"payload"`
	Result           *OperationResult       `json:"result,omitempty"`
	CompensationData map[string]interface{} `json:"compensation_data,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	ExecutionTimeMs  int64                  `json:"execution_time_ms"`
	CreatedAt        time.Time              `json:"created_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// Severity is the severity of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity blocks execution.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// PolicyViolation represents a single rule violation.
type PolicyViolation struct {
	Policy           string   `json:"policy"`
	Rule             string   `json:"rule,omitempty"`
	Message          string   `json:"message"`
	Severity         Severity `json:"severity"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
}

// PolicyDecision is the outcome of validating a request against a tenant's rules.
type PolicyDecision struct {
	// Approved is false iff any violation has a blocking severity.
	Approved bool `json:"approved"`

	Violations []PolicyViolation `json:"violations,omitempty"`

	// RequiresApproval routes the operation to the approval queue instead of executing.
	RequiresApproval bool `json:"requires_approval"`

	ApprovalReason string `json:"approval_reason,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// BlockingMessages joins the messages of blocking violations.
func (d *PolicyDecision) BlockingMessages() string {
	var msgs []string
	for _, v := range d.Violations {
		if v.Severity.Blocking() {
			msgs = append(msgs, v.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

// StepOutcome reports what happened to one planned operation.
type StepOutcome struct {
	Index         int              `json:"index"`
	OperationName string           `json:"operation_name"`
	Priority      Priority         `json:"priority"`
	Result        *OperationResult `json:"result"`
}

// PlanResult summarizes one PlanExecutor run.
type PlanResult struct {
	PlanID                string        `json:"plan_id"`
	SagaID                string        `json:"saga_id"`
	TenantID              string        `json:"tenant_id"`
	Success               bool          `json:"success"`
	Status                SagaStatus    `json:"status"`
	Executed              []StepOutcome `json:"executed"`
	Failed                []StepOutcome `json:"failed,omitempty"`
	Pending               []StepOutcome `json:"pending,omitempty"`
	Skipped               int           `json:"skipped"`
	CompensationsExecuted int           `json:"compensations_executed"`
	CompensationsFailed   int           `json:"compensations_failed"`
	Duration              time.Duration `json:"duration"`
}

// SplitOperationName splits "name@version" into its parts. A name without a
// version yields an empty version.
func SplitOperationName(name string) (base, version string) {
	if i := strings.LastIndex(name, "@"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}
