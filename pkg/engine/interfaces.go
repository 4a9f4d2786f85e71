package engine

import (
	"context"
	"time"
)

// Registry is the abstract operation registry that talks to the external
// platform. Operations are addressed by "base_name@version".
type Registry interface {
	// Invoke executes an operation with the given payload and credentials.
	// A returned error is treated as an API failure; classified failures
	// should be reported through RegistryResponse or an *EngineError.
	Invoke(ctx context.Context, operationName string, payload map[string]interface{}, creds *Credentials) (*RegistryResponse, error)

	// Integration returns the name of the external integration serving the
	// operation. Operations sharing an integration share a breaker.
	Integration(operationName string) string
}

// CredentialProvider resolves tenant credentials.
type CredentialProvider interface {
	// GetCredentials returns the tenant's credentials or an error if none
	// are available.
	GetCredentials(ctx context.Context, tenantID string) (*Credentials, error)
}

// PolicyGate validates operation requests against tenant rules.
type PolicyGate interface {
	// Validate evaluates the request. currentState may be nil.
	Validate(ctx context.Context, req *OperationRequest, currentState map[string]interface{}) (*PolicyDecision, error)
}

// Ledger caches operation results by idempotency key.
// Every lookup and write is scoped to a tenant.
type Ledger interface {
	// Check returns the cached result, or nil when there is no live record.
	Check(ctx context.Context, key, tenantID string) (*OperationResult, error)

	// Store upserts a result with the given time-to-live.
	Store(ctx context.Context, key, tenantID, operationName string, result *OperationResult, ttl time.Duration) error

	// Invalidate removes a cached result.
	Invalidate(ctx context.Context, key, tenantID string) error

	// PurgeExpired deletes expired records and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
}

// Journal is the append-only audit record of sagas and their steps.
type Journal interface {
	// CreateSaga opens a saga for one plan run and returns its ID.
	CreateSaga(ctx context.Context, tenantID, workflowName string, input interface{}) (string, error)

	// UpdateSagaStatus sets the final status of a saga.
	UpdateSagaStatus(ctx context.Context, tenantID, sagaID string, status SagaStatus) error

	// GetSaga retrieves a saga by ID.
	GetSaga(ctx context.Context, tenantID, sagaID string) (*Saga, error)

	// ListSagas returns the tenant's most recent sagas, newest first.
	ListSagas(ctx context.Context, tenantID string, limit int) ([]*Saga, error)

	// RecordOperation appends a step for a dispatched operation and returns its ID.
	RecordOperation(ctx context.Context, req *OperationRequest, result *OperationResult, sagaID string) (string, error)

	// RecordPendingApproval appends a step parked for human approval.
	RecordPendingApproval(ctx context.Context, req *OperationRequest, reason, sagaID string) (string, error)

	// GetPendingApprovals lists the tenant's steps awaiting approval, oldest first.
	GetPendingApprovals(ctx context.Context, tenantID string) ([]*SagaStep, error)

	// GetStep retrieves a single step. Returns ErrStepNotFound when missing.
	GetStep(ctx context.Context, tenantID, stepID string) (*SagaStep, error)

	// ListSagaSteps returns a saga's steps in creation order.
	ListSagaSteps(ctx context.Context, tenantID, sagaID string) ([]*SagaStep, error)

	// Approve moves a step from PENDING_APPROVAL to COMPLETED. It returns
	// false if the step was not pending approval, so only one of two racing
	// approvals wins.
	Approve(ctx context.Context, tenantID, stepID string) (bool, error)

	// MarkCompensated moves a completed step to COMPENSATED.
	MarkCompensated(ctx context.Context, tenantID, stepID string) error
}
