// Package engine provides the core types and execution pipeline of the actuator.
//
// # Overview
//
// The actuator takes operations proposed by an upstream analysis agent and
// applies them to an external advertising platform. Every operation passes
// through the same pipeline:
//
//  1. Idempotency - Fingerprint the request and return a cached result on a hit (Ledger)
//  2. Policy - Validate the request against tenant rules (PolicyGate)
//  3. Approval - Park operations that need a human decision (Journal)
//  4. Credentials - Resolve tenant secrets (CredentialProvider)
//  5. Dispatch - Call the registry behind a breaker with retries (Dispatcher)
//  6. Record - Cache the result and append an audit row (Ledger, Journal)
//
// The Connector runs this pipeline for one operation. The PlanExecutor runs
// an ActionPlan through the Connector in priority order and compensates
// applied operations, newest first, when the plan halts on a failure.
//
// # Collaborators
//
// The engine depends only on the interfaces in this package:
//
//	type Registry interface {
//	    Invoke(ctx context.Context, operationName string, payload map[string]interface{}, creds *Credentials) (*RegistryResponse, error)
//	    Integration(operationName string) string
//	}
//
// Implementations live in the registry, policy, stores and credentials
// packages.
//
// # Failure Reporting
//
// Operation failures are values, not Go errors. Every call returns an
// OperationResult whose ErrorKind classifies the failure:
//
//   - Retryable: QUOTA_EXCEEDED, API_ERROR, UNKNOWN
//   - Fail fast: POLICY_VIOLATION, INVALID_PAYLOAD, AUTH_FAILED, RESOURCE_NOT_FOUND
//
// Go errors are reserved for failures of the engine itself, such as an
// invalid plan or an unavailable journal.
//
// # Breakers
//
// Breakers are kept per integration and shared by every tenant:
//
//	CLOSED --(N consecutive failures)--> OPEN
//	OPEN --(recovery timeout elapsed)--> HALF_OPEN
//	HALF_OPEN --(M trial successes)--> CLOSED
//	HALF_OPEN --(any failure)--> OPEN
//
// # Thread Safety
//
// Breaker, BreakerSet, Dispatcher, Connector and PlanExecutor are safe for
// concurrent use. Approvals are guarded by the journal so a parked operation
// is released at most once.
package engine
