package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/actuator/pkg/engine"
)

// defaultSagaListLimit bounds ListSagas when the caller passes no limit.
const defaultSagaListLimit = 50

// sqlStore implements engine.Ledger and engine.Journal on database/sql.
// The SQLite and Postgres stores embed it with their own dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  zerolog.Logger
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, logger zerolog.Logger) *sqlStore {
	return &sqlStore{
		db:      db,
		dialect: d,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// Check returns the tenant's live cached result for key, or nil.
func (s *sqlStore) Check(ctx context.Context, key, tenantID string) (*engine.OperationResult, error) {
	query := `
		SELECT result
		FROM idempotency_keys
		WHERE key = ? AND tenant_id = ? AND expires_at > ?
	`

	var raw string
	err := s.queryRow(ctx, query, key, tenantID, s.dialect.timeArg(s.now())).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	var result engine.OperationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &result, nil
}

// Store upserts a result. A live row owned by another tenant is left
// untouched; an expired one is taken over.
func (s *sqlStore) Store(ctx context.Context, key, tenantID, operationName string, result *engine.OperationResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	now := s.now()
	query := `
		INSERT INTO idempotency_keys (key, tenant_id, operation_name, result, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			operation_name = excluded.operation_name,
			result = excluded.result,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_keys.tenant_id = excluded.tenant_id
			OR idempotency_keys.expires_at <= excluded.created_at
	`

	res, err := s.exec(ctx, query,
		key,
		tenantID,
		operationName,
		string(data),
		s.dialect.timeArg(now),
		s.dialect.timeArg(now.Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Warn().
			Str("key", key).
			Str("tenant_id", tenantID).
			Msg("idempotency key held by another tenant, not overwritten")
	}
	return nil
}

// Invalidate deletes the tenant's cached result for key.
func (s *sqlStore) Invalidate(ctx context.Context, key, tenantID string) error {
	query := `DELETE FROM idempotency_keys WHERE key = ? AND tenant_id = ?`

	if _, err := s.exec(ctx, query, key, tenantID); err != nil {
		return fmt.Errorf("failed to invalidate idempotency key: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired ledger rows.
func (s *sqlStore) PurgeExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM idempotency_keys WHERE expires_at <= ?`

	result, err := s.exec(ctx, query, s.dialect.timeArg(s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired idempotency keys: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// CreateSaga opens a saga in RUNNING status.
func (s *sqlStore) CreateSaga(ctx context.Context, tenantID, workflowName string, input interface{}) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode saga input: %w", err)
	}

	sagaID := uuid.NewString()
	query := `
		INSERT INTO sagas (saga_id, tenant_id, workflow_name, input_data, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.exec(ctx, query,
		sagaID,
		tenantID,
		workflowName,
		string(data),
		string(engine.SagaStatusRunning),
		s.dialect.timeArg(s.now()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create saga: %w", err)
	}

	return sagaID, nil
}

// UpdateSagaStatus sets a saga's status.
func (s *sqlStore) UpdateSagaStatus(ctx context.Context, tenantID, sagaID string, status engine.SagaStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}

	query := `UPDATE sagas SET status = ? WHERE saga_id = ? AND tenant_id = ?`

	result, err := s.exec(ctx, query, string(status), sagaID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to update saga status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrSagaNotFound, sagaID)
	}

	return nil
}

const sagaColumns = `saga_id, tenant_id, workflow_name, input_data, status, created_at`

// GetSaga retrieves a saga by ID.
func (s *sqlStore) GetSaga(ctx context.Context, tenantID, sagaID string) (*engine.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE saga_id = ? AND tenant_id = ?`

	saga, err := scanSaga(s.queryRow(ctx, query, sagaID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get saga: %w", err)
	}
	return saga, nil
}

// ListSagas returns the tenant's most recent sagas, newest first.
func (s *sqlStore) ListSagas(ctx context.Context, tenantID string, limit int) ([]*engine.Saga, error) {
	if limit <= 0 {
		limit = defaultSagaListLimit
	}

	query := `
		SELECT ` + sagaColumns + `
		FROM sagas
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	defer rows.Close()

	var sagas []*engine.Saga
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga: %w", err)
		}
		sagas = append(sagas, saga)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sagas: %w", err)
	}

	return sagas, nil
}

// RecordOperation appends a step for a dispatched operation. The status is
// COMPLETED or FAILED from the result, and the compensation data is copied
// from it verbatim.
func (s *sqlStore) RecordOperation(ctx context.Context, req *engine.OperationRequest, result *engine.OperationResult, sagaID string) (string, error) {
	status := engine.StepStatusCompleted
	if !result.Success {
		status = engine.StepStatusFailed
	}

	now := s.now()
	step := &engine.SagaStep{
		SagaID:           sagaID,
		TenantID:         req.TenantID,
		OperationID:      req.OperationID,
		OperationName:    req.OperationName,
		Status:           status,
		Payload:          req.Payload,
		Result:           result,
		CompensationData: result.CompensationData,
		ErrorMessage:     result.ErrorMessage,
		ExecutionTimeMs:  result.ExecutionTimeMs,
		CreatedAt:        now,
		CompletedAt:      &now,
	}

	if err := s.insertStep(ctx, step); err != nil {
		return "", fmt.Errorf("failed to record operation: %w", err)
	}
	return step.StepID, nil
}

// RecordPendingApproval appends a step parked for approval. The reason is
// kept in error_message.
func (s *sqlStore) RecordPendingApproval(ctx context.Context, req *engine.OperationRequest, reason, sagaID string) (string, error) {
	step := &engine.SagaStep{
		SagaID:        sagaID,
		TenantID:      req.TenantID,
		OperationID:   req.OperationID,
		OperationName: req.OperationName,
		Status:        engine.StepStatusPendingApproval,
		Payload:       req.Payload,
		ErrorMessage:  reason,
		CreatedAt:     s.now(),
	}

	if err := s.insertStep(ctx, step); err != nil {
		return "", fmt.Errorf("failed to record pending approval: %w", err)
	}
	return step.StepID, nil
}

func (s *sqlStore) insertStep(ctx context.Context, step *engine.SagaStep) error {
	payload := step.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	resultJSON, err := nullJSON(step.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	compensationJSON, err := nullJSON(step.CompensationData)
	if err != nil {
		return fmt.Errorf("failed to encode compensation data: %w", err)
	}

	step.StepID = uuid.NewString()
	query := `
		INSERT INTO saga_steps (
			step_id, saga_id, tenant_id, operation_id, operation_name, status,
			payload, result, compensation_data, error_message, execution_time_ms,
			created_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.exec(ctx, query,
		step.StepID,
		nullString(step.SagaID),
		step.TenantID,
		step.OperationID,
		step.OperationName,
		string(step.Status),
		string(payloadJSON),
		resultJSON,
		compensationJSON,
		nullString(step.ErrorMessage),
		step.ExecutionTimeMs,
		s.dialect.timeArg(step.CreatedAt),
		s.dialect.nullTimeArg(step.CompletedAt),
	)
	return err
}

const stepColumns = `step_id, saga_id, tenant_id, operation_id, operation_name, status,
	payload, result, compensation_data, error_message, execution_time_ms,
	created_at, completed_at`

// GetPendingApprovals lists the tenant's parked steps, oldest first.
func (s *sqlStore) GetPendingApprovals(ctx context.Context, tenantID string) ([]*engine.SagaStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM saga_steps
		WHERE tenant_id = ? AND status = ?
		ORDER BY ` + s.dialect.stepOrder

	return s.listSteps(ctx, query, tenantID, string(engine.StepStatusPendingApproval))
}

// GetStep retrieves one of the tenant's steps.
func (s *sqlStore) GetStep(ctx context.Context, tenantID, stepID string) (*engine.SagaStep, error) {
	query := `SELECT ` + stepColumns + ` FROM saga_steps WHERE step_id = ? AND tenant_id = ?`

	step, err := scanStep(s.queryRow(ctx, query, stepID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrStepNotFound, stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// ListSagaSteps returns a saga's steps in creation order.
func (s *sqlStore) ListSagaSteps(ctx context.Context, tenantID, sagaID string) ([]*engine.SagaStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM saga_steps
		WHERE tenant_id = ? AND saga_id = ?
		ORDER BY ` + s.dialect.stepOrder

	return s.listSteps(ctx, query, tenantID, sagaID)
}

func (s *sqlStore) listSteps(ctx context.Context, query string, args ...interface{}) ([]*engine.SagaStep, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list saga steps: %w", err)
	}
	defer rows.Close()

	var steps []*engine.SagaStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga step: %w", err)
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating saga steps: %w", err)
	}

	return steps, nil
}

// Approve moves a step from PENDING_APPROVAL to COMPLETED. The status
// condition makes the update the arbiter between racing approvals.
func (s *sqlStore) Approve(ctx context.Context, tenantID, stepID string) (bool, error) {
	query := `
		UPDATE saga_steps
		SET status = ?, completed_at = ?
		WHERE step_id = ? AND tenant_id = ? AND status = ?
	`

	result, err := s.exec(ctx, query,
		string(engine.StepStatusCompleted),
		s.dialect.timeArg(s.now()),
		stepID,
		tenantID,
		string(engine.StepStatusPendingApproval),
	)
	if err != nil {
		return false, fmt.Errorf("failed to approve step: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// MarkCompensated moves a completed step to COMPENSATED.
func (s *sqlStore) MarkCompensated(ctx context.Context, tenantID, stepID string) error {
	query := `
		UPDATE saga_steps
		SET status = ?
		WHERE step_id = ? AND tenant_id = ? AND status = ?
	`

	result, err := s.exec(ctx, query,
		string(engine.StepStatusCompensated),
		stepID,
		tenantID,
		string(engine.StepStatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("failed to mark step compensated: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s is not a completed step", engine.ErrStepNotFound, stepID)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSaga(row rowScanner) (*engine.Saga, error) {
	var (
		saga      engine.Saga
		input     string
		status    string
		createdAt dbTime
	)

	err := row.Scan(
		&saga.SagaID,
		&saga.TenantID,
		&saga.WorkflowName,
		&input,
		&status,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	saga.InputData = json.RawMessage(input)
	saga.Status = engine.SagaStatus(status)
	saga.CreatedAt = createdAt.Time
	return &saga, nil
}

func scanStep(row rowScanner) (*engine.SagaStep, error) {
	var (
		step         engine.SagaStep
		sagaID       sql.NullString
		status       string
		payload      string
		result       sql.NullString
		compensation sql.NullString
		errorMessage sql.NullString
		createdAt    dbTime
		completedAt  dbTime
	)

	err := row.Scan(
		&step.StepID,
		&sagaID,
		&step.TenantID,
		&step.OperationID,
		&step.OperationName,
		&status,
		&payload,
		&result,
		&compensation,
		&errorMessage,
		&step.ExecutionTimeMs,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	step.SagaID = sagaID.String
	step.Status = engine.StepStatus(status)
	step.ErrorMessage = errorMessage.String
	step.CreatedAt = createdAt.Time
	step.CompletedAt = completedAt.ptr()

	if err := json.Unmarshal([]byte(payload), &step.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if result.Valid {
		step.Result = &engine.OperationResult{}
		if err := json.Unmarshal([]byte(result.String), step.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	if compensation.Valid {
		if err := json.Unmarshal([]byte(compensation.String), &step.CompensationData); err != nil {
			return nil, fmt.Errorf("failed to decode compensation data: %w", err)
		}
	}

	return &step, nil
}

// nullJSON encodes v, mapping nil values to SQL NULL.
func nullJSON(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *engine.OperationResult:
		if val == nil {
			return nil, nil
		}
	case map[string]interface{}:
		if val == nil {
			return nil, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
