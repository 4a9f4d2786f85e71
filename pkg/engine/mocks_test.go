package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.New(nil).Level(zerolog.Disabled)

func noDelayRetry(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries}
}

// Mock registry for testing
type mockRegistry struct {
	mu       sync.Mutex
	handlers map[string]func(payload map[string]interface{}) (*RegistryResponse, error)
	calls    []registryCall
}

type registryCall struct {
	Operation string
	Payload   map[string]interface{}
	Creds     *Credentials
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		handlers: make(map[string]func(map[string]interface{}) (*RegistryResponse, error)),
	}
}

func (m *mockRegistry) handle(op string, fn func(payload map[string]interface{}) (*RegistryResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[op] = fn
}

func (m *mockRegistry) Invoke(ctx context.Context, op string, payload map[string]interface{}, creds *Credentials) (*RegistryResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, registryCall{Operation: op, Payload: payload, Creds: creds})
	fn := m.handlers[op]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return &RegistryResponse{
			Success:      false,
			ErrorKind:    ErrorKindResourceNotFound,
			ErrorMessage: fmt.Sprintf("unknown operation %s", op),
		}, nil
	}
	return fn(payload)
}

func (m *mockRegistry) Integration(op string) string {
	return "ads"
}

func (m *mockRegistry) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if op == "" || c.Operation == op {
			n++
		}
	}
	return n
}

func (m *mockRegistry) getCalls() []registryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]registryCall{}, m.calls...)
}

func succeed(data map[string]interface{}) func(map[string]interface{}) (*RegistryResponse, error) {
	return func(map[string]interface{}) (*RegistryResponse, error) {
		return &RegistryResponse{Success: true, Data: data}, nil
	}
}

func failWith(kind ErrorKind) func(map[string]interface{}) (*RegistryResponse, error) {
	return func(map[string]interface{}) (*RegistryResponse, error) {
		return &RegistryResponse{Success: false, ErrorKind: kind, ErrorMessage: "mock " + string(kind)}, nil
	}
}

// Mock ledger for testing. Results are stored as JSON so that cached
// values cannot alias the caller's result.
type mockLedger struct {
	mu       sync.Mutex
	records  map[string]mockLedgerRecord
	checkErr error
	stores   int
}

type mockLedgerRecord struct {
	tenantID  string
	result    []byte
	expiresAt time.Time
}

func newMockLedger() *mockLedger {
	return &mockLedger{records: make(map[string]mockLedgerRecord)}
}

func (m *mockLedger) Check(ctx context.Context, key, tenantID string) (*OperationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkErr != nil {
		return nil, m.checkErr
	}
	rec, ok := m.records[key]
	if !ok || rec.tenantID != tenantID || !time.Now().Before(rec.expiresAt) {
		return nil, nil
	}
	var result OperationResult
	if err := json.Unmarshal(rec.result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *mockLedger) Store(ctx context.Context, key, tenantID, operationName string, result *OperationResult, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores++
	if existing, ok := m.records[key]; ok && existing.tenantID != tenantID {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	m.records[key] = mockLedgerRecord{tenantID: tenantID, result: data, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *mockLedger) Invalidate(ctx context.Context, key, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok && rec.tenantID == tenantID {
		delete(m.records, key)
	}
	return nil
}

func (m *mockLedger) PurgeExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.records {
		if !time.Now().Before(rec.expiresAt) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

func (m *mockLedger) rawResult(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[key].result
}

// Mock journal for testing
type mockJournal struct {
	mu    sync.Mutex
	sagas map[string]*Saga
	steps []*SagaStep
	seq   int
}

func newMockJournal() *mockJournal {
	return &mockJournal{sagas: make(map[string]*Saga)}
}

func (m *mockJournal) CreateSaga(ctx context.Context, tenantID, workflowName string, input interface{}) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.sagas[id] = &Saga{
		SagaID:       id,
		TenantID:     tenantID,
		WorkflowName: workflowName,
		InputData:    data,
		Status:       SagaStatusRunning,
		CreatedAt:    time.Now(),
	}
	return id, nil
}

func (m *mockJournal) UpdateSagaStatus(ctx context.Context, tenantID, sagaID string, status SagaStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[sagaID]
	if !ok || s.TenantID != tenantID {
		return fmt.Errorf("saga %s not found", sagaID)
	}
	s.Status = status
	return nil
}

func (m *mockJournal) GetSaga(ctx context.Context, tenantID, sagaID string) (*Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[sagaID]
	if !ok || s.TenantID != tenantID {
		return nil, fmt.Errorf("saga %s not found", sagaID)
	}
	cp := *s
	return &cp, nil
}

func (m *mockJournal) ListSagas(ctx context.Context, tenantID string, limit int) ([]*Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Saga
	for _, s := range m.sagas {
		if s.TenantID == tenantID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockJournal) appendStep(step *SagaStep) string {
	m.seq++
	step.StepID = fmt.Sprintf("step-%03d", m.seq)
	step.CreatedAt = time.Now()
	m.steps = append(m.steps, step)
	return step.StepID
}

func (m *mockJournal) RecordOperation(ctx context.Context, req *OperationRequest, result *OperationResult, sagaID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := StepStatusCompleted
	if !result.Success {
		status = StepStatusFailed
	}
	now := time.Now()
	return m.appendStep(&SagaStep{
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
		CompletedAt:      &now,
	}), nil
}

func (m *mockJournal) RecordPendingApproval(ctx context.Context, req *OperationRequest, reason, sagaID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendStep(&SagaStep{
		SagaID:        sagaID,
		TenantID:      req.TenantID,
		OperationID:   req.OperationID,
		OperationName: req.OperationName,
		Status:        StepStatusPendingApproval,
		Payload:       req.Payload,
		ErrorMessage:  reason,
	}), nil
}

func (m *mockJournal) GetPendingApprovals(ctx context.Context, tenantID string) ([]*SagaStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SagaStep
	for _, s := range m.steps {
		if s.TenantID == tenantID && s.Status == StepStatusPendingApproval {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockJournal) GetStep(ctx context.Context, tenantID, stepID string) (*SagaStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.StepID == stepID && s.TenantID == tenantID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrStepNotFound
}

func (m *mockJournal) ListSagaSteps(ctx context.Context, tenantID, sagaID string) ([]*SagaStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SagaStep
	for _, s := range m.steps {
		if s.TenantID == tenantID && s.SagaID == sagaID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockJournal) Approve(ctx context.Context, tenantID, stepID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.StepID == stepID && s.TenantID == tenantID && s.Status == StepStatusPendingApproval {
			s.Status = StepStatusCompleted
			return true, nil
		}
	}
	return false, nil
}

func (m *mockJournal) MarkCompensated(ctx context.Context, tenantID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.StepID == stepID && s.TenantID == tenantID && s.Status == StepStatusCompleted {
			s.Status = StepStatusCompensated
			return nil
		}
	}
	return ErrStepNotFound
}

func (m *mockJournal) allSteps() []SagaStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SagaStep, 0, len(m.steps))
	for _, s := range m.steps {
		out = append(out, *s)
	}
	return out
}

// Mock policy gate for testing. It flags budget changes above 50% for
// approval and rejects payloads containing a "blocked" field.
type mockGate struct {
	err error
}

func (m *mockGate) Validate(ctx context.Context, req *OperationRequest, currentState map[string]interface{}) (*PolicyDecision, error) {
	if m.err != nil {
		return nil, m.err
	}
	decision := &PolicyDecision{Approved: true, EvaluatedAt: time.Now()}

	if _, blocked := req.Payload["blocked"]; blocked {
		decision.Approved = false
		decision.Violations = append(decision.Violations, PolicyViolation{
			Policy:   "mock",
			Message:  "payload is blocked",
			Severity: SeverityError,
		})
	}

	newBudget, okNew := req.Payload["new_budget"].(float64)
	prevBudget, okPrev := req.Payload["previous_budget"].(float64)
	if okNew && okPrev && prevBudget > 0 {
		if delta := (newBudget - prevBudget) / prevBudget; delta > 0.5 || delta < -0.5 {
			decision.RequiresApproval = true
			decision.ApprovalReason = "budget change exceeds 50%"
		}
	}

	if req.Context.ManualReview {
		decision.RequiresApproval = true
		decision.ApprovalReason = "manual review requested"
	}
	return decision, nil
}

// Mock credential provider for testing
type mockCredentials struct {
	mu    sync.RWMutex
	creds map[string]*Credentials
}

func newMockCredentials(tenants ...string) *mockCredentials {
	m := &mockCredentials{creds: make(map[string]*Credentials)}
	for _, t := range tenants {
		m.grant(t)
	}
	return m
}

func (m *mockCredentials) grant(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[tenantID] = &Credentials{AccountID: "acct-" + tenantID, AccessToken: "token-" + tenantID}
}

func (m *mockCredentials) revoke(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, tenantID)
}

func (m *mockCredentials) GetCredentials(ctx context.Context, tenantID string) (*Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[tenantID]
	if !ok {
		return nil, errors.New("no credentials configured")
	}
	return c, nil
}

// testHarness wires a connector and executor over the mocks.
type testHarness struct {
	registry    *mockRegistry
	ledger      *mockLedger
	journal     *mockJournal
	gate        *mockGate
	credentials *mockCredentials
	breakers    *BreakerSet
	dispatcher  *Dispatcher
	connector   *Connector
	executor    *PlanExecutor
}

func newTestHarness(tenants ...string) *testHarness {
	if len(tenants) == 0 {
		tenants = []string{"tenant-a"}
	}
	h := &testHarness{
		registry:    newMockRegistry(),
		ledger:      newMockLedger(),
		journal:     newMockJournal(),
		gate:        &mockGate{},
		credentials: newMockCredentials(tenants...),
		breakers:    NewBreakerSet(DefaultBreakerConfig()),
	}
	h.dispatcher = NewDispatcher(h.registry, h.breakers, DispatcherOptions{
		Retry:   noDelayRetry(3),
		Timeout: 5 * time.Second,
	}, testLogger)
	h.connector = NewConnector(h.dispatcher, h.gate, h.ledger, h.journal, h.credentials, ConnectorOptions{}, testLogger)
	h.executor = NewPlanExecutor(h.connector, nil, testLogger)
	return h
}
