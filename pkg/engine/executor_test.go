package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeAdPlatform keeps campaign budgets so rollbacks can be observed.
type fakeAdPlatform struct {
	mu      sync.Mutex
	budgets map[string]float64
}

func (p *fakeAdPlatform) install(reg *mockRegistry) {
	reg.handle("update_campaign_budget@v1", func(payload map[string]interface{}) (*RegistryResponse, error) {
		p.mu.Lock()
		defer p.mu.Unlock()

		id, _ := payload["budget_id"].(string)
		newBudget, _ := payload["new_budget"].(float64)
		previous := p.budgets[id]
		p.budgets[id] = newBudget

		return &RegistryResponse{
			Success:     true,
			Data:        map[string]interface{}{"budget_id": id, "budget": newBudget},
			Compensable: true,
			CompensationData: map[string]interface{}{
				"operation_name": "update_campaign_budget@v1",
				"payload": map[string]interface{}{
					"budget_id":  id,
					"new_budget": previous,
				},
			},
		}, nil
	})
	reg.handle("add_negative_keywords@v1", failWith(ErrorKindAPIError))
}

func (p *fakeAdPlatform) budget(id string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budgets[id]
}

func TestPlanExecutor_BudgetRollback(t *testing.T) {
	h := newTestHarness()
	platform := &fakeAdPlatform{budgets: map[string]float64{"c1": 100}}
	platform.install(h.registry)

	plan := &ActionPlan{
		PlanID:   "plan-1",
		AgentID:  "optimizer",
		TenantID: "tenant-a",
		Operations: []PlannedOperation{
			{
				OperationName: "add_negative_keywords@v1",
				Params:        map[string]interface{}{"campaign_id": "c1", "keywords": []interface{}{"free"}},
				Priority:      PriorityMedium,
			},
			{
				OperationName: "update_campaign_budget@v1",
				Params:        budgetPayload(130, 100),
				Priority:      PriorityHigh,
			},
		},
		RiskScore: 0.3,
	}

	result, err := h.executor.Execute(context.Background(), plan, DefaultExecuteOptions())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(result.Executed) != 1 || len(result.Failed) != 1 {
		t.Fatalf("Expected executed=1 failed=1, got executed=%d failed=%d", len(result.Executed), len(result.Failed))
	}
	if result.Executed[0].OperationName != "update_campaign_budget@v1" {
		t.Errorf("Expected the HIGH priority budget update to run first, got %s", result.Executed[0].OperationName)
	}
	if result.Failed[0].Result.ErrorKind != ErrorKindAPIError {
		t.Errorf("Expected API_ERROR, got %s", result.Failed[0].Result.ErrorKind)
	}
	if got := h.registry.callCount("add_negative_keywords@v1"); got != 4 {
		t.Errorf("Expected 4 attempts for the failing step, got %d", got)
	}
	if result.CompensationsExecuted != 1 || result.CompensationsFailed != 0 {
		t.Errorf("Expected 1 compensation, got executed=%d failed=%d", result.CompensationsExecuted, result.CompensationsFailed)
	}
	if result.Success {
		t.Error("Expected plan to be unsuccessful")
	}
	if result.Status != SagaStatusCompensated {
		t.Errorf("Expected COMPENSATED, got %s", result.Status)
	}
	if b := platform.budget("c1"); b != 100 {
		t.Errorf("Expected budget reverted to 100, got %v", b)
	}

	saga, err := h.journal.GetSaga(context.Background(), "tenant-a", result.SagaID)
	if err != nil {
		t.Fatalf("GetSaga failed: %v", err)
	}
	if saga.Status != SagaStatusCompensated {
		t.Errorf("Expected saga COMPENSATED, got %s", saga.Status)
	}

	var compensated int
	for _, s := range h.journal.allSteps() {
		if s.SagaID != result.SagaID {
			t.Errorf("Expected step %s to belong to saga %s", s.StepID, result.SagaID)
		}
		if s.Status == StepStatusCompensated {
			compensated++
			if s.OperationID != result.Executed[0].Result.OperationID {
				t.Errorf("Expected the original budget step to be compensated, got %s", s.OperationID)
			}
		}
	}
	if compensated != 1 {
		t.Errorf("Expected 1 compensated step, got %d", compensated)
	}

	// The compensated operation is no longer cached; re-running it dispatches again.
	key, _ := Fingerprint("tenant-a", "update_campaign_budget@v1", budgetPayload(130, 100))
	if h.ledger.rawResult(key) != nil {
		t.Error("Expected compensated operation to be removed from the ledger")
	}
}

func TestPlanExecutor_RollbackReverseOrder(t *testing.T) {
	h := newTestHarness()

	applied := func(target string, compensable bool) func(map[string]interface{}) (*RegistryResponse, error) {
		return func(map[string]interface{}) (*RegistryResponse, error) {
			resp := &RegistryResponse{Success: true, Compensable: compensable}
			if compensable {
				resp.CompensationData = map[string]interface{}{
					"operation_name": "undo@v1",
					"target":         target,
				}
			}
			return resp, nil
		}
	}
	h.registry.handle("step_a@v1", applied("a", true))
	h.registry.handle("step_b@v1", applied("b", false))
	h.registry.handle("step_c@v1", applied("c", true))
	h.registry.handle("step_d@v1", failWith(ErrorKindInvalidPayload))
	h.registry.handle("undo@v1", succeed(nil))

	plan := &ActionPlan{
		PlanID:   "plan-2",
		TenantID: "tenant-a",
		Operations: []PlannedOperation{
			{OperationName: "step_a@v1", Params: map[string]interface{}{"n": 1}},
			{OperationName: "step_b@v1", Params: map[string]interface{}{"n": 2}},
			{OperationName: "step_c@v1", Params: map[string]interface{}{"n": 3}},
			{OperationName: "step_d@v1", Params: map[string]interface{}{"n": 4}},
			{OperationName: "step_e@v1", Params: map[string]interface{}{"n": 5}},
		},
	}

	result, err := h.executor.Execute(context.Background(), plan, DefaultExecuteOptions())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Skipped != 1 {
		t.Errorf("Expected 1 skipped operation, got %d", result.Skipped)
	}
	if h.registry.callCount("step_e@v1") != 0 {
		t.Error("Expected operations after the failure not to run")
	}
	if result.CompensationsExecuted != 2 {
		t.Errorf("Expected 2 compensations, got %d", result.CompensationsExecuted)
	}

	var undone []string
	for _, c := range h.registry.getCalls() {
		if c.Operation == "undo@v1" {
			undone = append(undone, c.Payload["target"].(string))
		}
	}
	if len(undone) != 2 || undone[0] != "c" || undone[1] != "a" {
		t.Errorf("Expected compensations in order [c a], got %v", undone)
	}
}

func TestPlanExecutor_CompensationFailure(t *testing.T) {
	h := newTestHarness()
	h.registry.handle("step_a@v1", func(map[string]interface{}) (*RegistryResponse, error) {
		return &RegistryResponse{
			Success:          true,
			Compensable:      true,
			CompensationData: map[string]interface{}{"operation_name": "undo@v1", "target": "a"},
		}, nil
	})
	h.registry.handle("step_b@v1", failWith(ErrorKindResourceNotFound))
	h.registry.handle("undo@v1", failWith(ErrorKindAuthFailed))

	plan := &ActionPlan{
		PlanID:   "plan-3",
		TenantID: "tenant-a",
		Operations: []PlannedOperation{
			{OperationName: "step_a@v1"},
			{OperationName: "step_b@v1"},
		},
	}

	result, err := h.executor.Execute(context.Background(), plan, DefaultExecuteOptions())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.CompensationsFailed != 1 || result.CompensationsExecuted != 0 {
		t.Errorf("Expected 1 failed compensation, got executed=%d failed=%d",
			result.CompensationsExecuted, result.CompensationsFailed)
	}
	if result.Status != SagaStatusFailed {
		t.Errorf("Expected FAILED, got %s", result.Status)
	}
}

func TestPlanExecutor_CompensationInstruction(t *testing.T) {
	h := newTestHarness()
	h.registry.handle("publish_creative@v1", func(map[string]interface{}) (*RegistryResponse, error) {
		return &RegistryResponse{
			Success:          true,
			Compensable:      true,
			CompensationData: map[string]interface{}{"creative_id": "cr-9"},
		}, nil
	})
	h.registry.handle("pause_creative@v1", succeed(nil))
	h.registry.handle("step_fail@v1", failWith(ErrorKindInvalidPayload))

	plan := &ActionPlan{
		PlanID:   "plan-4",
		TenantID: "tenant-a",
		Operations: []PlannedOperation{
			{
				OperationName: "publish_creative@v1",
				Params:        map[string]interface{}{"headline": "Spring sale"},
				Compensation: &CompensationInstruction{
					OperationName: "pause_creative@v1",
					Params:        map[string]interface{}{"reason": "rollback"},
				},
			},
			{OperationName: "step_fail@v1"},
		},
	}

	if _, err := h.executor.Execute(context.Background(), plan, DefaultExecuteOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var found bool
	for _, c := range h.registry.getCalls() {
		if c.Operation == "pause_creative@v1" {
			found = true
			if c.Payload["creative_id"] != "cr-9" || c.Payload["reason"] != "rollback" {
				t.Errorf("Expected merged compensation payload, got %v", c.Payload)
			}
		}
	}
	if !found {
		t.Error("Expected compensation instruction to name the inverse operation")
	}
}

func TestPlanExecutor_PriorityOrder(t *testing.T) {
	h := newTestHarness()
	for _, op := range []string{"low@v1", "critical@v1", "medium_a@v1", "medium_b@v1"} {
		h.registry.handle(op, succeed(nil))
	}

	plan := &ActionPlan{
		PlanID:   "plan-5",
		TenantID: "tenant-a",
		Operations: []PlannedOperation{
			{OperationName: "low@v1", Priority: PriorityLow},
			{OperationName: "medium_a@v1", Priority: PriorityMedium},
			{OperationName: "critical@v1", Priority: PriorityCritical},
			{OperationName: "medium_b@v1", Priority: PriorityMedium},
		},
	}

	result, err := h.executor.Execute(context.Background(), plan, DefaultExecuteOptions())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != SagaStatusCompleted || !result.Success {
		t.Errorf("Expected COMPLETED, got %s", result.Status)
	}

	want := []string{"critical@v1", "medium_a@v1", "medium_b@v1", "low@v1"}
	calls := h.registry.getCalls()
	if len(calls) != len(want) {
		t.Fatalf("Expected %d calls, got %d", len(want), len(calls))
	}
	for i, op := range want {
		if calls[i].Operation != op {
			t.Errorf("Position %d: expected %s, got %s", i, op, calls[i].Operation)
		}
	}

	if plan.Operations[0].OperationName != "low@v1" {
		t.Error("Expected plan not to be reordered in place")
	}
}

func TestPlanExecutor_ContinueOnFailure(t *testing.T) {
	h := newTestHarness()
	h.registry.handle("a@v1", failWith(ErrorKindResourceNotFound))
	h.registry.handle("b@v1", succeed(nil))

	plan := &ActionPlan{
		PlanID:   "plan-6",
		TenantID: "tenant-a",
		Operations: []PlannedOperation{
			{OperationName: "a@v1"},
			{OperationName: "b@v1"},
		},
	}

	result, err := h.executor.Execute(context.Background(), plan, ExecuteOptions{StopOnFailure: false, AutoRollback: true})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Executed) != 1 || len(result.Failed) != 1 {
		t.Errorf("Expected executed=1 failed=1, got %d/%d", len(result.Executed), len(result.Failed))
	}
	if result.Status != SagaStatusPartial {
		t.Errorf("Expected PARTIAL, got %s", result.Status)
	}
	if result.CompensationsExecuted != 0 {
		t.Error("Expected no rollback when the plan did not halt")
	}
}

func TestPlanExecutor_PendingApproval(t *testing.T) {
	h := newTestHarness()
	h.registry.handle("update_campaign_budget@v1", succeed(nil))
	h.registry.handle("b@v1", succeed(nil))

	plan := &ActionPlan{
		PlanID:   "plan-7",
		TenantID: "tenant-a",
		Operations: []PlannedOperation{
			{OperationName: "update_campaign_budget@v1", Params: budgetPayload(300, 100)},
			{OperationName: "b@v1"},
		},
	}

	result, err := h.executor.Execute(context.Background(), plan, DefaultExecuteOptions())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Pending) != 1 || len(result.Executed) != 1 {
		t.Fatalf("Expected pending=1 executed=1, got %d/%d", len(result.Pending), len(result.Executed))
	}
	if !result.Success {
		t.Error("Expected a pending operation not to fail the plan")
	}
	if result.Status != SagaStatusPartial {
		t.Errorf("Expected PARTIAL, got %s", result.Status)
	}

	pending, _ := h.journal.GetPendingApprovals(context.Background(), "tenant-a")
	if len(pending) != 1 || pending[0].SagaID != result.SagaID {
		t.Error("Expected the pending step to be linked to the plan's saga")
	}
}

func TestPlanExecutor_PlanRequiresApproval(t *testing.T) {
	h := newTestHarness()
	h.registry.handle("a@v1", succeed(nil))

	plan := &ActionPlan{
		PlanID:           "plan-8",
		TenantID:         "tenant-a",
		RequiresApproval: true,
		Operations:       []PlannedOperation{{OperationName: "a@v1"}},
	}

	result, err := h.executor.Execute(context.Background(), plan, DefaultExecuteOptions())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Pending) != 1 || h.registry.callCount("") != 0 {
		t.Error("Expected every operation to wait for approval")
	}
}

func TestPlanExecutor_DryRun(t *testing.T) {
	h := newTestHarness()
	h.registry.handle("a@v1", succeed(nil))

	plan := &ActionPlan{
		PlanID:     "plan-9",
		TenantID:   "tenant-a",
		Operations: []PlannedOperation{{OperationName: "a@v1"}, {OperationName: "b@v1", Params: map[string]interface{}{"blocked": true}}},
	}

	result, err := h.executor.Execute(context.Background(), plan, ExecuteOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.SagaID != "" {
		t.Error("Expected no saga on dry run")
	}
	if h.registry.callCount("") != 0 {
		t.Error("Expected no dispatch on dry run")
	}
	if len(result.Executed) != 1 || len(result.Failed) != 1 {
		t.Errorf("Expected the blocked operation to be reported, got executed=%d failed=%d",
			len(result.Executed), len(result.Failed))
	}
}

func TestPlanExecutor_InvalidPlan(t *testing.T) {
	h := newTestHarness()

	tests := []struct {
		name string
		plan *ActionPlan
	}{
		{"nil", nil},
		{"no operations", &ActionPlan{PlanID: "p", TenantID: "tenant-a"}},
		{"no tenant", &ActionPlan{PlanID: "p", Operations: []PlannedOperation{{OperationName: "a@v1"}}}},
		{"unnamed operation", &ActionPlan{PlanID: "p", TenantID: "tenant-a", Operations: []PlannedOperation{{}}}},
		{"negative risk", &ActionPlan{PlanID: "p", TenantID: "tenant-a", RiskScore: -1, Operations: []PlannedOperation{{OperationName: "a@v1"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.executor.Execute(context.Background(), tt.plan, DefaultExecuteOptions())
			if !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("Expected ErrInvalidPlan, got %v", err)
			}
		})
	}
}

func TestCompensationFor(t *testing.T) {
	op := PlannedOperation{OperationName: "update_campaign_budget@v1"}

	name, payload := compensationFor(op, &OperationResult{
		CompensationData: map[string]interface{}{"budget_id": "c1", "new_budget": 100.0},
	})
	if name != "update_campaign_budget@v1" {
		t.Errorf("Expected original operation as fallback, got %s", name)
	}
	if payload["new_budget"] != 100.0 || payload["budget_id"] != "c1" {
		t.Errorf("Unexpected payload %v", payload)
	}
	if _, ok := payload["operation_name"]; ok {
		t.Error("Expected operation_name not to leak into the payload")
	}
}
