package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/actuator/pkg/engine"
)

const cuePlan = `
plan_id:   "plan-42"
agent_id:  "optimizer"
tenant_id: "acme"
operations: [{
	operation_name: "update_campaign_budget@v1"
	priority:       "HIGH"
	params: {budget_id: "c1", new_budget: 130, previous_budget: 100}
}, {
	operation_name: "add_negative_keywords@v1"
	priority:       "medium"
	params: {campaign_id: "c1", keywords: ["free", "cheap"]}
	compensation: operation_name: "remove_negative_keywords@v1"
}]
`

const jsonPlan = `{
  "plan_id": "plan-43",
  "tenant_id": "acme",
  "risk_score": 0.4,
  "requires_approval": true,
  "operations": [
    {"operation_name": "publish_creative@v1", "params": {"creative_id": "cr-1", "headline": "Spring"}}
  ]
}`

const yamlPlan = `plan_id: plan-44
tenant_id: acme
operations:
  - operation_name: publish_creative@v1
    priority: CRITICAL
    requires_manual_review: true
    params:
      creative_id: cr-2
      headline: Summer
  - operation_name: unpublish_creative@v1
    params:
      creative_id: cr-1
`

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write plan: %v", err)
	}
	return path
}

func TestLoadPlan_CUE(t *testing.T) {
	loader := NewPlanLoader()

	plan, err := loader.LoadPlan(context.Background(), writePlan(t, "plan.cue", cuePlan))
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}

	if plan.PlanID != "plan-42" || plan.TenantID != "acme" || plan.AgentID != "optimizer" {
		t.Errorf("Unexpected plan header %+v", plan)
	}
	if len(plan.Operations) != 2 {
		t.Fatalf("Expected 2 operations, got %d", len(plan.Operations))
	}

	budget := plan.Operations[0]
	if budget.Priority != engine.PriorityHigh {
		t.Errorf("Expected HIGH, got %s", budget.Priority)
	}
	if budget.Params["new_budget"] != 130.0 {
		t.Errorf("Expected new_budget 130, got %v", budget.Params["new_budget"])
	}

	keywords := plan.Operations[1]
	if keywords.Priority != engine.PriorityMedium {
		t.Errorf("Expected lower-case priority to parse as MEDIUM, got %s", keywords.Priority)
	}
	if keywords.Compensation == nil || keywords.Compensation.OperationName != "remove_negative_keywords@v1" {
		t.Errorf("Expected compensation override, got %+v", keywords.Compensation)
	}
	if plan.RiskScore != 0 {
		t.Errorf("Expected default risk score 0, got %v", plan.RiskScore)
	}
}

func TestLoadPlan_JSON(t *testing.T) {
	loader := NewPlanLoader()

	plan, err := loader.LoadPlan(context.Background(), writePlan(t, "plan.json", jsonPlan))
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}

	if plan.RiskScore != 0.4 || !plan.RequiresApproval {
		t.Errorf("Unexpected plan %+v", plan)
	}
	op := plan.Operations[0]
	if op.Priority != engine.PriorityLow {
		t.Errorf("Expected missing priority to be LOW, got %s", op.Priority)
	}
	if op.Params["headline"] != "Spring" {
		t.Errorf("Unexpected params %v", op.Params)
	}
}

func TestLoadPlan_YAML(t *testing.T) {
	loader := NewPlanLoader()

	plan, err := loader.LoadPlan(context.Background(), writePlan(t, "plan.yml", yamlPlan))
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}

	if len(plan.Operations) != 2 {
		t.Fatalf("Expected 2 operations, got %d", len(plan.Operations))
	}
	if !plan.Operations[0].RequiresManualReview || plan.Operations[0].Priority != engine.PriorityCritical {
		t.Errorf("Unexpected first operation %+v", plan.Operations[0])
	}
}

func TestParsePlan_Invalid(t *testing.T) {
	loader := NewPlanLoader()
	ctx := context.Background()

	tests := []struct {
		name    string
		format  string
		content string
		want    string
	}{
		{
			name:    "missing tenant",
			format:  FormatJSON,
			content: `{"plan_id": "p", "operations": [{"operation_name": "a@v1"}]}`,
			want:    "tenant_id",
		},
		{
			name:    "no operations",
			format:  FormatJSON,
			content: `{"plan_id": "p", "tenant_id": "t", "operations": []}`,
			want:    "operations",
		},
		{
			name:    "unversioned operation",
			format:  FormatYAML,
			content: "plan_id: p\ntenant_id: t\noperations:\n  - operation_name: update_budget\n",
			want:    "operation_name",
		},
		{
			name:    "bad priority",
			format:  FormatYAML,
			content: "plan_id: p\ntenant_id: t\noperations:\n  - operation_name: a@v1\n    priority: URGENT\n",
			want:    "priority",
		},
		{
			name:    "unknown field",
			format:  FormatJSON,
			content: `{"plan_id": "p", "tenant_id": "t", "budget": 5, "operations": [{"operation_name": "a@v1"}]}`,
			want:    "budget",
		},
		{
			name:    "negative risk",
			format:  FormatJSON,
			content: `{"plan_id": "p", "tenant_id": "t", "risk_score": -1, "operations": [{"operation_name": "a@v1"}]}`,
			want:    "risk_score",
		},
		{
			name:    "cue syntax error",
			format:  FormatCUE,
			content: "plan_id: \"p\"\noperations: [",
			want:    "plan.cue",
		},
		{
			name:    "malformed json",
			format:  FormatJSON,
			content: `{"plan_id":`,
			want:    "unexpected end",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.ParsePlan(ctx, "plan."+tt.format, tt.format, []byte(tt.content))
			if err == nil {
				t.Fatal("Expected error")
			}

			var perr *PlanError
			if !errors.As(err, &perr) {
				t.Fatalf("Expected *PlanError, got %T: %v", err, err)
			}
			if len(perr.Errors) == 0 {
				t.Error("Expected at least one validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"plan.cue", FormatCUE, false},
		{"plan.JSON", FormatJSON, false},
		{"dir/plan.yaml", FormatYAML, false},
		{"plan.yml", FormatYAML, false},
		{"plan.toml", "", true},
		{"plan", "", true},
	}

	for _, tt := range tests {
		got, err := FormatOf(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("FormatOf(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("FormatOf(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()

	if names := sr.ListSchemas(); len(names) != 1 || names[0] != SchemaActionPlan {
		t.Errorf("Expected only the built-in schema, got %v", names)
	}

	err := sr.RegisterSchema("campaign", `
#Campaign: {
	id:     string
	budget: number & >=0
}
`)
	if err != nil {
		t.Fatalf("RegisterSchema failed: %v", err)
	}
	if _, ok := sr.GetSchema("campaign"); !ok {
		t.Error("Expected registered schema")
	}

	if err := sr.RegisterSchema("broken", "a: {"); err == nil {
		t.Error("Expected compile error")
	}

	ctx := context.Background()
	valid := map[string]interface{}{
		"plan_id":    "p",
		"tenant_id":  "t",
		"operations": []interface{}{map[string]interface{}{"operation_name": "a@v1"}},
	}
	if err := sr.ValidatePlanDocument(ctx, valid); err != nil {
		t.Errorf("Expected valid document, got %v", err)
	}

	delete(valid, "tenant_id")
	if err := sr.ValidatePlanDocument(ctx, valid); err == nil {
		t.Error("Expected missing tenant_id to fail")
	}

	if err := sr.ValidateAgainstSchema(ctx, "nope", valid); err == nil {
		t.Error("Expected unknown schema error")
	}
}
