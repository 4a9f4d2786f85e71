package policy

import (
	"github.com/openfroyo/actuator/pkg/engine"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		budgetCapPolicy(),
		budgetDeltaPolicy(),
		forbiddenContentPolicy(),
		mandatoryApprovalPolicy(),
	}
}

// budgetCapPolicy rejects budget changes above the tenant maximum.
func budgetCapPolicy() Policy {
	return Policy{
		Name:        "budget-cap",
		Description: "Rejects budget changes that exceed the tenant's maximum daily budget",
		Severity:    engine.SeverityError,
		Enabled:     true,
		Tags:        []string{"budget"},
		Rego: `package actuator.policies.budget_cap

import rego.v1

deny contains violation if {
	input.budget
	input.rules.max_daily_budget > 0
	input.budget.new_budget > input.rules.max_daily_budget
	violation := {
		"message": sprintf("new budget %v exceeds the maximum daily budget of %v", [input.budget.new_budget, input.rules.max_daily_budget]),
		"severity": "error",
		"rule": "max_daily_budget",
	}
}

deny contains violation if {
	input.budget
	input.budget.new_budget < 0
	violation := {
		"message": sprintf("new budget %v must not be negative", [input.budget.new_budget]),
		"severity": "error",
		"rule": "max_daily_budget",
	}
}
`,
	}
}

// budgetDeltaPolicy routes large relative budget changes to approval.
func budgetDeltaPolicy() Policy {
	return Policy{
		Name:        "budget-delta",
		Description: "Requires approval for budget changes above the tenant's percent threshold",
		Severity:    engine.SeverityWarning,
		Enabled:     true,
		Tags:        []string{"budget", "approval"},
		Rego: `package actuator.policies.budget_delta

import rego.v1

deny contains violation if {
	current := input.budget.current_budget
	current > 0
	change_pct := (abs(input.budget.new_budget - current) * 100) / current
	change_pct > input.rules.budget_change_threshold_pct
	violation := {
		"message": sprintf("budget change from %v to %v (%v%%) exceeds the %v%% threshold", [current, input.budget.new_budget, round(change_pct), input.rules.budget_change_threshold_pct]),
		"severity": "warning",
		"rule": "budget_change_threshold_pct",
		"requires_approval": true,
	}
}

# Setting a budget on a campaign that has none is always a human decision.
deny contains violation if {
	input.budget.current_budget == 0
	input.budget.new_budget > 0
	violation := {
		"message": "budget change from 0 requires approval",
		"severity": "warning",
		"rule": "budget_change_threshold_pct",
		"requires_approval": true,
	}
}
`,
	}
}

// forbiddenContentPolicy rejects payload text containing forbidden phrases.
func forbiddenContentPolicy() Policy {
	return Policy{
		Name:        "forbidden-content",
		Description: "Rejects operations whose text fields contain a forbidden phrase",
		Severity:    engine.SeverityError,
		Enabled:     true,
		Tags:        []string{"content"},
		Rego: `package actuator.policies.forbidden_content

import rego.v1

deny contains violation if {
	some phrase in input.rules.forbidden_phrases
	some text in input.texts
	contains(lower(text), lower(phrase))
	violation := {
		"message": sprintf("content contains forbidden phrase '%s'", [phrase]),
		"severity": "error",
		"rule": "forbidden_phrases",
	}
}
`,
	}
}

// mandatoryApprovalPolicy routes listed or flagged operations to approval.
func mandatoryApprovalPolicy() Policy {
	return Policy{
		Name:        "mandatory-approval",
		Description: "Requires approval for operations the tenant lists or the plan flags for manual review",
		Severity:    engine.SeverityWarning,
		Enabled:     true,
		Tags:        []string{"approval"},
		Rego: `package actuator.policies.mandatory_approval

import rego.v1

listed if input.operation.base_name in input.rules.approval_required_operations

listed if input.operation.name in input.rules.approval_required_operations

deny contains violation if {
	listed
	violation := {
		"message": sprintf("operation %s requires human approval", [input.operation.base_name]),
		"severity": "warning",
		"rule": "approval_required_operations",
		"requires_approval": true,
	}
}

deny contains violation if {
	input.manual_review
	violation := {
		"message": "operation flagged for manual review",
		"severity": "warning",
		"rule": "manual_review",
		"requires_approval": true,
	}
}
`,
	}
}
