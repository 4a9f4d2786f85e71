// Package policy provides the actuator's policy gate using Open Policy Agent (OPA).
//
// # Overview
//
// The Gate validates every operation request against a tenant's rule set
// before it is dispatched. Rules are written in Rego and compiled once into
// prepared queries. A violation either blocks the operation or routes it to
// human approval:
//
//   - error / critical: the operation is rejected (POLICY_VIOLATION)
//   - warning with requires_approval: the operation is parked for approval
//   - info / warning: reported only
//
// # Built-in Policies
//
//   - budget-cap: rejects budget changes above max_daily_budget
//   - budget-delta: requires approval when a budget changes by more than
//     budget_change_threshold_pct percent of the current budget
//   - forbidden-content: rejects payloads whose text contains a forbidden phrase
//   - mandatory-approval: requires approval for listed operations and for
//     operations flagged for manual review
//
// An operation is a budget change when its base name contains "budget" and
// its payload carries a numeric new_budget. The current budget comes from
// the caller's current state ("budget" or "current_budget") and falls back
// to the payload's previous_budget.
//
// # Policy Input
//
// Policies see the following input document:
//
//	{
//	  "tenant_id": "tenant-a",
//	  "operation": {"name": "update_campaign_budget@v1", "base_name": "update_campaign_budget", "version": "v1"},
//	  "payload": {...},
//	  "manual_review": false,
//	  "budget": {"new_budget": 200, "current_budget": 100},
//	  "texts": ["..."],
//	  "rules": {"max_daily_budget": 10000, "budget_change_threshold_pct": 50, ...}
//	}
//
// # Custom Policies
//
// Additional .rego modules can be loaded with Gate.LoadPolicies. A module
// reports violations through a deny set:
//
//	package actuator.policies.custom
//
//	import rego.v1
//
//	deny contains violation if {
//		input.operation.base_name == "delete_campaign"
//		violation := {
//			"message": "campaigns are paused, not deleted",
//			"severity": "error",
//		}
//	}
//
// # Tenant Rules
//
// Rule sets come from a RuleSource. StaticRules holds them in memory;
// RuleLoader reads <tenant>.yaml or <tenant>.json files from a directory and
// reloads them on change. Tenants without a rule set get DefaultRuleSet.
package policy
