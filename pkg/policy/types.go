package policy

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/actuator/pkg/engine"
)

// DefaultBudgetChangeThresholdPct is the relative budget change, in percent,
// above which an operation is routed to human approval.
const DefaultBudgetChangeThresholdPct = 50

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// module's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity engine.Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// RuleSet is a tenant's declarative rule configuration. It is passed to
// every policy as input.rules.
type RuleSet struct {
	// MaxDailyBudget caps the value of a budget change. Zero disables the cap.
	MaxDailyBudget float64 `json:"max_daily_budget" yaml:"max_daily_budget" validate:"gte=0"`

	// BudgetChangeThresholdPct is the relative change, in percent, above
	// which a budget change needs approval. Zero means the default.
	BudgetChangeThresholdPct float64 `json:"budget_change_threshold_pct" yaml:"budget_change_threshold_pct" validate:"gte=0"`

	// ForbiddenPhrases are rejected anywhere in a payload's text fields,
	// case-insensitively.
	ForbiddenPhrases []string `json:"forbidden_phrases" yaml:"forbidden_phrases" validate:"dive,required"`

	// ApprovalRequiredOperations lists operations, by base name or full
	// name, that always need human approval.
	ApprovalRequiredOperations []string `json:"approval_required_operations" yaml:"approval_required_operations" validate:"dive,required"`
}

// DefaultRuleSet is applied to tenants without a rule set of their own.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		MaxDailyBudget:           10000,
		BudgetChangeThresholdPct: DefaultBudgetChangeThresholdPct,
		ForbiddenPhrases: []string{
			"guaranteed #1 ranking",
			"miracle cure",
			"risk-free investment",
		},
		ApprovalRequiredOperations: []string{},
	}
}

func (r RuleSet) withDefaults() RuleSet {
	if r.BudgetChangeThresholdPct <= 0 {
		r.BudgetChangeThresholdPct = DefaultBudgetChangeThresholdPct
	}
	if r.ForbiddenPhrases == nil {
		r.ForbiddenPhrases = []string{}
	}
	if r.ApprovalRequiredOperations == nil {
		r.ApprovalRequiredOperations = []string{}
	}
	return r
}

// RuleSource resolves tenant rule sets.
type RuleSource interface {
	// RulesFor returns the tenant's rule set, or false if it has none.
	RulesFor(ctx context.Context, tenantID string) (RuleSet, bool, error)
}

// StaticRules is an in-memory RuleSource.
type StaticRules struct {
	mu    sync.RWMutex
	rules map[string]RuleSet
}

// NewStaticRules creates a rule source from a tenant map.
func NewStaticRules(rules map[string]RuleSet) *StaticRules {
	s := &StaticRules{rules: make(map[string]RuleSet, len(rules))}
	for tenant, rs := range rules {
		s.rules[tenant] = rs
	}
	return s
}

// Set replaces a tenant's rule set.
func (s *StaticRules) Set(tenantID string, rules RuleSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[tenantID] = rules
}

// RulesFor implements RuleSource.
func (s *StaticRules) RulesFor(ctx context.Context, tenantID string) (RuleSet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rules[tenantID]
	return rs, ok, nil
}

// PolicyInput is the document policies see as input.
type PolicyInput struct {
	TenantID string `json:"tenant_id"`

	Operation OperationInput `json:"operation"`

	// Payload is the raw operation payload.
	Payload map[string]interface{} `json:"payload"`

	// ManualReview is set when the planned operation asks for a human decision.
	ManualReview bool `json:"manual_review"`

	// Budget is present only for budget-change operations.
	Budget *BudgetInput `json:"budget,omitempty"`

	// Texts are all string values found in the payload.
	Texts []string `json:"texts"`

	// Rules is the tenant's effective rule set.
	Rules RuleSet `json:"rules"`

	Timestamp time.Time `json:"timestamp"`
}

// OperationInput identifies the operation under evaluation.
type OperationInput struct {
	Name     string `json:"name"`
	BaseName string `json:"base_name"`
	Version  string `json:"version"`
}

// BudgetInput describes a budget change.
type BudgetInput struct {
	NewBudget float64 `json:"new_budget"`

	// CurrentBudget is omitted when neither the current state nor the
	// payload carries it.
	CurrentBudget *float64 `json:"current_budget,omitempty"`
}
