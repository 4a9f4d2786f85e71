package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/actuator/pkg/engine"
)

// Gate implements engine.PolicyGate on top of OPA.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	order    []string
	rules    RuleSource
	now      func() time.Time
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewGate creates a gate with the built-in policies. rules may be nil, in
// which case every tenant gets DefaultRuleSet.
func NewGate(rules RuleSource, logger zerolog.Logger) (*Gate, error) {
	if rules == nil {
		rules = NewStaticRules(nil)
	}

	g := &Gate{
		policies: make(map[string]*compiledPolicy),
		rules:    rules,
		now:      time.Now,
		logger:   logger.With().Str("component", "policy-gate").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := g.compileAndStorePolicy(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	g.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return g, nil
}

// Validate evaluates every enabled policy against the request. An
// evaluation failure is returned as an error; callers must not dispatch.
func (g *Gate) Validate(ctx context.Context, req *engine.OperationRequest, currentState map[string]interface{}) (*engine.PolicyDecision, error) {
	startTime := time.Now()

	rules, ok, err := g.rules.RulesFor(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for tenant %s: %w", req.TenantID, err)
	}
	if !ok {
		rules = DefaultRuleSet()
	}

	input := BuildInput(req, currentState, rules.withDefaults(), g.now())

	// OPA converts input through JSON; doing it once here avoids repeating it per policy.
	doc, err := toDocument(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var violations []engine.PolicyViolation
	for _, name := range g.order {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		found, err := g.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policy %s: %w", name, err)
		}
		violations = append(violations, found...)
	}

	decision := decide(violations, g.now())

	g.logger.Debug().
		Str("tenant_id", req.TenantID).
		Str("operation", req.OperationName).
		Bool("approved", decision.Approved).
		Bool("requires_approval", decision.RequiresApproval).
		Int("violations", len(violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Policy evaluation completed")

	return decision, nil
}

// decide folds violations into a decision. Approval is withheld iff some
// violation is blocking.
func decide(violations []engine.PolicyViolation, now time.Time) *engine.PolicyDecision {
	decision := &engine.PolicyDecision{
		Approved:    true,
		Violations:  violations,
		EvaluatedAt: now,
	}

	var reasons []string
	for _, v := range violations {
		if v.Severity.Blocking() {
			decision.Approved = false
		}
		if v.RequiresApproval {
			decision.RequiresApproval = true
			reasons = append(reasons, v.Message)
		}
	}
	decision.ApprovalReason = strings.Join(reasons, "; ")

	return decision
}

// evaluatePolicy evaluates a single compiled policy.
func (g *Gate) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	// Sets come back unordered.
	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})

	return violations, nil
}

// createViolation creates a PolicyViolation from a deny entry.
func createViolation(policy *Policy, result interface{}) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = engine.Severity(strings.ToLower(sev))
		}
		if rule, ok := v["rule"].(string); ok {
			violation.Rule = rule
		}
		if approval, ok := v["requires_approval"].(bool); ok {
			violation.RequiresApproval = approval
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. Must be called
// with the lock held or before the gate is shared.
func (g *Gate) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if _, exists := g.policies[policy.Name]; !exists {
		g.order = append(g.order, policy.Name)
	}
	g.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	g.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// AddPolicy compiles and registers a policy, replacing one with the same name.
func (g *Gate) AddPolicy(ctx context.Context, policy Policy) error {
	if policy.Severity == "" {
		policy.Severity = engine.SeverityWarning
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.compileAndStorePolicy(ctx, &policy); err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}
	return nil
}

// LoadPolicies loads additional .rego policies from files or directories.
func (g *Gate) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := LoadPolicyFiles(paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := g.AddPolicy(ctx, policies[i]); err != nil {
			return err
		}
	}

	g.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// GetPolicy returns a policy by name.
func (g *Gate) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, exists := g.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies in registration order.
func (g *Gate) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.order))
	for _, name := range g.order {
		policies = append(policies, *g.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (g *Gate) EnablePolicy(name string) error {
	return g.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (g *Gate) DisablePolicy(name string) error {
	return g.setEnabled(name, false)
}

func (g *Gate) setEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	g.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

func toDocument(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
