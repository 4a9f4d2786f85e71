package policy

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/actuator/pkg/engine"
)

// BuildInput assembles the policy input for a request.
func BuildInput(req *engine.OperationRequest, currentState map[string]interface{}, rules RuleSet, now time.Time) *PolicyInput {
	base, version := engine.SplitOperationName(req.OperationName)

	payload := req.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	return &PolicyInput{
		TenantID: req.TenantID,
		Operation: OperationInput{
			Name:     req.OperationName,
			BaseName: base,
			Version:  version,
		},
		Payload:      payload,
		ManualReview: req.Context.ManualReview,
		Budget:       budgetChange(base, payload, currentState),
		Texts:        collectTexts(payload),
		Rules:        rules,
		Timestamp:    now,
	}
}

// IsBudgetChange reports whether an operation changes a budget: its base
// name mentions budget and the payload carries a numeric new_budget.
func IsBudgetChange(baseName string, payload map[string]interface{}) bool {
	if !strings.Contains(strings.ToLower(baseName), "budget") {
		return false
	}
	_, ok := toFloat(payload["new_budget"])
	return ok
}

// budgetChange extracts the budget change, or nil if the operation is not
// one. The current budget is taken from the current state, then from the
// payload's previous_budget.
func budgetChange(baseName string, payload, currentState map[string]interface{}) *BudgetInput {
	if !IsBudgetChange(baseName, payload) {
		return nil
	}
	newBudget, _ := toFloat(payload["new_budget"])

	in := &BudgetInput{NewBudget: newBudget}
	for _, candidate := range []interface{}{
		currentState["budget"],
		currentState["current_budget"],
		payload["previous_budget"],
	} {
		if current, ok := toFloat(candidate); ok {
			in.CurrentBudget = &current
			break
		}
	}
	return in
}

// collectTexts returns every string value in v, recursively, sorted.
func collectTexts(v interface{}) []string {
	texts := []string{}
	var walk func(interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			if val != "" {
				texts = append(texts, val)
			}
		case []string:
			for _, s := range val {
				walk(s)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		case map[string]interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)
	sort.Strings(texts)
	return texts
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
