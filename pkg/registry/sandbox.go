package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/openfroyo/actuator/pkg/engine"
)

// AdsIntegration is the integration name of the sandbox ad platform.
const AdsIntegration = "ads"

// Sandbox operation names.
const (
	OpUpdateCampaignBudget   = "update_campaign_budget@v1"
	OpAddNegativeKeywords    = "add_negative_keywords@v1"
	OpRemoveNegativeKeywords = "remove_negative_keywords@v1"
	OpPublishCreative        = "publish_creative@v1"
	OpUnpublishCreative      = "unpublish_creative@v1"
)

// AdPlatform is an in-memory advertising platform. It keeps campaign
// budgets, negative keywords and creatives per account, and can inject
// failures per operation. It backs local runs and tests.
type AdPlatform struct {
	mu        sync.Mutex
	budgets   map[string]map[string]float64
	negatives map[string]map[string]map[string]bool
	creatives map[string]map[string]string
	failures  map[string]injectedFailure
	calls     map[string]int
}

type injectedFailure struct {
	kind      engine.ErrorKind
	remaining int // < 0 means forever
}

// NewAdPlatform creates an empty sandbox platform.
func NewAdPlatform() *AdPlatform {
	return &AdPlatform{
		budgets:   make(map[string]map[string]float64),
		negatives: make(map[string]map[string]map[string]bool),
		creatives: make(map[string]map[string]string),
		failures:  make(map[string]injectedFailure),
		calls:     make(map[string]int),
	}
}

// Register adds the platform's operations to r under AdsIntegration.
func (p *AdPlatform) Register(r *Registry) error {
	ops := []Operation{
		{Name: OpUpdateCampaignBudget, Description: "Set a campaign's daily budget", Handler: p.updateCampaignBudget},
		{Name: OpAddNegativeKeywords, Description: "Add negative keywords to a campaign", Handler: p.addNegativeKeywords},
		{Name: OpRemoveNegativeKeywords, Description: "Remove negative keywords from a campaign", Handler: p.removeNegativeKeywords},
		{Name: OpPublishCreative, Description: "Publish an ad creative", Handler: p.publishCreative},
		{Name: OpUnpublishCreative, Description: "Withdraw a published creative", Handler: p.unpublishCreative},
	}
	for _, op := range ops {
		op.Integration = AdsIntegration
		if err := r.Register(op); err != nil {
			return err
		}
	}
	return nil
}

// SetBudget seeds a campaign budget.
func (p *AdPlatform) SetBudget(accountID, budgetID string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.budgets[accountID] == nil {
		p.budgets[accountID] = make(map[string]float64)
	}
	p.budgets[accountID][budgetID] = amount
}

// Budget returns a campaign budget.
func (p *AdPlatform) Budget(accountID, budgetID string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	amount, ok := p.budgets[accountID][budgetID]
	return amount, ok
}

// NegativeKeywords returns a campaign's negative keywords, sorted.
func (p *AdPlatform) NegativeKeywords(accountID, campaignID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for kw := range p.negatives[accountID][campaignID] {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

// Creative returns a published creative's headline.
func (p *AdPlatform) Creative(accountID, creativeID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	headline, ok := p.creatives[accountID][creativeID]
	return headline, ok
}

// FailWith makes the next times calls of operation fail with kind. A
// negative times fails every call until ClearFailures.
func (p *AdPlatform) FailWith(operation string, kind engine.ErrorKind, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[operation] = injectedFailure{kind: kind, remaining: times}
}

// ClearFailures removes every injected failure.
func (p *AdPlatform) ClearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = make(map[string]injectedFailure)
}

// Calls returns how many times operation reached the platform.
func (p *AdPlatform) Calls(operation string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[operation]
}

// begin records a call and returns an injected failure, if any. Callers
// hold p.mu.
func (p *AdPlatform) begin(operation string) *engine.RegistryResponse {
	p.calls[operation]++

	f, ok := p.failures[operation]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		p.failures[operation] = f
	}
	return &engine.RegistryResponse{
		ErrorKind:    f.kind,
		ErrorMessage: fmt.Sprintf("injected %s failure", f.kind),
	}
}

func account(creds *engine.Credentials) (string, error) {
	if creds == nil || creds.AccountID == "" {
		return "", engine.NewError(engine.ErrorKindAuthFailed, "missing account credentials", nil)
	}
	return creds.AccountID, nil
}

func (p *AdPlatform) updateCampaignBudget(ctx context.Context, payload map[string]interface{}, creds *engine.Credentials) (*engine.RegistryResponse, error) {
	acct, err := account(creds)
	if err != nil {
		return nil, err
	}
	budgetID, err := stringField(payload, "budget_id")
	if err != nil {
		return nil, err
	}
	newBudget, err := numberField(payload, "new_budget")
	if err != nil {
		return nil, err
	}
	if newBudget < 0 {
		return nil, engine.NewError(engine.ErrorKindInvalidPayload, "new_budget must not be negative", nil).
			WithOperation(OpUpdateCampaignBudget)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if resp := p.begin(OpUpdateCampaignBudget); resp != nil {
		return resp, nil
	}

	previous, known := p.budgets[acct][budgetID]
	if !known {
		fallback, err := numberField(payload, "previous_budget")
		if err != nil {
			return &engine.RegistryResponse{
				ErrorKind:    engine.ErrorKindResourceNotFound,
				ErrorMessage: fmt.Sprintf("campaign budget %s not found", budgetID),
			}, nil
		}
		previous = fallback
	}

	if p.budgets[acct] == nil {
		p.budgets[acct] = make(map[string]float64)
	}
	p.budgets[acct][budgetID] = newBudget

	return &engine.RegistryResponse{
		Success: true,
		Data: map[string]interface{}{
			"budget_id":       budgetID,
			"budget":          newBudget,
			"previous_budget": previous,
		},
		Compensable: true,
		CompensationData: map[string]interface{}{
			"operation_name": OpUpdateCampaignBudget,
			"payload": map[string]interface{}{
				"budget_id":  budgetID,
				"new_budget": previous,
			},
		},
	}, nil
}

func (p *AdPlatform) addNegativeKeywords(ctx context.Context, payload map[string]interface{}, creds *engine.Credentials) (*engine.RegistryResponse, error) {
	acct, err := account(creds)
	if err != nil {
		return nil, err
	}
	campaignID, err := stringField(payload, "campaign_id")
	if err != nil {
		return nil, err
	}
	keywords, err := stringList(payload, "keywords")
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if resp := p.begin(OpAddNegativeKeywords); resp != nil {
		return resp, nil
	}

	if p.negatives[acct] == nil {
		p.negatives[acct] = make(map[string]map[string]bool)
	}
	set := p.negatives[acct][campaignID]
	if set == nil {
		set = make(map[string]bool)
		p.negatives[acct][campaignID] = set
	}

	added := []interface{}{}
	for _, kw := range keywords {
		if !set[kw] {
			set[kw] = true
			added = append(added, kw)
		}
	}

	resp := &engine.RegistryResponse{
		Success: true,
		Data: map[string]interface{}{
			"campaign_id": campaignID,
			"added":       added,
		},
	}
	// Only keywords this call added are removed on rollback.
	if len(added) > 0 {
		resp.Compensable = true
		resp.CompensationData = map[string]interface{}{
			"operation_name": OpRemoveNegativeKeywords,
			"payload": map[string]interface{}{
				"campaign_id": campaignID,
				"keywords":    added,
			},
		}
	}
	return resp, nil
}

func (p *AdPlatform) removeNegativeKeywords(ctx context.Context, payload map[string]interface{}, creds *engine.Credentials) (*engine.RegistryResponse, error) {
	acct, err := account(creds)
	if err != nil {
		return nil, err
	}
	campaignID, err := stringField(payload, "campaign_id")
	if err != nil {
		return nil, err
	}
	keywords, err := stringList(payload, "keywords")
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if resp := p.begin(OpRemoveNegativeKeywords); resp != nil {
		return resp, nil
	}

	removed := []interface{}{}
	set := p.negatives[acct][campaignID]
	for _, kw := range keywords {
		if set[kw] {
			delete(set, kw)
			removed = append(removed, kw)
		}
	}

	return &engine.RegistryResponse{
		Success: true,
		Data: map[string]interface{}{
			"campaign_id": campaignID,
			"removed":     removed,
		},
	}, nil
}

func (p *AdPlatform) publishCreative(ctx context.Context, payload map[string]interface{}, creds *engine.Credentials) (*engine.RegistryResponse, error) {
	acct, err := account(creds)
	if err != nil {
		return nil, err
	}
	creativeID, err := stringField(payload, "creative_id")
	if err != nil {
		return nil, err
	}
	headline, err := stringField(payload, "headline")
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if resp := p.begin(OpPublishCreative); resp != nil {
		return resp, nil
	}

	if p.creatives[acct] == nil {
		p.creatives[acct] = make(map[string]string)
	}
	p.creatives[acct][creativeID] = headline

	return &engine.RegistryResponse{
		Success: true,
		Data: map[string]interface{}{
			"creative_id": creativeID,
			"status":      "PUBLISHED",
		},
		Compensable: true,
		CompensationData: map[string]interface{}{
			"operation_name": OpUnpublishCreative,
			"payload":        map[string]interface{}{"creative_id": creativeID},
		},
	}, nil
}

func (p *AdPlatform) unpublishCreative(ctx context.Context, payload map[string]interface{}, creds *engine.Credentials) (*engine.RegistryResponse, error) {
	acct, err := account(creds)
	if err != nil {
		return nil, err
	}
	creativeID, err := stringField(payload, "creative_id")
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if resp := p.begin(OpUnpublishCreative); resp != nil {
		return resp, nil
	}

	if _, ok := p.creatives[acct][creativeID]; !ok {
		return &engine.RegistryResponse{
			ErrorKind:    engine.ErrorKindResourceNotFound,
			ErrorMessage: fmt.Sprintf("creative %s not found", creativeID),
		}, nil
	}
	delete(p.creatives[acct], creativeID)

	return &engine.RegistryResponse{
		Success: true,
		Data: map[string]interface{}{
			"creative_id": creativeID,
			"status":      "REMOVED",
		},
	}, nil
}

func invalidPayload(format string, args ...interface{}) error {
	return engine.NewError(engine.ErrorKindInvalidPayload, fmt.Sprintf(format, args...), nil)
}

func stringField(payload map[string]interface{}, name string) (string, error) {
	s, ok := payload[name].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", invalidPayload("%s is required", name)
	}
	return s, nil
}

func numberField(payload map[string]interface{}, name string) (float64, error) {
	switch n := payload[name].(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, nil
		}
	}
	return 0, invalidPayload("%s must be a number", name)
}

func stringList(payload map[string]interface{}, name string) ([]string, error) {
	var out []string
	switch v := payload[name].(type) {
	case []string:
		out = v
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, invalidPayload("%s must be a list of strings", name)
			}
			out = append(out, s)
		}
	default:
		return nil, invalidPayload("%s must be a list of strings", name)
	}
	if len(out) == 0 {
		return nil, invalidPayload("%s must not be empty", name)
	}
	return out, nil
}
