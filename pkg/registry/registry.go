package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/actuator/pkg/engine"
)

// HandlerFunc executes one operation against the external platform.
type HandlerFunc func(ctx context.Context, payload map[string]interface{}, creds *engine.Credentials) (*engine.RegistryResponse, error)

// Operation is a registered, versioned operation.
type Operation struct {
	// Name is the registry address, "base_name@version".
	Name string

	// Integration groups operations behind one breaker and one quota.
	Integration string

	Description string

	Handler HandlerFunc
}

// Quota limits calls to an integration: Rate requests per second with
// bursts of up to Burst.
type Quota struct {
	Rate  float64 `yaml:"rate" json:"rate" validate:"gt=0"`
	Burst int     `yaml:"burst" json:"burst" validate:"gte=1"`
}

// Registry is an in-process operation registry. It implements
// engine.Registry.
type Registry struct {
	mu         sync.RWMutex
	operations map[string]Operation
	limiters   map[string]*rate.Limiter
	logger     zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		operations: make(map[string]Operation),
		limiters:   make(map[string]*rate.Limiter),
		logger:     logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds an operation. Names must be "base_name@version" and unique.
func (r *Registry) Register(op Operation) error {
	base, version := engine.SplitOperationName(op.Name)
	if base == "" || version == "" {
		return fmt.Errorf("operation name %q must be base_name@version", op.Name)
	}
	if op.Handler == nil {
		return fmt.Errorf("operation %s has no handler", op.Name)
	}
	if op.Integration == "" {
		op.Integration = engine.DefaultIntegration
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.operations[op.Name]; exists {
		return fmt.Errorf("operation %s already registered", op.Name)
	}
	r.operations[op.Name] = op

	r.logger.Debug().
		Str("operation", op.Name).
		Str("integration", op.Integration).
		Msg("Operation registered")
	return nil
}

// SetQuota limits calls to an integration. Calls over the quota fail with
// QUOTA_EXCEEDED, which the dispatcher retries.
func (r *Registry) SetQuota(integration string, q Quota) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[integration] = rate.NewLimiter(rate.Limit(q.Rate), q.Burst)
}

// Operations lists the registered operation names, sorted.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.operations))
	for name := range r.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a registered operation.
func (r *Registry) Lookup(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operations[name]
	return op, ok
}

// Integration implements engine.Registry.
func (r *Registry) Integration(operationName string) string {
	if op, ok := r.Lookup(operationName); ok {
		return op.Integration
	}
	return engine.DefaultIntegration
}

// Invoke implements engine.Registry.
func (r *Registry) Invoke(ctx context.Context, operationName string, payload map[string]interface{}, creds *engine.Credentials) (*engine.RegistryResponse, error) {
	r.mu.RLock()
	op, ok := r.operations[operationName]
	limiter := r.limiters[op.Integration]
	r.mu.RUnlock()

	if !ok {
		return &engine.RegistryResponse{
			ErrorKind:    engine.ErrorKindResourceNotFound,
			ErrorMessage: fmt.Sprintf("operation %s is not registered", operationName),
		}, nil
	}

	if limiter != nil && !limiter.Allow() {
		r.logger.Debug().
			Str("operation", operationName).
			Str("integration", op.Integration).
			Msg("Integration quota exceeded")
		return &engine.RegistryResponse{
			ErrorKind:    engine.ErrorKindQuotaExceeded,
			ErrorMessage: fmt.Sprintf("quota exceeded for integration %s", op.Integration),
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return op.Handler(ctx, payload, creds)
}

var _ engine.Registry = (*Registry)(nil)
