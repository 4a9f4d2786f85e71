package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaActionPlan is the name of the built-in ActionPlan schema.
const SchemaActionPlan = "action_plan"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas always compile.
	if err := sr.RegisterSchema(SchemaActionPlan, builtinActionPlanSchema); err != nil {
		panic(err)
	}

	return sr
}

// Context returns the CUE context the schemas are compiled in. Values
// validated against them must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema registers a CUE schema with the given name. Built-in
// schemas are stored as their root definition.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	if def, ok := rootDefinitions[name]; ok {
		val = val.LookupPath(cue.ParsePath(def))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no %s definition", name, def)
		}
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with a named schema and checks the result is concrete.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var rootDefinitions = map[string]string{
	SchemaActionPlan: "#ActionPlan",
}

const builtinActionPlanSchema = `
// Operation names address the registry as base_name@version.
#OperationName: string & =~"^[A-Za-z0-9_.-]+@[A-Za-z0-9_.-]+$"

#Priority: string & =~"^(?i)(low|medium|high|critical)$"

#Compensation: {
	operation_name?: #OperationName
	params?: {...}
}

#PlannedOperation: {
	operation_name: #OperationName
	params: {...} | *{}
	priority?:               #Priority
	estimated_impact?:       string
	requires_manual_review?: bool
	compensation?:           #Compensation
}

#ActionPlan: {
	plan_id:   string & !=""
	agent_id?: string
	tenant_id: string & !=""

	// Operations run by priority, then in the order listed.
	operations: [#PlannedOperation, ...#PlannedOperation]

	risk_score:         *0 | number & >=0
	requires_approval?: bool
}
`

// ValidatePlanDocument validates decoded plan data against the ActionPlan schema.
func (sr *SchemaRegistry) ValidatePlanDocument(ctx context.Context, doc map[string]interface{}) error {
	return sr.ValidateAgainstSchema(ctx, SchemaActionPlan, doc)
}
