package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/actuator/pkg/engine"
)

// Plan file formats.
const (
	FormatCUE  = "cue"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ValidationError is one problem found in a plan document.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// PlanError reports every validation error of one plan document.
type PlanError struct {
	Source string
	Errors []ValidationError
}

func (e *PlanError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid plan %s: %s", e.Source, strings.Join(msgs, "; "))
}

// PlanLoader loads ActionPlans from CUE, JSON or YAML documents and
// validates them against the built-in #ActionPlan schema.
type PlanLoader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewPlanLoader creates a plan loader.
func NewPlanLoader() *PlanLoader {
	return &PlanLoader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// GetSchemaRegistry returns the schema registry.
func (pl *PlanLoader) GetSchemaRegistry() *SchemaRegistry {
	return pl.schemas
}

// LoadPlan reads and validates the plan at path. The format follows the
// file extension.
func (pl *PlanLoader) LoadPlan(ctx context.Context, path string) (*engine.ActionPlan, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}

	return pl.ParsePlan(ctx, path, format, content)
}

// FormatOf returns the plan format for a file name.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported plan format %q (want .cue, .json or .yaml)", filepath.Ext(path))
	}
}

// ParsePlan validates plan content in the given format. source names the
// document in errors.
func (pl *PlanLoader) ParsePlan(ctx context.Context, source, format string, content []byte) (*engine.ActionPlan, error) {
	val, err := pl.compile(source, format, content)
	if err != nil {
		return nil, err
	}

	unified, err := pl.schemas.Unify(SchemaActionPlan, val)
	if err != nil {
		return nil, &PlanError{Source: source, Errors: convertCUEErrors(err)}
	}

	// Exporting applies schema defaults before decoding.
	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export plan %s: %w", source, err)
	}

	var plan engine.ActionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, &PlanError{Source: source, Errors: []ValidationError{{Message: err.Error()}}}
	}

	if err := pl.validator.Struct(&plan); err != nil {
		return nil, &PlanError{Source: source, Errors: []ValidationError{{Message: err.Error()}}}
	}

	return &plan, nil
}

// compile turns a document into a CUE value in the schema registry's context.
func (pl *PlanLoader) compile(source, format string, content []byte) (cue.Value, error) {
	cctx := pl.schemas.Context()

	switch format {
	case FormatCUE:
		val := cctx.CompileBytes(content, cue.Filename(source))
		if err := val.Err(); err != nil {
			return cue.Value{}, &PlanError{Source: source, Errors: convertCUEErrors(err)}
		}
		return val, nil

	case FormatJSON:
		var doc map[string]interface{}
		if err := json.Unmarshal(content, &doc); err != nil {
			return cue.Value{}, &PlanError{Source: source, Errors: []ValidationError{{File: source, Message: err.Error()}}}
		}
		return pl.encode(source, doc)

	case FormatYAML:
		var doc map[string]interface{}
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return cue.Value{}, &PlanError{Source: source, Errors: []ValidationError{{File: source, Message: err.Error()}}}
		}
		return pl.encode(source, doc)

	default:
		return cue.Value{}, fmt.Errorf("unsupported plan format %q", format)
	}
}

func (pl *PlanLoader) encode(source string, doc map[string]interface{}) (cue.Value, error) {
	if doc == nil {
		return cue.Value{}, &PlanError{Source: source, Errors: []ValidationError{{File: source, Message: "empty document"}}}
	}
	val := pl.schemas.Context().Encode(doc)
	if err := val.Err(); err != nil {
		return cue.Value{}, &PlanError{Source: source, Errors: convertCUEErrors(err)}
	}
	return val, nil
}

// convertCUEErrors converts CUE errors to a ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}

		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}

		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}
