package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StepStatus represents the status of a saga step in the audit journal.
type StepStatus string

const (
	// StepStatusPending indicates the step is recorded but not yet started.
	StepStatusPending StepStatus = "PENDING"

	// StepStatusRunning indicates the step is currently executing.
	StepStatusRunning StepStatus = "RUNNING"

	// StepStatusCompleted indicates the step was applied successfully.
	StepStatusCompleted StepStatus = "COMPLETED"

	// StepStatusFailed indicates the step failed.
	StepStatusFailed StepStatus = "FAILED"

	// StepStatusCompensated indicates a completed step was rolled back.
	StepStatusCompensated StepStatus = "COMPENSATED"

	// StepStatusPendingApproval indicates the step is parked until a human approves it.
	StepStatusPendingApproval StepStatus = "PENDING_APPROVAL"
)

// IsTerminal returns true if the status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusCompensated
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted,
		StepStatusFailed, StepStatusCompensated, StepStatusPendingApproval:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// SagaStatus represents the overall status of a saga.
type SagaStatus string

const (
	// SagaStatusRunning indicates the plan run is in progress.
	SagaStatusRunning SagaStatus = "RUNNING"

	// SagaStatusCompleted indicates every step succeeded.
	SagaStatusCompleted SagaStatus = "COMPLETED"

	// SagaStatusFailed indicates the run halted on a failure without rollback.
	SagaStatusFailed SagaStatus = "FAILED"

	// SagaStatusCompensated indicates the run halted and applied steps were rolled back.
	SagaStatusCompensated SagaStatus = "COMPENSATED"

	// SagaStatusPartial indicates the run finished with failed or parked steps.
	SagaStatusPartial SagaStatus = "PARTIAL"
)

// IsTerminal returns true if the saga will not change status anymore.
func (s SagaStatus) IsTerminal() bool {
	return s != SagaStatusRunning
}

// Validate checks if the saga status is valid.
func (s SagaStatus) Validate() error {
	switch s {
	case SagaStatusRunning, SagaStatusCompleted, SagaStatusFailed,
		SagaStatusCompensated, SagaStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid saga status: %s", s)
	}
}

// BreakerState represents the state of a failure breaker.
type BreakerState int

const (
	// BreakerClosed allows calls through normally.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects all calls without contacting the integration.
	BreakerOpen

	// BreakerHalfOpen allows a limited number of trial calls.
	BreakerHalfOpen
)

// String returns the persisted name for the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Priority orders planned operations. Higher priorities execute first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityMedium:   "MEDIUM",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

// String returns the upper-case name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return PriorityLow, fmt.Errorf("invalid priority: %q", s)
}

// MarshalJSON encodes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	if _, ok := priorityNames[p]; !ok {
		return nil, fmt.Errorf("invalid priority: %d", int(p))
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority name. An empty string means LOW.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	if s == "" {
		*p = PriorityLow
		return nil
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// UnmarshalYAML decodes a priority name from YAML.
func (p *Priority) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*p = PriorityLow
		return nil
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
