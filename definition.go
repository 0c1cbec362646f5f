package coordinate

import (
	"encoding/json"
	"fmt"
	"time"
)

// Definition declares a saga type: an ordered list of steps. Step order is
// execution order, and compensation runs in the exact reverse of it.
//
// Definitions are registered once at startup and looked up by type name when
// a saga starts or is resumed after a restart. Since a restarted process only
// has the persisted instance to go on, everything needed to resume must be
// recoverable from the registered definition plus the instance's stored
// payloads.
type Definition struct {
	// Type names the saga, e.g. "place-order". Unique per registry.
	Type string
	// Steps in execution order. Must be non-empty.
	Steps []StepDefinition
}

// StepDefinition declares one remote step of a saga.
type StepDefinition struct {
	// Name identifies the step within its saga. Unique per definition.
	Name string
	// ServiceKey routes the call through the gateway and names the circuit
	// breaker guarding the collaborator.
	ServiceKey string
	// BuildRequest derives the step's request payload from the saga input.
	BuildRequest func(input json.RawMessage) (json.RawMessage, error)
	// Compensation semantically undoes this step after a later step fails.
	// Nil means the step needs no undo, e.g. a read or an idempotent no-op.
	Compensation *CompensationDefinition
	// Timeout bounds the step call. Zero falls back to the orchestrator's
	// default step timeout.
	Timeout time.Duration
}

// CompensationDefinition declares how to undo a step. BuildRequest runs
// immediately after the step succeeds, so the resulting action is persisted
// as plain data and survives a process restart.
type CompensationDefinition struct {
	ServiceKey string
	// BuildRequest derives the undo payload from the step's request and
	// result, e.g. extracting a reservation ID to release.
	BuildRequest func(request, result json.RawMessage) (json.RawMessage, error)
}

func (d *Definition) validate() error {
	if d.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidDefinition)
	}

	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: saga %q has no steps", ErrInvalidDefinition, d.Type)
	}

	seen := make(map[string]struct{}, len(d.Steps))

	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: saga %q step %d has no name", ErrInvalidDefinition, d.Type, i)
		}

		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("%w: saga %q declares step %q twice", ErrInvalidDefinition, d.Type, step.Name)
		}
		seen[step.Name] = struct{}{}

		if step.ServiceKey == "" {
			return fmt.Errorf("%w: saga %q step %q has no service key", ErrInvalidDefinition, d.Type, step.Name)
		}

		if step.BuildRequest == nil {
			return fmt.Errorf("%w: saga %q step %q has no request builder", ErrInvalidDefinition, d.Type, step.Name)
		}

		if step.Compensation != nil {
			if step.Compensation.ServiceKey == "" {
				return fmt.Errorf("%w: saga %q step %q compensation has no service key", ErrInvalidDefinition, d.Type, step.Name)
			}

			if step.Compensation.BuildRequest == nil {
				return fmt.Errorf("%w: saga %q step %q compensation has no request builder", ErrInvalidDefinition, d.Type, step.Name)
			}
		}
	}

	return nil
}
