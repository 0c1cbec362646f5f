package coordinate

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrSagaNotFound is returned when no instance exists for the given ID.
	ErrSagaNotFound = errors.New("saga not found")

	// ErrDefinitionNotFound is returned when a saga type was never registered.
	ErrDefinitionNotFound = errors.New("saga definition not found")

	// ErrDefinitionExists is returned when a saga type is registered twice.
	ErrDefinitionExists = errors.New("saga definition already registered")

	// ErrInvalidDefinition is returned by Register for malformed definitions.
	ErrInvalidDefinition = errors.New("invalid saga definition")

	ErrStoreRequired   = errors.New("saga store is required")
	ErrInvokerRequired = errors.New("gateway invoker is required")
)

// StepError reports the step failure that sent a saga into compensation.
type StepError struct {
	SagaID uuid.UUID
	Step   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %s failed: %v", e.SagaID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CompensationError reports a compensation that exhausted its retries. The
// saga is left FAILED and needs operator resolution; re-running compensation
// automatically cannot be done safely once retries are spent.
type CompensationError struct {
	SagaID uuid.UUID
	Step   string
	Err    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation for step %s exhausted retries: %v", e.SagaID, e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }
