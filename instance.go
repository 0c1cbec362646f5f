package coordinate

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Saga instance statuses. COMPLETED, COMPENSATED, and FAILED are terminal.
const (
	StatusRunning      = "RUNNING"
	StatusCompensating = "COMPENSATING"
	StatusCompleted    = "COMPLETED"
	StatusCompensated  = "COMPENSATED"
	StatusFailed       = "FAILED"
)

// Step statuses.
const (
	StepPending     = "PENDING"
	StepSucceeded   = "SUCCEEDED"
	StepFailed      = "FAILED"
	StepCompensated = "COMPENSATED"
)

// Instance is the durable record of one saga execution. It is owned
// exclusively by the orchestrator: created on start, mutated only between
// step boundaries, and retained after it reaches a terminal status.
type Instance struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Input     json.RawMessage `json:"input,omitempty"`
	Steps     []*StepRecord   `json:"steps"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StepRecord tracks one step of a saga instance. The result and the
// materialized compensation action are persisted before the next step is
// attempted, so recovery after a crash never loses a completed side effect.
type StepRecord struct {
	Name         string              `json:"name"`
	Status       string              `json:"status"`
	Request      json.RawMessage     `json:"request,omitempty"`
	Result       json.RawMessage     `json:"result,omitempty"`
	Attempts     int                 `json:"attempts"`
	Error        string              `json:"error,omitempty"`
	Compensation *CompensationAction `json:"compensation,omitempty"`
}

// CompensationAction is a fully materialized undo call: service key plus the
// exact request payload, built from the step's request and result at the
// moment the step succeeded. Storing the payload rather than a closure is
// what lets a restarted process resume a COMPENSATING saga.
type CompensationAction struct {
	ServiceKey string          `json:"service_key"`
	Request    json.RawMessage `json:"request"`
	Attempts   int             `json:"attempts"`
}

// Terminal reports whether the instance has reached a final status.
func (i *Instance) Terminal() bool {
	switch i.Status {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy so stored instances never alias caller memory.
func (i *Instance) Clone() *Instance {
	clone := *i
	clone.Input = append(json.RawMessage(nil), i.Input...)
	clone.Steps = make([]*StepRecord, len(i.Steps))

	for idx, step := range i.Steps {
		stepCopy := *step
		stepCopy.Request = append(json.RawMessage(nil), step.Request...)
		stepCopy.Result = append(json.RawMessage(nil), step.Result...)

		if step.Compensation != nil {
			compCopy := *step.Compensation
			compCopy.Request = append(json.RawMessage(nil), step.Compensation.Request...)
			stepCopy.Compensation = &compCopy
		}

		clone.Steps[idx] = &stepCopy
	}

	return &clone
}

// View is the read-only shape returned to status callers.
type View struct {
	ID        uuid.UUID  `json:"id"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Steps     []StepView `json:"steps"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StepView summarizes one step for status callers.
type StepView struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func (i *Instance) view() *View {
	view := &View{
		ID:        i.ID,
		Type:      i.Type,
		Status:    i.Status,
		Steps:     make([]StepView, len(i.Steps)),
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}

	for idx, step := range i.Steps {
		view.Steps[idx] = StepView{
			Name:     step.Name,
			Status:   step.Status,
			Attempts: step.Attempts,
			Error:    step.Error,
		}
	}

	return view
}
