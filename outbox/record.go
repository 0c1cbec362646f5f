// Package outbox implements the transactional outbox pattern: events are
// staged durably in the same unit of work as the state change they describe,
// and a background publisher delivers them to a transport with at-least-once
// semantics. This removes the dual-write failure mode where a state update
// commits but its notification is lost, or vice versa.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record statuses. A record is PENDING until the publisher delivers it, and
// FAILED once delivery attempts are exhausted (dead-letter; an operator must
// resolve it, it is never silently dropped).
const (
	StatusPending   = "PENDING"
	StatusPublished = "PUBLISHED"
	StatusFailed    = "FAILED"
)

// MaxPayloadBytes bounds a single event payload.
const MaxPayloadBytes = 1 << 20

var (
	ErrAggregateIDRequired = errors.New("outbox: aggregate id is required")
	ErrEventTypeRequired   = errors.New("outbox: event type is required")
	ErrPayloadRequired     = errors.New("outbox: payload is required")
	ErrPayloadNotJSON      = errors.New("outbox: payload must be valid JSON")
	ErrPayloadTooLarge     = errors.New("outbox: payload exceeds max size")
	ErrRecordNotFound      = errors.New("outbox: record not found")
)

// Record is one staged event awaiting delivery.
type Record struct {
	ID          uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
	Status      string
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// NewRecord creates a validated pending record.
func NewRecord(aggregateID, eventType string, payload []byte) (*Record, error) {
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return nil, ErrAggregateIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	return &Record{
		ID:          uuid.New(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
