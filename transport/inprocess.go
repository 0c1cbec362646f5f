package transport

import (
	"context"
	"fmt"
	"sync"
)

// Handler consumes one delivered event. Outbox delivery is at-least-once, so
// handlers must tolerate duplicates.
type Handler func(ctx context.Context, payload []byte) error

// InProcess dispatches events to handlers registered by event type, for
// tests and deployments where producer and consumer share a process.
type InProcess struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewInProcess creates an empty in-process transport.
func NewInProcess() *InProcess {
	return &InProcess{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for eventType. Multiple handlers per type
// are invoked in registration order.
func (t *InProcess) Subscribe(eventType string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[eventType] = append(t.handlers[eventType], handler)
}

// Publish delivers the event to every subscribed handler synchronously. A
// handler error fails the publish, so the outbox retries the record.
func (t *InProcess) Publish(ctx context.Context, eventType string, payload []byte) error {
	t.mu.RLock()
	handlers := append([]Handler(nil), t.handlers[eventType]...)
	t.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, payload); err != nil {
			return fmt.Errorf("handle %s: %w", eventType, err)
		}
	}

	return nil
}
