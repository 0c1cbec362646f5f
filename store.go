package coordinate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avandros/coordinate/outbox"
)

// Store persists saga instances. Create and Update take the lifecycle events
// that accompany the mutation: implementations must commit the instance write
// and the outbox records in the same atomic unit of work, so an event never
// exists without its state change and vice versa.
type Store interface {
	// CreateInstance persists a new instance together with its events.
	CreateInstance(ctx context.Context, instance *Instance, events ...*outbox.Record) error

	// UpdateInstance persists an instance mutation together with its events.
	UpdateInstance(ctx context.Context, instance *Instance, events ...*outbox.Record) error

	// GetInstance returns the instance by ID, or ErrSagaNotFound.
	GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error)

	// ListUnfinished returns instances in RUNNING or COMPENSATING, oldest
	// first, for crash recovery.
	ListUnfinished(ctx context.Context) ([]*Instance, error)
}

// MemoryStore keeps saga instances in memory for tests and single-node use.
// It holds the outbox store so instance writes and event staging happen under
// one lock, which is this implementation's unit of work.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[uuid.UUID]*Instance
	outbox    *outbox.MemoryStore
}

// NewMemoryStore creates an empty store writing events to events.
func NewMemoryStore(events *outbox.MemoryStore) *MemoryStore {
	if events == nil {
		events = outbox.NewMemoryStore()
	}

	return &MemoryStore{
		instances: make(map[uuid.UUID]*Instance),
		outbox:    events,
	}
}

// Outbox exposes the event store the publisher drains.
func (m *MemoryStore) Outbox() *outbox.MemoryStore {
	return m.outbox
}

func (m *MemoryStore) CreateInstance(ctx context.Context, instance *Instance, events ...*outbox.Record) error {
	return m.save(ctx, instance, events)
}

func (m *MemoryStore) UpdateInstance(ctx context.Context, instance *Instance, events ...*outbox.Record) error {
	return m.save(ctx, instance, events)
}

func (m *MemoryStore) save(ctx context.Context, instance *Instance, events []*outbox.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := instance.Clone()
	stored.UpdatedAt = time.Now().UTC()

	if len(events) > 0 {
		if err := m.outbox.Append(ctx, events...); err != nil {
			return err
		}
	}

	m.instances[instance.ID] = stored

	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id uuid.UUID) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instance, ok := m.instances[id]
	if !ok {
		return nil, ErrSagaNotFound
	}

	return instance.Clone(), nil
}

func (m *MemoryStore) ListUnfinished(_ context.Context) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var unfinished []*Instance

	for _, instance := range m.instances {
		if !instance.Terminal() {
			unfinished = append(unfinished, instance.Clone())
		}
	}

	sort.Slice(unfinished, func(i, j int) bool {
		return unfinished[i].CreatedAt.Before(unfinished[j].CreatedAt)
	})

	return unfinished, nil
}
