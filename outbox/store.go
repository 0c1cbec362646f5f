package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// Store is the persistence contract the publisher polls. Implementations
// must keep ListPending ordered by creation time so per-aggregate delivery
// order can be preserved, and must make Append atomic with the business
// mutation it accompanies (see the sqlitestore package for the transactional
// backend; MemoryStore provides the in-process equivalent).
type Store interface {
	// Append stages records as PENDING.
	Append(ctx context.Context, records ...*Record) error

	// ListPending returns up to limit PENDING records ordered by creation.
	ListPending(ctx context.Context, limit int) ([]*Record, error)

	// MarkPublished transitions a record to PUBLISHED.
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error

	// MarkFailed records a delivery failure. The record stays PENDING for
	// retry until attempts reach maxAttempts, at which point it becomes
	// FAILED (dead-letter) and the publisher stops retrying it.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error

	// ListDeadLettered returns up to limit FAILED records for operator
	// inspection, ordered by creation.
	ListDeadLettered(ctx context.Context, limit int) ([]*Record, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
// Records are kept in a btree keyed by (createdAt, id) so pending scans come
// back in creation order without sorting on every poll.
type MemoryStore struct {
	mu      sync.Mutex
	ordered *btree.Map[string, *Record]
	byID    map[uuid.UUID]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ordered: btree.NewMap[string, *Record](16),
		byID:    make(map[uuid.UUID]string),
	}
}

func orderKey(record *Record) string {
	return fmt.Sprintf("%020d|%s", record.CreatedAt.UnixNano(), record.ID)
}

// Append implements Store. All records are staged under one lock acquisition
// so a multi-record append is observed atomically by the publisher.
func (m *MemoryStore) Append(ctx context.Context, records ...*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, record := range records {
		if record == nil {
			continue
		}

		copied := *record
		key := orderKey(&copied)
		m.ordered.Set(key, &copied)
		m.byID[copied.ID] = key
	}

	return nil
}

// ListPending implements Store.
func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Record, error) {
	return m.listByStatus(StatusPending, limit), nil
}

// ListDeadLettered implements Store.
func (m *MemoryStore) ListDeadLettered(ctx context.Context, limit int) ([]*Record, error) {
	return m.listByStatus(StatusFailed, limit), nil
}

func (m *MemoryStore) listByStatus(status string, limit int) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Record

	m.ordered.Scan(func(_ string, record *Record) bool {
		if record.Status == status {
			copied := *record
			result = append(result, &copied)
		}

		return limit <= 0 || len(result) < limit
	})

	return result
}

// MarkPublished implements Store.
func (m *MemoryStore) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.lookup(id)
	if err != nil {
		return err
	}

	record.Status = StatusPublished
	at := publishedAt.UTC()
	record.PublishedAt = &at

	return nil
}

// MarkFailed implements Store.
func (m *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.lookup(id)
	if err != nil {
		return err
	}

	record.Attempts++
	record.LastError = errMsg

	if maxAttempts > 0 && record.Attempts >= maxAttempts {
		record.Status = StatusFailed
	}

	return nil
}

// Get returns a copy of the record, primarily for tests.
func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	copied := *record

	return &copied, nil
}

func (m *MemoryStore) lookup(id uuid.UUID) (*Record, error) {
	key, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	record, ok := m.ordered.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	return record, nil
}
