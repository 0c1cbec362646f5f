package idempotency

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
// Reservation atomicity comes from xsync's per-key Compute.
type MemoryStore struct {
	records *xsync.MapOf[string, *Record]
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: xsync.NewMapOf[string, *Record](),
		now:     time.Now,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (*Record, bool, error) {
	now := s.now().UTC()

	var (
		existing *Record
		reserved bool
	)

	s.records.Compute(key, func(old *Record, loaded bool) (*Record, bool) {
		if loaded && !old.Expired(now) {
			existing = old.clone()

			return old, false
		}

		reserved = true

		return &Record{
			Key:       key,
			Status:    StatusInProgress,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}, false
	})

	return existing, reserved, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, result []byte, resultError string) error {
	var found bool

	s.records.Compute(key, func(old *Record, loaded bool) (*Record, bool) {
		if !loaded {
			return nil, true
		}

		found = true

		updated := old.clone()
		updated.Status = StatusCompleted
		updated.Result = append([]byte(nil), result...)
		updated.ResultError = resultError

		return updated, false
	})

	if !found {
		return ErrNotFound
	}

	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	record, ok := s.records.Load(key)
	if !ok || record.Expired(s.now().UTC()) {
		return nil, ErrNotFound
	}

	return record.clone(), nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.records.Delete(key)

	return nil
}

func (r *Record) clone() *Record {
	clone := *r
	clone.Result = append([]byte(nil), r.Result...)

	return &clone
}
