package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avandros/coordinate/idempotency"
)

// IdempotencyStore persists idempotency records. The atomic reserve is a
// conditional upsert: the insert wins outright for a new key, and the ON
// CONFLICT update claims the row only when the previous reservation has
// expired.
type IdempotencyStore struct {
	db *sql.DB
}

func (s *IdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (*idempotency.Record, bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (key, status, result, result_error, created_at, expires_at)
		 VALUES (?, ?, NULL, '', ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     status = excluded.status,
		     result = NULL,
		     result_error = '',
		     created_at = excluded.created_at,
		     expires_at = excluded.expires_at
		 WHERE idempotency_records.expires_at <= excluded.created_at`,
		key, idempotency.StatusInProgress, now.UnixNano(), expiresAt.UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if affected > 0 {
		return nil, true, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}

	return existing, false, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, result []byte, resultError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records SET status = ?, result = ?, result_error = ? WHERE key = ?`,
		idempotency.StatusCompleted, result, resultError, key)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return idempotency.ErrNotFound
	}

	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, status, result, result_error, created_at, expires_at
		 FROM idempotency_records WHERE key = ? AND expires_at > ?`,
		key, time.Now().UTC().UnixNano())

	var (
		record               idempotency.Record
		createdAt, expiresAt int64
	)

	err := row.Scan(&record.Key, &record.Status, &record.Result, &record.ResultError, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	record.CreatedAt = time.Unix(0, createdAt).UTC()
	record.ExpiresAt = time.Unix(0, expiresAt).UTC()

	return &record, nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}

	return nil
}
