package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avandros/coordinate/outbox"
)

// OutboxStore persists outbox records. Append runs in its own transaction
// for standalone callers; records staged alongside a saga mutation go
// through SagaStore instead so they share its transaction.
type OutboxStore struct {
	db *sql.DB
}

func (s *OutboxStore) Append(ctx context.Context, records ...*outbox.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := insertOutboxRecords(ctx, tx, records); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]*outbox.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, status, attempts, last_error, created_at, published_at
		 FROM outbox_records WHERE status = ? ORDER BY created_at LIMIT ?`,
		outbox.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox records: %w", err)
	}
	defer rows.Close()

	return scanOutboxRecords(rows)
}

func (s *OutboxStore) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_records SET status = ?, published_at = ? WHERE id = ?`,
		outbox.StatusPublished, publishedAt.UTC().UnixNano(), id.String())
	if err != nil {
		return fmt.Errorf("mark outbox record published: %w", err)
	}

	return requireAffected(res)
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_records
		 SET attempts = attempts + 1,
		     last_error = ?,
		     status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END
		 WHERE id = ?`,
		errMsg, maxAttempts, outbox.StatusFailed, id.String())
	if err != nil {
		return fmt.Errorf("mark outbox record failed: %w", err)
	}

	return requireAffected(res)
}

func (s *OutboxStore) ListDeadLettered(ctx context.Context, limit int) ([]*outbox.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, status, attempts, last_error, created_at, published_at
		 FROM outbox_records WHERE status = ? ORDER BY created_at LIMIT ?`,
		outbox.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered outbox records: %w", err)
	}
	defer rows.Close()

	return scanOutboxRecords(rows)
}

// insertOutboxRecords stages records inside the caller's transaction. Shared
// with SagaStore so lifecycle events commit with the instance mutation.
func insertOutboxRecords(ctx context.Context, tx *sql.Tx, records []*outbox.Record) error {
	for _, record := range records {
		var publishedAt any
		if record.PublishedAt != nil {
			publishedAt = record.PublishedAt.UTC().UnixNano()
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO outbox_records (id, aggregate_id, event_type, payload, status, attempts, last_error, created_at, published_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID.String(), record.AggregateID, record.EventType, []byte(record.Payload),
			record.Status, record.Attempts, record.LastError, record.CreatedAt.UnixNano(), publishedAt)
		if err != nil {
			return fmt.Errorf("insert outbox record: %w", err)
		}
	}

	return nil
}

func scanOutboxRecords(rows *sql.Rows) ([]*outbox.Record, error) {
	var records []*outbox.Record

	for rows.Next() {
		var (
			id          string
			record      outbox.Record
			payload     []byte
			createdAt   int64
			publishedAt sql.NullInt64
		)

		err := rows.Scan(&id, &record.AggregateID, &record.EventType, &payload,
			&record.Status, &record.Attempts, &record.LastError, &createdAt, &publishedAt)
		if err != nil {
			return nil, err
		}

		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse outbox record id %q: %w", id, err)
		}

		record.ID = parsed
		record.Payload = payload
		record.CreatedAt = time.Unix(0, createdAt).UTC()

		if publishedAt.Valid {
			at := time.Unix(0, publishedAt.Int64).UTC()
			record.PublishedAt = &at
		}

		records = append(records, &record)
	}

	return records, rows.Err()
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return outbox.ErrRecordNotFound
	}

	return nil
}
