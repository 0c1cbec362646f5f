package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avandros/coordinate"
	"github.com/avandros/coordinate/outbox"
)

// SagaStore persists saga instances. Instance writes and the outbox records
// accompanying them run in one SQLite transaction, which is the durability
// contract the orchestrator relies on.
type SagaStore struct {
	db *sql.DB
}

func (s *SagaStore) CreateInstance(ctx context.Context, instance *coordinate.Instance, events ...*outbox.Record) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		steps, err := json.Marshal(instance.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO saga_instances (id, type, status, input, steps, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			instance.ID.String(), instance.Type, instance.Status, []byte(instance.Input),
			steps, instance.CreatedAt.UnixNano(), time.Now().UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("insert saga instance: %w", err)
		}

		return insertOutboxRecords(ctx, tx, events)
	})
}

func (s *SagaStore) UpdateInstance(ctx context.Context, instance *coordinate.Instance, events ...*outbox.Record) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		steps, err := json.Marshal(instance.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE saga_instances SET status = ?, steps = ?, updated_at = ? WHERE id = ?`,
			instance.Status, steps, time.Now().UTC().UnixNano(), instance.ID.String())
		if err != nil {
			return fmt.Errorf("update saga instance: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if affected == 0 {
			return coordinate.ErrSagaNotFound
		}

		return insertOutboxRecords(ctx, tx, events)
	})
}

func (s *SagaStore) GetInstance(ctx context.Context, id uuid.UUID) (*coordinate.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, status, input, steps, created_at, updated_at
		 FROM saga_instances WHERE id = ?`, id.String())

	instance, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coordinate.ErrSagaNotFound
	}

	return instance, err
}

func (s *SagaStore) ListUnfinished(ctx context.Context) ([]*coordinate.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, status, input, steps, created_at, updated_at
		 FROM saga_instances WHERE status IN (?, ?) ORDER BY created_at`,
		coordinate.StatusRunning, coordinate.StatusCompensating)
	if err != nil {
		return nil, fmt.Errorf("list unfinished sagas: %w", err)
	}
	defer rows.Close()

	var instances []*coordinate.Instance

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}

		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

func (s *SagaStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*coordinate.Instance, error) {
	var (
		id                   string
		instance             coordinate.Instance
		input, steps         []byte
		createdAt, updatedAt int64
	)

	if err := row.Scan(&id, &instance.Type, &instance.Status, &input, &steps, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse saga id %q: %w", id, err)
	}
	instance.ID = parsed

	if err := json.Unmarshal(steps, &instance.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal saga steps: %w", err)
	}

	instance.Input = json.RawMessage(input)
	instance.CreatedAt = time.Unix(0, createdAt).UTC()
	instance.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &instance, nil
}
