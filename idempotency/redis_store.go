package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisStore keeps idempotency records in Redis. The atomic reservation is a
// single SET NX PX, and record expiry rides on the key TTL so no sweeper is
// needed.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store over an established Redis client.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (*Record, bool, error) {
	now := time.Now().UTC()

	record := &Record{
		Key:       key,
		Status:    StatusInProgress,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, false, fmt.Errorf("marshal idempotency record: %w", err)
	}

	for {
		ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, payload, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx: %w", err)
		}

		if ok {
			return nil, true, nil
		}

		existing, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			// The holder's key expired between our SETNX and GET; claim again.
			continue
		}

		if err != nil {
			return nil, false, err
		}

		return existing, false, nil
	}
}

func (s *RedisStore) Complete(ctx context.Context, key string, result []byte, resultError string) error {
	record, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	record.Status = StatusCompleted
	record.Result = result
	record.ResultError = resultError

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	// KeepTTL preserves the retention window set at reservation time.
	if err := s.client.Set(ctx, redisKeyPrefix+key, payload, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}

	return &record, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}
