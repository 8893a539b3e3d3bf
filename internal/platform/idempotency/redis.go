package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps idempotency records as JSON values with a Redis expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore constructs a Store backed by Redis.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "idempotency:"}
}

// Reserve claims key with SETNX; an existing record decides replay, pending or mismatch.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if s == nil || s.client == nil {
		return Reservation{}, errors.New("idempotency: redis client not configured")
	}
	record := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	// Two attempts cover a record expiring between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		stored, err := s.client.SetNX(ctx, s.redisKey(key), payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
		}
		if stored {
			return Reservation{State: ReservationStateNew, Record: record}, nil
		}

		existing, found, err := s.load(ctx, key)
		if err != nil {
			return Reservation{}, err
		}
		if !found {
			continue
		}
		if existing.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		if existing.Status == StatusCompleted {
			return Reservation{State: ReservationStateCompleted, Record: existing}, nil
		}
		return Reservation{State: ReservationStatePending, Record: existing}, nil
	}
	return Reservation{State: ReservationStatePending}, nil
}

// SaveResponse marks the reservation completed and stores the response for replay.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	existing, found, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if found && existing.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	record := Record{
		Key:             key,
		Fingerprint:     fingerprint,
		Status:          StatusCompleted,
		ResponseStatus:  resp.Status,
		ResponseHeaders: sanitizeHeaders(resp.Headers),
		ResponseBody:    resp.Body,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if found {
		record.CreatedAt = existing.CreatedAt
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	return nil
}

// Release drops a pending reservation so the client may retry.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	existing, found, err := s.load(ctx, key)
	if err != nil || !found {
		return err
	}
	if existing.Fingerprint != fingerprint || existing.Status == StatusCompleted {
		return nil
	}
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: load: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}
