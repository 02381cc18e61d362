package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "cache:"

// RedisStore persists entries in the external cache store. Entries carry
// their own TTL so the store expires them without coordination.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, e *Entry) error {
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}
