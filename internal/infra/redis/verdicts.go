package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "collector:"
	scanBatch        = 500
)

// VerdictStore keeps encoded validation verdicts in Redis so every instance
// shares one cache.
type VerdictStore struct {
	client *Client
	prefix string
}

// NewVerdictStore creates a store whose keys are namespaced by prefix.
func NewVerdictStore(client *Client, prefix string) *VerdictStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &VerdictStore{client: client, prefix: prefix}
}

func (s *VerdictStore) key(k string) string {
	return s.prefix + k
}

// Get returns the stored value and whether it was present.
func (s *VerdictStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get failed: %w", err)
	}
	return val, true, nil
}

// Set stores value with a TTL.
func (s *VerdictStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// Delete removes one key. Missing keys are not an error.
func (s *VerdictStore) Delete(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return nil
}

// Clear removes every key under the store prefix.
func (s *VerdictStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.rdb.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("del failed: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Len counts keys under the store prefix.
func (s *VerdictStore) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := s.client.rdb.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return 0, fmt.Errorf("scan failed: %w", err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}
