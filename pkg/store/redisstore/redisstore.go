// Package redisstore provides a Redis-backed durable store for deployments
// that already run Redis and want queue/cache state shared off-process.
package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nivael/syncline/pkg/store"
)

// Store implements the durable store contract on top of Redis.
// Durability depends on the Redis persistence configuration (AOF/RDB).
type Store struct {
	client *redis.Client
	prefix string
}

// New creates a Redis-backed store. All keys are namespaced under prefix
// so several stores can share one Redis database.
func New(client *redis.Client, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "syncline:"
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get returns the value for key, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// List returns all entries whose key starts with prefix, scanning
// incrementally to avoid blocking Redis on large keyspaces.
func (s *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	pattern := s.prefix + prefix + "*"

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, fullKey := range keys {
			value, err := s.client.Get(ctx, fullKey).Bytes()
			if err == redis.Nil {
				// Deleted between scan and get.
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("redis get %q: %w", fullKey, err)
			}
			out[fullKey[len(s.prefix):]] = value
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
