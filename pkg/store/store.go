// Package store defines the durable local key/value store contract used by
// the request cache (optional, for cross-restart survival) and the offline
// sync queue (mandatory, for task durability).
//
// Implementations must survive process restart, except the in-memory store
// which exists for tests and memory-only cache operation.
package store

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is a durable key/value store.
type Store interface {
	// Put stores value under key, overwriting any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all key/value pairs whose key starts with prefix.
	// An empty prefix lists everything.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Close releases underlying resources.
	Close() error
}
