// Package store provides the key/value persistence contract used for cached
// credentials, subscription records, and track state, backed by Redis.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the key/value contract the rest of the service depends on.
// Implementations must keep Scan incremental so large keyspaces never block
// the backend the way a KEYS sweep would.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key with no expiry.
	Set(ctx context.Context, key, value string) error

	// SetWithTTL writes key with an expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Expire sets a TTL on an existing key. It reports whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Scan returns all keys with the given prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
