package ports

import (
	"context"
	"time"
)

// ErrCacheMiss is returned by Cache implementations when a key is absent.
// Callers treat a miss as "go fetch", never as a failure.
type cacheMissError struct{}

func (cacheMissError) Error() string { return "cache: key not found" }

var ErrCacheMiss error = cacheMissError{}

// Cache defines the contract for the shared result cache. Values are opaque
// byte payloads; encryption, when enabled, happens inside the implementation.
type Cache interface {
	// Get returns the cached payload for key, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores payload under key with the given TTL.
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Lifecycle
	Close() error
}
