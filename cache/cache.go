package cache

import (
	"context"
	"time"
)

// Store is the key-value surface the enqueue deduplication needs: an
// atomic write-if-absent with TTL, plus delete. The cache is advisory;
// sync correctness never depends on it, only deduplication quality.
type Store interface {
	// SetIfAbsent writes key with the given TTL if no live entry exists.
	// Returns true when the write happened.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
