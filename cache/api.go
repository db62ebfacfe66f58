package cache

import (
	"context"
	"time"
)

// Cache is a segmented, in-memory key/value store with byte-based capacity,
// per-entry TTL, and sampled frequency+recency eviction.
// All methods are safe for concurrent use by multiple goroutines.
//
// Typical complexity for operations is amortized O(1):
// a map lookup plus constant-time list adjustments under a segment lock.
// Eviction is O(k) for the configured sample size k.
type Cache[K comparable, V any] interface {
	// Get returns the value for k and a boolean flag indicating presence.
	// An entry whose expiry deadline has passed is purged and reported as
	// a miss: Get never returns a value whose deadline is strictly past.
	Get(k K) (V, bool)

	// GetWithTTL is Get plus the remaining time to live.
	// A zero duration means the entry has no expiry deadline.
	GetWithTTL(k K) (V, time.Duration, bool)

	// Put inserts or updates k→v with a per-key TTL (relative duration).
	// A non-positive ttl falls back to DefaultTTL (0 = no expiration).
	// Values whose weight exceeds the configured maximum are rejected with
	// ErrValueTooLarge; they are never truncated.
	Put(k K, v V, ttl time.Duration) error

	// Add inserts k→v only if k is not present.
	// Returns false if the key already exists (no update is performed).
	Add(k K, v V, ttl time.Duration) (bool, error)

	// Delete removes k if present and returns true on success.
	Delete(k K) bool

	// Len returns the total number of resident entries across all segments.
	Len() int

	// SizeBytes returns the total weight of resident entries.
	// It never exceeds the configured capacity after an operation completes.
	SizeBytes() int64

	// GetOrLoad returns the value for k, loading it via Options.Loader on
	// miss. Concurrent loads for the same key are coalesced: at most one
	// loader call is in flight per key. If no Loader was configured,
	// returns ErrNoLoader.
	GetOrLoad(ctx context.Context, k K) (V, error)

	// Close stops the background expiry sweeper and marks the cache
	// closed. Operations on a closed cache are no-ops.
	Close() error
}
