package cache

import (
	"context"
	"time"

	"github.com/cachemesh/cachemesh/policy"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictPolicy — chosen by the eviction policy under capacity pressure.
	EvictPolicy EvictReason = iota
	// EvictTTL — expired by TTL (lazily on access or by the sweeper).
	EvictTTL
	// EvictCapacity — removed to satisfy the byte-capacity limit when the
	// policy declined to pick a victim from the sample.
	EvictCapacity
)

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int, bytes int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures the cache behavior. Sane defaults are applied in New():
//   - Segments <= 0       => 16 (rounded up to a power of two)
//   - nil Policy          => sampled frequency+recency (sampledlfu)
//   - nil Weigher         => every entry weighs 1 (capacity counts entries)
//   - EvictionSample <= 0 => 5
//   - SweepInterval == 0  => 1s (negative disables the sweeper)
//   - SweepSample <= 0    => 20
//   - nil Metrics         => NoopMetrics
type Options[K comparable, V any] struct {
	// TotalCapacityBytes is the byte budget across all segments; it is
	// split evenly per segment (ceil) so locking granularity stays
	// meaningful. Must be > 0.
	TotalCapacityBytes int64

	// Segments is the number of independently locked partitions.
	Segments int

	// MaxValueBytes rejects oversized values on Put. Zero means "anything
	// that fits a segment", i.e. up to the per-segment capacity.
	MaxValueBytes int64

	// Weigher reports the weight (bytes) of an entry.
	Weigher func(k K, v V) int64

	// Policy selects eviction victims; nil => sampledlfu with defaults.
	Policy policy.Policy[K, V]

	// EvictionSample is the number of uniformly sampled candidates scored
	// per eviction.
	EvictionSample int

	// SweepInterval is the background expiry sweeper tick. Each tick scans
	// a bounded random sample of entries per segment, purging expired ones
	// and decaying frequency counters, so background cost is independent
	// of store size. Negative disables the sweeper (lazy expiry remains).
	SweepInterval time.Duration

	// SweepSample is the number of entries examined per segment per tick.
	SweepSample int

	// DefaultTTL applies when Put/Add is called with a non-positive ttl
	// (0 = entries do not expire).
	DefaultTTL time.Duration

	// Loader fetches a value on cache miss. Used by GetOrLoad.
	Loader func(ctx context.Context, k K) (V, error)

	// OnEvict is called for every eviction under the segment lock; keep
	// callbacks lightweight. Explicit Delete does not trigger it.
	// Write-back sinks for dirty entries attach here.
	OnEvict func(k K, v V, reason EvictReason)

	// Metrics receives Hit/Miss/Evict/Size signals.
	Metrics Metrics

	// Clock allows overriding the time source (tests). Nil => time.Now().
	Clock Clock
}
