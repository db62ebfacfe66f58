// Package cache provides the node-local entry store: a segmented, generic,
// in-memory key/value cache with byte-based capacity, per-entry TTL, and a
// sampled frequency+recency eviction policy.
//
// # Design
//
//   - Concurrency: the store is split into segments, each protected by its
//     own mutex, so operations on keys in different segments never block
//     each other. Within a segment, operations are linearized by the
//     segment lock; across segments no ordering is guaranteed or required.
//
//   - Storage: each segment keeps a map[K]*entry for lookups, an intrusive
//     MRU↔LRU doubly linked list for recency ordering, and a dense index
//     slice for O(1) uniform sampling. All operations are O(1) expected.
//
//   - Eviction: capacity is a byte budget split evenly across segments.
//     Under pressure, a small uniform sample of resident entries is scored
//     by the active policy (frequency + recency by default; see package
//     policy/sampledlfu) and the lowest-scoring candidate is evicted. This
//     bounds eviction cost to O(k) for the fixed sample size k regardless
//     of store size. Policies are pluggable via the policy package.
//
//   - TTL: entries carry absolute UnixNano deadlines. Expiry is enforced
//     lazily on every Get (an expired entry is purged and treated as a
//     miss) and proactively by a background sweeper that examines a
//     bounded random sample of entries per tick, so a Get never returns a
//     value whose deadline is strictly past and background CPU stays
//     independent of store size. The sweeper also decays frequency
//     counters, aging out stale popularity.
//
//   - Oversized values: Put rejects values heavier than the configured
//     maximum with ErrValueTooLarge instead of silently truncating.
//
//   - GetOrLoad: concurrent miss loads for the same key are coalesced so
//     at most one Loader call is in flight per key per node.
//
//   - Observability: Options.Metrics receives Hit/Miss/Evict/Size signals;
//     NoopMetrics is the default and metrics/prom provides a Prometheus
//     adapter. Options.OnEvict is the write-back hook for dirty entries.
//
// # Basic usage
//
//	c := cache.New[string, []byte](cache.Options[string, []byte]{
//	    TotalCapacityBytes: 64 << 20,
//	    Weigher:            func(k string, v []byte) int64 { return int64(len(k) + len(v)) },
//	})
//	defer c.Close()
//
//	_ = c.Put("a", []byte("1"), time.Minute)
//	if v, ok := c.Get("a"); ok {
//	    _ = v
//	}
//	c.Delete("a")
package cache
