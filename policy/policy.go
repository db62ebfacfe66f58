// Package policy defines the pluggable eviction policy contract used by the
// segmented cache. A policy observes accesses through hooks and, under
// capacity pressure, picks a victim out of a small uniform sample of
// resident entries. Keeping selection sample-based bounds eviction cost to
// O(k) for a fixed sample size regardless of segment size.
package policy

// Node is the minimal contract a cache entry must satisfy for a policy.
// It provides read-only access to the key, a pointer to the value, and the
// access statistics (decayed frequency, last-access time) that scoring
// policies combine.
type Node[K comparable, V any] interface {
	Key() K
	Value() *V
	// Frequency returns the entry's decayed access counter.
	Frequency() uint32
	// LastAccess returns the UnixNano timestamp of the most recent access.
	LastAccess() int64
}

// Hooks expose O(1) list operations that a policy can use to manipulate
// the segment's intrusive MRU/LRU list. Implementations are provided by
// the segment.
//
// Concurrency: all hook calls happen under the segment lock.
// Important: hooks manage only the list; the segment owns the key->node map.
type Hooks[K comparable, V any] interface {
	// MoveToFront promotes the node to MRU.
	MoveToFront(Node[K, V])
	// PushFront inserts the node at MRU (used on admission).
	PushFront(Node[K, V])
	// Back returns the current LRU node (or nil if empty).
	Back() Node[K, V]
	// Len returns the number of resident nodes in the segment.
	Len() int
}

// SegmentPolicy is a per-segment eviction policy instance bound to segment
// hooks. All methods are invoked under the segment lock.
//
// Semantics:
//   - OnAdd/OnGet/OnUpdate typically place or promote the node.
//   - OnRemove is a notification to update policy-internal state; the
//     segment performs the actual deletion.
//   - Victim receives a uniform sample of resident nodes and returns the
//     one the segment should evict, or nil to fall back to the list tail.
type SegmentPolicy[K comparable, V any] interface {
	OnAdd(Node[K, V])
	OnGet(Node[K, V])
	OnUpdate(Node[K, V])
	OnRemove(Node[K, V])
	Victim(sample []Node[K, V], now int64) Node[K, V]
}

// Policy is a factory that creates segment-local policy instances
// bound to a particular segment's hooks.
type Policy[K comparable, V any] interface {
	New(Hooks[K, V]) SegmentPolicy[K, V]
}
