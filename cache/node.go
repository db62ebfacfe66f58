package cache

// entry is an intrusive doubly linked list element owned by a segment.
// It stores the key/value alongside list links, the sample-index slot,
// and the access statistics used by scoring policies.
type entry[K comparable, V any] struct {
	key K
	val V

	// Intrusive list links: head is MRU, tail is LRU.
	prev *entry[K, V]
	next *entry[K, V]

	// Absolute expiration deadline in UnixNano. Zero means "no TTL".
	exp int64

	// Weight in bytes as reported by the Weigher.
	weight int64

	// Decayed access counter; halved by the sweeper, capped to avoid
	// entries becoming unevictable after long hot streaks.
	freq uint32

	// UnixNano timestamp of the most recent access.
	touched int64

	// Position in the segment's sample index slice (swap-remove on
	// deletion keeps uniform sampling O(1)).
	idx int
}

// Key returns the entry key (part of policy.Node).
func (n *entry[K, V]) Key() K { return n.key }

// Value returns a pointer to the stored value (part of policy.Node).
// Callers must only use this pointer while holding the segment lock.
func (n *entry[K, V]) Value() *V { return &n.val }

// Frequency returns the decayed access counter (part of policy.Node).
func (n *entry[K, V]) Frequency() uint32 { return n.freq }

// LastAccess returns the last-access UnixNano timestamp (part of policy.Node).
func (n *entry[K, V]) LastAccess() int64 { return n.touched }
