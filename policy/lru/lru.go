// Package lru implements a recency-only eviction policy.
package lru

import "github.com/cachemesh/cachemesh/policy"

// lru is a classic "move-to-front" Least-Recently-Used policy.
// It delegates list manipulation to policy.Hooks provided by the segment,
// and picks the least recently touched node out of each eviction sample.
type lru[K comparable, V any] struct {
	h policy.Hooks[K, V]
}

type lruPolicy[K comparable, V any] struct{}

// New returns a Policy factory that constructs per-segment LRU instances.
func New[K comparable, V any]() policy.Policy[K, V] { return lruPolicy[K, V]{} }

// New implements policy.Policy by binding segment hooks and returning
// a segment-local policy instance.
func (lruPolicy[K, V]) New(h policy.Hooks[K, V]) policy.SegmentPolicy[K, V] {
	return &lru[K, V]{h: h}
}

// OnAdd places the new entry at MRU.
func (p *lru[K, V]) OnAdd(n policy.Node[K, V]) { p.h.PushFront(n) }

// OnGet promotes the entry to MRU.
func (p *lru[K, V]) OnGet(n policy.Node[K, V]) { p.h.MoveToFront(n) }

// OnUpdate promotes the entry to MRU (updates are treated as recent use).
func (p *lru[K, V]) OnUpdate(n policy.Node[K, V]) { p.h.MoveToFront(n) }

// OnRemove is a no-op for pure LRU (nothing to clean up in policy state).
func (p *lru[K, V]) OnRemove(_ policy.Node[K, V]) {}

// Victim returns the sampled node with the oldest last access.
// A nil return tells the segment to evict the list tail instead, which for
// LRU is the exact answer when sampling is disabled.
func (p *lru[K, V]) Victim(sample []policy.Node[K, V], _ int64) policy.Node[K, V] {
	var victim policy.Node[K, V]
	for _, n := range sample {
		if victim == nil || n.LastAccess() < victim.LastAccess() {
			victim = n
		}
	}
	return victim
}
