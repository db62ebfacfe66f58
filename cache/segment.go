package cache

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cachemesh/cachemesh/internal/util"
	"github.com/cachemesh/cachemesh/policy"
)

// freqCeiling caps the per-entry access counter so a formerly hot entry
// cannot outlive its popularity indefinitely; the sweeper's halving pulls
// counters back down from here within a few ticks.
const freqCeiling = 1 << 15

// segment is an independent partition of the cache with its own lock, map,
// intrusive recency list (head=MRU, tail=LRU), and a dense index slice
// used for uniform candidate sampling.
type segment[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu    sync.Mutex
	m     map[K]*entry[K, V]
	head  *entry[K, V] // MRU
	tail  *entry[K, V] // LRU
	index []*entry[K, V]
	bytes int64 // total resident weight

	capBytes int64 // per-segment byte budget
	maxValue int64 // largest admissible single value

	pol policy.SegmentPolicy[K, V]
	rng *rand.Rand
	opt *Options[K, V]

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
}

// newSegment initializes a segment with its byte budget and a bound policy
// instance. maxValue caps single-value weight; a value that can never fit
// the segment is rejected up front rather than thrashing the store.
func newSegment[K comparable, V any](capBytes int64, pol policy.Policy[K, V], opt *Options[K, V], seed int64) *segment[K, V] {
	s := &segment[K, V]{
		m:        make(map[K]*entry[K, V]),
		capBytes: capBytes,
		maxValue: capBytes,
		rng:      rand.New(rand.NewSource(seed)),
		opt:      opt,
	}
	if opt.MaxValueBytes > 0 && opt.MaxValueBytes < capBytes {
		s.maxValue = opt.MaxValueBytes
	}
	s.pol = pol.New(segmentHooks[K, V]{s: s})
	return s
}

// get returns the value and promotes the entry. Expired entries are purged
// and reported as misses regardless of whether the sweeper has run.
func (s *segment[K, V]) get(k K) (V, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n, ok := s.m[k]
	if !ok {
		s.misses.Add(1)
		s.opt.Metrics.Miss()
		var zero V
		return zero, 0, false
	}
	if n.exp != 0 && now > n.exp {
		s.evictNode(n, EvictTTL)
		s.misses.Add(1)
		s.opt.Metrics.Miss()
		var zero V
		return zero, 0, false
	}

	s.touch(n, now)
	s.pol.OnGet(n)
	s.hits.Add(1)
	s.opt.Metrics.Hit()
	return n.val, n.exp, true
}

// put inserts or updates an entry. exp is an absolute UnixNano deadline
// (0 = no TTL); weight is the entry's byte cost.
func (s *segment[K, V]) put(k K, v V, exp int64, weight int64, addOnly bool) (bool, error) {
	if weight > s.maxValue {
		return false, ErrValueTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if n, ok := s.m[k]; ok {
		if addOnly {
			return false, nil
		}
		// In-place update: adjust the weight delta and promote.
		s.bytes += weight - n.weight
		n.val = v
		n.exp = exp
		n.weight = weight
		s.touch(n, now)
		s.pol.OnUpdate(n)
		s.enforceCapacityLocked(now)
		return true, nil
	}

	n := &entry[K, V]{key: k, val: v, exp: exp, weight: weight, freq: 1, touched: now}
	s.m[k] = n
	n.idx = len(s.index)
	s.index = append(s.index, n)
	s.bytes += weight
	s.pol.OnAdd(n)
	s.enforceCapacityLocked(now)
	return true, nil
}

// delete removes an entry by key. Explicit deletes are not reported as
// evictions and do not fire OnEvict.
func (s *segment[K, V]) delete(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		return false
	}
	s.pol.OnRemove(n)
	s.removeNode(n)
	s.opt.Metrics.Size(len(s.m), s.bytes)
	return true
}

// len returns the number of resident entries in this segment.
func (s *segment[K, V]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// size returns the total resident weight in this segment.
func (s *segment[K, V]) size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// sweep examines a bounded random sample of entries, purging expired ones
// and halving frequency counters of the rest. Bounding the sample keeps
// background cost independent of segment size; over many ticks every
// resident entry is visited with high probability.
func (s *segment[K, V]) sweep(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.index) == 0 {
		return
	}
	now := s.now()
	if limit > len(s.index) {
		limit = len(s.index)
	}
	for i := 0; i < limit; i++ {
		n := s.index[s.rng.Intn(len(s.index))]
		if n.exp != 0 && now > n.exp {
			s.evictNode(n, EvictTTL)
			if len(s.index) == 0 {
				break
			}
			continue
		}
		n.freq >>= 1
	}
	s.opt.Metrics.Size(len(s.m), s.bytes)
}

// -------------------- internals (mu held) --------------------

func (s *segment[K, V]) now() int64 {
	if s.opt.Clock != nil {
		return s.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// touch records an access: bumps the capped frequency counter and the
// recency timestamp.
func (s *segment[K, V]) touch(n *entry[K, V], now int64) {
	if n.freq < freqCeiling {
		n.freq++
	}
	n.touched = now
}

// enforceCapacityLocked evicts until the segment fits its byte budget.
// Victims come from a uniform sample scored by the policy; sampled entries
// that turn out to be expired are purged first, which both frees space and
// keeps the sample honest.
func (s *segment[K, V]) enforceCapacityLocked(now int64) {
	for s.bytes > s.capBytes && len(s.index) > 0 {
		sample := s.sampleLocked()

		// Expired candidates go first. The sample may contain the same
		// entry twice; evicting marks it non-resident (idx -1), so the
		// duplicate is skipped instead of corrupting the index.
		purged := false
		for _, cand := range sample {
			n := cand.(*entry[K, V])
			if n.idx < 0 {
				continue
			}
			if n.exp != 0 && now > n.exp {
				s.evictNode(n, EvictTTL)
				purged = true
			}
		}
		if purged {
			continue
		}

		if victim := s.pol.Victim(sample, now); victim != nil {
			s.evictNode(victim.(*entry[K, V]), EvictPolicy)
			continue
		}
		// Policy declined: fall back to the recency tail.
		if s.tail != nil {
			s.evictNode(s.tail, EvictCapacity)
			continue
		}
		break
	}
	s.opt.Metrics.Size(len(s.m), s.bytes)
}

// sampleLocked draws up to EvictionSample resident entries uniformly.
// Duplicates are possible and harmless: scoring is idempotent per node.
func (s *segment[K, V]) sampleLocked() []policy.Node[K, V] {
	k := s.opt.EvictionSample
	if k > len(s.index) {
		k = len(s.index)
	}
	sample := make([]policy.Node[K, V], 0, k)
	for i := 0; i < k; i++ {
		sample = append(sample, s.index[s.rng.Intn(len(s.index))])
	}
	return sample
}

// insertFront inserts n at MRU in O(1).
func (s *segment[K, V]) insertFront(n *entry[K, V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

// moveToFront promotes n to MRU in O(1).
func (s *segment[K, V]) moveToFront(n *entry[K, V]) {
	if n == s.head {
		return
	}
	// detach
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.tail == n {
		s.tail = n.prev
	}
	// insert at head
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

// removeNode unlinks n from the list, the map, and the sample index,
// and updates the byte count. O(1) via swap-remove on the index.
func (s *segment[K, V]) removeNode(n *entry[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil

	last := len(s.index) - 1
	moved := s.index[last]
	s.index[n.idx] = moved
	moved.idx = n.idx
	s.index[last] = nil
	s.index = s.index[:last]
	n.idx = -1 // non-resident; guards against repeat removal via stale refs

	delete(s.m, n.key)
	s.bytes -= n.weight
	if s.bytes < 0 {
		s.bytes = 0
	}
}

// evictNode removes the node, updates metrics/counters, and calls OnEvict.
func (s *segment[K, V]) evictNode(n *entry[K, V], reason EvictReason) {
	s.pol.OnRemove(n)
	s.removeNode(n)
	s.evicts.Add(1)
	s.opt.Metrics.Evict(reason)
	if cb := s.opt.OnEvict; cb != nil {
		// Called under the segment lock; keep callbacks lightweight.
		cb(n.key, n.val, reason)
	}
}

// -------------------- policy hooks --------------------

// segmentHooks adapts the segment's list operations to policy.Hooks.
type segmentHooks[K comparable, V any] struct{ s *segment[K, V] }

func (h segmentHooks[K, V]) MoveToFront(x policy.Node[K, V]) { h.s.moveToFront(x.(*entry[K, V])) }
func (h segmentHooks[K, V]) PushFront(x policy.Node[K, V])   { h.s.insertFront(x.(*entry[K, V])) }
func (h segmentHooks[K, V]) Back() policy.Node[K, V] {
	if h.s.tail == nil {
		return nil
	}
	return h.s.tail
}
func (h segmentHooks[K, V]) Len() int { return len(h.s.m) }
