package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachemesh/cachemesh/internal/coalesce"
	"github.com/cachemesh/cachemesh/internal/util"
	"github.com/cachemesh/cachemesh/policy/sampledlfu"
)

// ErrValueTooLarge is returned by Put/Add when a value's weight exceeds the
// configured maximum. Oversized values are rejected, never truncated.
var ErrValueTooLarge = errors.New("cache: value exceeds maximum size")

// ErrNoLoader is returned by GetOrLoad when no Loader was configured.
var ErrNoLoader = errors.New("cache: no Loader provided")

const (
	defaultSegments       = 16
	defaultEvictionSample = 5
	defaultSweepInterval  = time.Second
	defaultSweepSample    = 20
)

// store is a segmented in-memory KV cache with sampled eviction.
// All methods are safe for concurrent use by multiple goroutines.
type store[K comparable, V any] struct {
	segments []*segment[K, V]
	hash     func(K) uint64
	closed   atomic.Bool

	opt Options[K, V]

	// coalescing group for GetOrLoad miss fetches.
	group coalesce.Group[K, V]

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a cache with the provided Options. See Options for the
// defaulting rules. Panics if TotalCapacityBytes <= 0.
func New[K comparable, V any](opt Options[K, V]) Cache[K, V] {
	if opt.TotalCapacityBytes <= 0 {
		panic("cache: TotalCapacityBytes must be > 0")
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Policy == nil {
		opt.Policy = sampledlfu.New[K, V](sampledlfu.Tunables{})
	}
	if opt.Weigher == nil {
		opt.Weigher = func(K, V) int64 { return 1 }
	}
	if opt.EvictionSample <= 0 {
		opt.EvictionSample = defaultEvictionSample
	}
	if opt.SweepInterval == 0 {
		opt.SweepInterval = defaultSweepInterval
	}
	if opt.SweepSample <= 0 {
		opt.SweepSample = defaultSweepSample
	}

	segs := opt.Segments
	if segs <= 0 {
		segs = defaultSegments
	}
	segs = int(util.NextPow2(uint64(segs)))

	c := &store[K, V]{
		hash:      util.Fnv64a[K],
		opt:       opt,
		stopSweep: make(chan struct{}),
	}
	// Per-segment budgets must sum to exactly TotalCapacityBytes, so the
	// remainder of an uneven split is spread one byte at a time over the
	// first segments instead of rounding every segment up.
	perSegCap := opt.TotalCapacityBytes / int64(segs)
	remainder := opt.TotalCapacityBytes % int64(segs)
	c.segments = make([]*segment[K, V], segs)
	for i := range c.segments {
		capBytes := perSegCap
		if int64(i) < remainder {
			capBytes++
		}
		c.segments[i] = newSegment(capBytes, opt.Policy, &c.opt, int64(i)*0x9E3779B9+1)
	}

	if opt.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// ---- Cache[K,V] implementation ----

func (c *store[K, V]) Get(k K) (V, bool) {
	if c.closed.Load() {
		var zero V
		return zero, false
	}
	v, _, ok := c.segmentFor(k).get(k)
	return v, ok
}

func (c *store[K, V]) GetWithTTL(k K) (V, time.Duration, bool) {
	if c.closed.Load() {
		var zero V
		return zero, 0, false
	}
	s := c.segmentFor(k)
	v, exp, ok := s.get(k)
	if !ok || exp == 0 {
		return v, 0, ok
	}
	remaining := time.Duration(exp - s.now())
	if remaining < 0 {
		remaining = 0
	}
	return v, remaining, ok
}

func (c *store[K, V]) Put(k K, v V, ttl time.Duration) error {
	if c.closed.Load() {
		return nil
	}
	_, err := c.segmentFor(k).put(k, v, c.deadline(ttl), c.opt.Weigher(k, v), false)
	return err
}

func (c *store[K, V]) Add(k K, v V, ttl time.Duration) (bool, error) {
	if c.closed.Load() {
		return false, nil
	}
	return c.segmentFor(k).put(k, v, c.deadline(ttl), c.opt.Weigher(k, v), true)
}

func (c *store[K, V]) Delete(k K) bool {
	if c.closed.Load() {
		return false
	}
	return c.segmentFor(k).delete(k)
}

func (c *store[K, V]) Len() int {
	total := 0
	for _, s := range c.segments {
		total += s.len()
	}
	return total
}

func (c *store[K, V]) SizeBytes() int64 {
	var total int64
	for _, s := range c.segments {
		total += s.size()
	}
	return total
}

// GetOrLoad returns the value for k; on miss it loads via Options.Loader,
// coalescing concurrent loads for the same key so at most one upstream
// fetch is in flight per key.
func (c *store[K, V]) GetOrLoad(ctx context.Context, k K) (V, error) {
	// fast path
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	if c.opt.Loader == nil {
		var zero V
		return zero, ErrNoLoader
	}

	v, _, err := c.group.Do(ctx, k, func(ctx context.Context) (V, error) {
		// double-check after winning the ticket
		if v, ok := c.Get(k); ok {
			return v, nil
		}
		v, err := c.opt.Loader(ctx, k)
		if err == nil {
			if perr := c.Put(k, v, 0); perr != nil && !errors.Is(perr, ErrValueTooLarge) {
				return v, perr
			}
		}
		return v, err
	})
	return v, err
}

// Close stops the background sweeper and marks the cache closed.
func (c *store[K, V]) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.sweepOnce.Do(func() { close(c.stopSweep) })
	}
	return nil
}

// ---- helpers ----

func (c *store[K, V]) segmentFor(k K) *segment[K, V] {
	return c.segments[util.ShardIndex(c.hash(k), len(c.segments))]
}

// deadline converts a relative TTL into an absolute UnixNano deadline.
// Non-positive ttl falls back to DefaultTTL; 0 means no expiration.
func (c *store[K, V]) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = c.opt.DefaultTTL
	}
	if ttl <= 0 {
		return 0
	}
	now := time.Now().UnixNano()
	if c.opt.Clock != nil {
		now = c.opt.Clock.NowUnixNano()
	}
	return now + int64(ttl)
}

// sweepLoop drives the proactive expiry scan until Close.
func (c *store[K, V]) sweepLoop() {
	t := time.NewTicker(c.opt.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-t.C:
			for _, s := range c.segments {
				s.sweep(c.opt.SweepSample)
			}
		}
	}
}
