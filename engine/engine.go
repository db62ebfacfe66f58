package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachemesh/cachemesh/cache"
	"github.com/cachemesh/cachemesh/hotkey"
	"github.com/cachemesh/cachemesh/internal/coalesce"
	"github.com/cachemesh/cachemesh/internal/util"
	"github.com/cachemesh/cachemesh/replica"
	"github.com/cachemesh/cachemesh/ring"
)

// Fetcher loads a value from the backing store on a cache miss.
// Implementations must honor ctx.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, key string) ([]byte, error) { return f(ctx, key) }

// Record is one replication message. Delivery is fire-and-forget with
// at-least-once expectations; receivers are idempotent on replay by stamp
// comparison.
type Record struct {
	Key       string
	Value     []byte
	ExpiresAt int64 // absolute UnixNano deadline, 0 = none
	Stamp     int64 // origin write timestamp, the idempotency version
	Offset    uint64
	Delete    bool
}

// Replicator delivers replication records to peer nodes. The engine never
// waits on it: replication is asynchronous and best-effort per send.
type Replicator interface {
	Replicate(ctx context.Context, target ring.Node, rec Record) error
}

// stored is the local representation of a cached value. The stamp rides
// along so replication replays can be discarded by comparison. A
// tombstone marks a deleted key: it keeps the deletion's stamp resident
// for a grace period so a replayed older write cannot resurrect the key.
type stored struct {
	data      []byte
	stamp     int64
	tombstone bool
}

// entryOverhead approximates per-entry bookkeeping bytes for capacity
// accounting.
const entryOverhead = 64

// replicateTimeout bounds each asynchronous replication send.
const replicateTimeout = 2 * time.Second

// tombstoneTTL is how long a deletion's stamp stays resident. It must
// comfortably exceed the replication retry horizon so no in-flight write
// from before the delete can land after the tombstone expires.
const tombstoneTTL = 30 * time.Second

// Deps are the engine's external collaborators. All fields are optional:
// a nil Fetcher disables miss-path fills, a nil Replicator disables
// replication fan-out, nil metrics default to no-ops.
type Deps struct {
	Fetcher      Fetcher
	Replicator   Replicator
	Metrics      Metrics
	CacheMetrics cache.Metrics
	Clock        cache.Clock
}

// Engine is the node-side cache engine: entry store, shard router,
// replica set manager, request coalescer, and hot-key mitigator wired
// together behind the transport-agnostic GET/PUT/DELETE surface.
type Engine struct {
	cfg  Config
	deps Deps

	store cache.Cache[string, stored]
	burst cache.Cache[string, []byte]

	router   *ring.Router
	replicas *replica.Manager
	hot      *hotkey.Mitigator
	group    coalesce.Group[string, []byte]

	metrics Metrics

	mu      sync.Mutex
	members map[string]ring.Node

	offset atomic.Uint64 // local replication offset counter

	closed atomic.Bool
	stop   chan struct{}
}

// New builds an engine from cfg and deps and registers this node as the
// sole member; the membership collaborator grows the view via
// OnNodeJoined.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = NoopMetrics{}
	}

	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		members: make(map[string]ring.Node),
		stop:    make(chan struct{}),
	}

	e.store = cache.New(cache.Options[string, stored]{
		TotalCapacityBytes: cfg.TotalCapacityBytes,
		Segments:           cfg.SegmentCount,
		MaxValueBytes:      cfg.MaxValueBytes,
		Weigher: func(k string, v stored) int64 {
			return int64(len(k)+len(v.data)) + entryOverhead
		},
		DefaultTTL: cfg.DefaultTTL,
		Metrics:    deps.CacheMetrics,
		Clock:      deps.Clock,
	})

	// Node-local burst cache for hot keys: tiny, short-lived, in front of
	// routing so bursts never reach the ring at all.
	e.burst = cache.New(cache.Options[string, []byte]{
		TotalCapacityBytes: burstCapacity(cfg.TotalCapacityBytes),
		Segments:           4,
		Weigher: func(k string, v []byte) int64 {
			return int64(len(k)+len(v)) + entryOverhead
		},
		DefaultTTL: cfg.BurstTTL,
		Clock:      deps.Clock,
	})

	e.hot = hotkey.New(hotkey.Options{
		RateThreshold:   cfg.HotKeyRateThreshold,
		SaltCardinality: cfg.SaltCardinality,
		Clock:           deps.Clock,
	})
	e.router = ring.NewRouter(cfg.VirtualNodesPerNode, e.hot)

	e.replicas = replica.NewManager(cfg.NodeID)
	e.replicas.SetOnPromoted(func(shard int, newPrimary string) {
		e.metrics.Promotion()
		log.Printf("[%s] shard %d: primary is now %s", cfg.NodeID, shard, newPrimary)
	})

	e.members[cfg.NodeID] = ring.Node{ID: cfg.NodeID, Addr: cfg.Addr}
	e.router.Rebuild(e.memberList())
	e.assignShards()

	go e.maintenanceLoop()
	return e, nil
}

// ---- client-facing operations (transport-agnostic) ----

// Get returns the cached value for key with its remaining TTL (0 = no
// expiry). On a miss with a configured Fetcher, the value is fetched
// through the coalescer — at most one upstream fetch per key per node —
// and populated before returning. The returned slice must not be
// modified by the caller.
func (e *Engine) Get(ctx context.Context, key string) (value []byte, found bool, ttl time.Duration, err error) {
	if e.closed.Load() {
		return nil, false, 0, nil
	}
	hot := e.hot.Touch(key)

	// Hot keys are absorbed by the local burst cache before anything else.
	if hot {
		if v, remaining, ok := e.burst.GetWithTTL(key); ok {
			return v, true, remaining, nil
		}
	}

	if v, remaining, ok := e.store.GetWithTTL(key); ok && !v.tombstone {
		if hot {
			_ = e.burst.Put(key, v.data, e.cfg.BurstTTL)
		}
		return v.data, true, remaining, nil
	}

	if e.deps.Fetcher == nil {
		return nil, false, 0, nil
	}
	data, err := e.fetchMiss(ctx, key)
	if err != nil {
		return nil, false, 0, err
	}
	if v, remaining, ok := e.store.GetWithTTL(key); ok && !v.tombstone {
		return v.data, true, remaining, nil
	}
	// Evicted between fill and read-back; still a valid hit for this call.
	return data, true, 0, nil
}

// Put stores key→value with the given TTL and fans the write out to the
// shard's replicas asynchronously. Under strong consistency the call
// blocks while the shard has no acknowledged primary, bounded by
// PrimaryWaitTimeout, then fails with ErrPrimaryUnavailable.
func (e *Engine) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if e.closed.Load() {
		return nil
	}
	if e.cfg.MaxValueBytes > 0 && int64(len(value)) > e.cfg.MaxValueBytes {
		return ErrValueTooLarge
	}
	e.hot.Touch(key)

	shard := e.shardOf(key)
	if e.cfg.ConsistencyMode == replica.Strong {
		waitCtx, cancel := context.WithTimeout(ctx, e.cfg.PrimaryWaitTimeout)
		_, err := e.replicas.AwaitPrimary(waitCtx, shard)
		cancel()
		if err != nil {
			return err
		}
	}

	now := e.now()
	// Own the bytes: entries are never shared with callers.
	data := append([]byte(nil), value...)
	if err := e.store.Put(key, stored{data: data, stamp: now}, ttl); err != nil {
		return err
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = now + int64(ttl)
	} else if e.cfg.DefaultTTL > 0 {
		expiresAt = now + int64(e.cfg.DefaultTTL)
	}
	e.replicateAsync(Record{
		Key:       key,
		Value:     data,
		ExpiresAt: expiresAt,
		Stamp:     now,
		Offset:    e.offset.Add(1),
	})
	return nil
}

// Delete removes key locally and fans the deletion out to replicas. The
// key is replaced by a short-lived tombstone rather than dropped outright
// so late replays of writes older than the delete stay dead.
func (e *Engine) Delete(ctx context.Context, key string) error {
	if e.closed.Load() {
		return nil
	}
	now := e.now()
	_ = e.store.Put(key, stored{stamp: now, tombstone: true}, tombstoneTTL)
	e.burst.Delete(key)
	e.replicateAsync(Record{
		Key:    key,
		Stamp:  now,
		Offset: e.offset.Add(1),
		Delete: true,
	})
	return nil
}

// ---- node-to-node replication surface ----

// ApplyReplicate applies an incoming replication record. Replays are
// idempotent: a record whose stamp is not newer than the resident entry's
// is dropped. Deletions install a short-lived tombstone carrying the
// delete's stamp, so a replayed older write arriving after the deletion
// is rejected by the same comparison instead of resurrecting the key.
// Returns whether the record changed local state.
func (e *Engine) ApplyReplicate(rec Record) bool {
	if e.closed.Load() {
		return false
	}
	if cur, ok := e.store.Get(rec.Key); ok && cur.stamp >= rec.Stamp {
		return false
	}
	if rec.Delete {
		if err := e.store.Put(rec.Key, stored{stamp: rec.Stamp, tombstone: true}, tombstoneTTL); err != nil {
			return false
		}
		e.burst.Delete(rec.Key)
	} else {
		var ttl time.Duration
		if rec.ExpiresAt > 0 {
			ttl = time.Duration(rec.ExpiresAt - e.now())
			if ttl <= 0 {
				return false // arrived already expired
			}
		}
		if err := e.store.Put(rec.Key, stored{data: rec.Value, stamp: rec.Stamp}, ttl); err != nil {
			return false
		}
	}
	e.replicas.ReportOffset(e.shardOf(rec.Key), e.cfg.NodeID, rec.Offset)
	e.metrics.ReplicationApply()
	return true
}

// ---- membership / invalidation collaborator surfaces ----

// OnNodeJoined admits a node to the membership view: the ring is rebuilt
// (copy-and-swap, readers never see a torn ring) and shard replica sets
// are reassigned from the new placement.
func (e *Engine) OnNodeJoined(n ring.Node) {
	e.mu.Lock()
	e.members[n.ID] = n
	nodes := e.memberListLocked()
	e.mu.Unlock()

	log.Printf("[%s] node joined: %s", e.cfg.NodeID, n.ID)
	e.router.Rebuild(nodes)
	e.assignShards()
}

// OnNodeFailed removes a node from the membership view. Shards it led
// degrade and enter the promotion flow; reassignment waits for the
// promotion acknowledgment rather than silently rewriting ownership.
func (e *Engine) OnNodeFailed(nodeID string) {
	e.mu.Lock()
	delete(e.members, nodeID)
	nodes := e.memberListLocked()
	e.mu.Unlock()

	log.Printf("[%s] node failed: %s", e.cfg.NodeID, nodeID)
	e.router.Rebuild(nodes)
	e.replicas.NodeFailed(nodeID)
}

// OnInvalidate handles a CDC invalidation event. It is identical to a
// local delete and is not re-fanned-out: the invalidation pipeline
// already reaches every node.
func (e *Engine) OnInvalidate(key string) {
	if e.closed.Load() {
		return
	}
	e.store.Delete(key)
	e.burst.Delete(key)
}

// ---- routing / introspection ----

// Owner resolves the node owning key under the current ring, applying
// hot-key salting. The transport layer dials the returned node.
func (e *Engine) Owner(key string) (ring.Node, bool) {
	return e.router.ResolveOwner(key)
}

// ReplicaSets exposes the replica manager so the membership collaborator
// can report offsets and acknowledge promotions.
func (e *Engine) ReplicaSets() *replica.Manager { return e.replicas }

// Router exposes the shard router (read-only use).
func (e *Engine) Router() *ring.Router { return e.router }

// ShardOf returns the logical shard a key belongs to.
func (e *Engine) ShardOf(key string) int { return e.shardOf(key) }

// Close stops background work and the underlying caches.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stop)
	_ = e.burst.Close()
	return e.store.Close()
}

// ---- internals ----

// fetchMiss runs the upstream fetch for a missing key, coalescing
// concurrent callers when enabled. The ticket leader double-checks the
// store, fetches with bounded retries, and fills before publishing.
func (e *Engine) fetchMiss(ctx context.Context, key string) ([]byte, error) {
	if !e.cfg.CoalescerEnabled {
		data, err := e.fetchUpstream(ctx, key)
		if err != nil {
			return nil, err
		}
		e.fill(key, data)
		return data, nil
	}

	data, stats, err := e.group.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		if cur, ok := e.store.Get(key); ok && !cur.tombstone {
			return cur.data, nil
		}
		data, err := e.fetchUpstream(ctx, key)
		if err != nil {
			return nil, err
		}
		e.fill(key, data)
		return data, nil
	})
	e.metrics.CoalescedFetch(stats.Shared)
	return data, err
}

// fetchUpstream calls the backing-store fetcher with bounded retries.
// The final failure is wrapped in ErrUpstreamFetch and propagated to
// every coalesced subscriber identically.
func (e *Engine) fetchUpstream(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.FetchRetries; attempt++ {
		data, err := e.deps.Fetcher.Fetch(ctx, key)
		e.metrics.UpstreamFetch(err != nil)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamFetch, lastErr)
}

func (e *Engine) fill(key string, data []byte) {
	_ = e.store.Put(key, stored{data: data, stamp: e.now()}, 0)
}

// replicateAsync fans a record out to the key's replica placements.
// Fire-and-forget: sends run detached with their own timeout and errors
// are logged, not surfaced — at-least-once delivery is the transport's
// contract, idempotent replay is the receiver's.
func (e *Engine) replicateAsync(rec Record) {
	if e.deps.Replicator == nil {
		return
	}
	targets := e.router.PreferenceList(rec.Key, e.cfg.ReplicationFactor+1)
	for _, t := range targets {
		if t.ID == e.cfg.NodeID {
			continue
		}
		go func(target ring.Node) {
			ctx, cancel := context.WithTimeout(context.Background(), replicateTimeout)
			defer cancel()
			if err := e.deps.Replicator.Replicate(ctx, target, rec); err != nil {
				log.Printf("[%s] replicate %q to %s failed: %v", e.cfg.NodeID, rec.Key, target.ID, err)
			}
		}(t)
	}
}

// assignShards computes every logical shard's replica set from the
// current ring and marks them Stable.
func (e *Engine) assignShards() {
	for shard := 0; shard < e.cfg.ShardCount; shard++ {
		pl := e.router.PreferenceList(shardKey(shard), e.cfg.ReplicationFactor+1)
		if len(pl) == 0 {
			continue
		}
		replicas := make([]string, 0, len(pl)-1)
		for _, n := range pl[1:] {
			replicas = append(replicas, n.ID)
		}
		e.replicas.Assign(shard, pl[0].ID, replicas)
	}
}

// maintenanceLoop drives hot-key decay and periodic ring verification.
func (e *Engine) maintenanceLoop() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-t.C:
			e.hot.Sweep()
			e.metrics.HotKeys(e.hot.HotKeys())
			if err := e.router.Verify(); err != nil {
				log.Printf("[%s] %v (rebuilt from membership view)", e.cfg.NodeID, err)
			}
		}
	}
}

func (e *Engine) shardOf(key string) int {
	return util.ShardIndex(util.Fnv64aString(key), e.cfg.ShardCount)
}

// shardKey is the stable ring key a logical shard's placement is derived
// from.
func shardKey(shard int) string { return fmt.Sprintf("shard:%d", shard) }

func (e *Engine) memberList() []ring.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memberListLocked()
}

func (e *Engine) memberListLocked() []ring.Node {
	out := make([]ring.Node, 0, len(e.members))
	for _, n := range e.members {
		out = append(out, n)
	}
	return out
}

func (e *Engine) now() int64 {
	if e.deps.Clock != nil {
		return e.deps.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// burstCapacity sizes the burst cache at 1/64 of the main budget with a
// 1 MiB floor.
func burstCapacity(total int64) int64 {
	c := total / 64
	if c < 1<<20 {
		c = 1 << 20
	}
	return c
}
