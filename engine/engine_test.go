package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cachemesh/cachemesh/replica"
	"github.com/cachemesh/cachemesh/ring"
)

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

func newTestEngine(t *testing.T, mutate func(*Config), deps Deps) *Engine {
	t.Helper()
	cfg := DefaultConfig("test-node")
	cfg.TotalCapacityBytes = 1 << 20
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err, "NodeID is required")
}

func TestEngine_PutGetDelete(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, Deps{})
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "k", []byte("v1"), 0))
	v, ok, ttl, err := e.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
	require.Zero(t, ttl)

	// The engine owns its copy of the bytes.
	buf := []byte("mutable")
	require.NoError(t, e.Put(ctx, "copy", buf, 0))
	buf[0] = 'X'
	v, ok, _, _ = e.Get(ctx, "copy")
	require.True(t, ok)
	require.Equal(t, []byte("mutable"), v)

	require.NoError(t, e.Delete(ctx, "k"))
	_, ok, _, err = e.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngine_TTL(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	clk.add(time.Hour)
	e := newTestEngine(t, nil, Deps{Clock: clk})
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "k", []byte("v"), time.Second))
	_, ok, ttl, _ := e.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, time.Second, ttl)

	clk.add(2 * time.Second)
	_, ok, _, _ = e.Get(ctx, "k")
	require.False(t, ok, "expired entry must be a miss")
}

func TestEngine_ValueTooLarge(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, func(c *Config) { c.MaxValueBytes = 8 }, Deps{})
	err := e.Put(context.Background(), "k", make([]byte, 64), 0)
	require.ErrorIs(t, err, ErrValueTooLarge)
}

// A miss with a configured fetcher loads through the backing store once
// and fills the local store; the second read is a pure hit.
func TestEngine_MissFetchFills(t *testing.T) {
	t.Parallel()

	var calls int64
	e := newTestEngine(t, nil, Deps{
		Fetcher: FetcherFunc(func(_ context.Context, key string) ([]byte, error) {
			atomic.AddInt64(&calls, 1)
			return []byte("from-upstream:" + key), nil
		}),
	})
	ctx := context.Background()

	v, ok, _, err := e.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("from-upstream:k"), v)

	v, ok, _, err = e.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("from-upstream:k"), v)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

// Without a fetcher a miss is simply a miss.
func TestEngine_MissWithoutFetcher(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, Deps{})
	_, ok, _, err := e.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.False(t, ok)
}

// Concurrent misses for one key trigger exactly one upstream fetch.
func TestEngine_CoalescedMiss(t *testing.T) {
	t.Parallel()

	var calls int64
	e := newTestEngine(t, nil, Deps{
		Fetcher: FetcherFunc(func(_ context.Context, key string) ([]byte, error) {
			atomic.AddInt64(&calls, 1)
			time.Sleep(20 * time.Millisecond) // simulate I/O
			return []byte("v"), nil
		}),
	})

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			v, ok, _, err := e.Get(context.Background(), "same")
			if err != nil {
				return err
			}
			if !ok || string(v) != "v" {
				return fmt.Errorf("got %q ok=%v", v, ok)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

// A failing fetch is retried the configured number of times, then the
// final error is surfaced wrapped in ErrUpstreamFetch.
func TestEngine_FetchRetries(t *testing.T) {
	t.Parallel()

	var calls int64
	errBackend := errors.New("backend down")
	e := newTestEngine(t, func(c *Config) { c.FetchRetries = 2 }, Deps{
		Fetcher: FetcherFunc(func(context.Context, string) ([]byte, error) {
			atomic.AddInt64(&calls, 1)
			return nil, errBackend
		}),
	})

	_, _, _, err := e.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrUpstreamFetch)
	require.EqualValues(t, 3, atomic.LoadInt64(&calls), "1 attempt + 2 retries")
}

func TestEngine_ApplyReplicate_Idempotent(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	clk.add(time.Hour)
	e := newTestEngine(t, nil, Deps{Clock: clk})
	now := clk.NowUnixNano()

	rec := Record{Key: "k", Value: []byte("v1"), Stamp: now, Offset: 1}
	require.True(t, e.ApplyReplicate(rec))
	v, ok, _, _ := e.Get(context.Background(), "k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	// Replays and stale records are dropped.
	require.False(t, e.ApplyReplicate(rec), "exact replay must be a no-op")
	stale := Record{Key: "k", Value: []byte("old"), Stamp: now - 1, Offset: 2}
	require.False(t, e.ApplyReplicate(stale))
	v, _, _, _ = e.Get(context.Background(), "k")
	require.Equal(t, []byte("v1"), v)

	// Newer records win, including deletions.
	newer := Record{Key: "k", Value: []byte("v2"), Stamp: now + 1, Offset: 3}
	require.True(t, e.ApplyReplicate(newer))
	v, _, _, _ = e.Get(context.Background(), "k")
	require.Equal(t, []byte("v2"), v)

	del := Record{Key: "k", Stamp: now + 2, Offset: 4, Delete: true}
	require.True(t, e.ApplyReplicate(del))
	_, ok, _, _ = e.Get(context.Background(), "k")
	require.False(t, ok)

	// A record that arrives past its own deadline is discarded.
	expired := Record{Key: "x", Value: []byte("v"), ExpiresAt: now - 1, Stamp: now + 3}
	require.False(t, e.ApplyReplicate(expired))
}

// A write older than a deletion must stay dead even when it is replayed
// after the delete removed the entry: the deletion leaves a stamped
// tombstone behind that wins the comparison.
func TestEngine_DeleteBlocksReplayedOlderWrite(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	clk.add(time.Hour)
	e := newTestEngine(t, nil, Deps{Clock: clk})
	now := clk.NowUnixNano()

	put := Record{Key: "k", Value: []byte("v1"), Stamp: now, Offset: 1}
	require.True(t, e.ApplyReplicate(put))

	del := Record{Key: "k", Stamp: now + 1, Offset: 2, Delete: true}
	require.True(t, e.ApplyReplicate(del))
	_, ok, _, _ := e.Get(context.Background(), "k")
	require.False(t, ok)

	// At-least-once delivery redelivers the original write.
	require.False(t, e.ApplyReplicate(put), "replay older than the delete must be dropped")
	_, ok, _, _ = e.Get(context.Background(), "k")
	require.False(t, ok, "deleted key must not be resurrected")

	// The same holds for the local delete path.
	require.NoError(t, e.Put(context.Background(), "local", []byte("v"), 0))
	wrote := clk.NowUnixNano()
	clk.add(time.Millisecond)
	require.NoError(t, e.Delete(context.Background(), "local"))
	replay := Record{Key: "local", Value: []byte("v"), Stamp: wrote, Offset: 3}
	require.False(t, e.ApplyReplicate(replay))
	_, ok, _, _ = e.Get(context.Background(), "local")
	require.False(t, ok)

	// A genuinely newer write revives the key.
	fresh := Record{Key: "k", Value: []byte("v2"), Stamp: now + 2, Offset: 4}
	require.True(t, e.ApplyReplicate(fresh))
	v, ok, _, _ := e.Get(context.Background(), "k")
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestEngine_OnInvalidate(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, Deps{})
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "k", []byte("v"), 0))
	e.OnInvalidate("k")
	_, ok, _, _ := e.Get(ctx, "k")
	require.False(t, ok)
}

// A single-node engine owns every key and keeps every shard Stable.
func TestEngine_SingleNodePlacement(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, func(c *Config) { c.ConsistencyMode = replica.Strong }, Deps{})

	owner, ok := e.Owner("anything")
	require.True(t, ok)
	require.Equal(t, "test-node", owner.ID)

	// Strong-mode writes proceed: the sole node is primary of every shard.
	require.NoError(t, e.Put(context.Background(), "k", []byte("v"), 0))
}

// localReplicator wires engines to each other in-process.
type localReplicator struct {
	engines map[string]*Engine
}

func (r *localReplicator) Replicate(_ context.Context, target ring.Node, rec Record) error {
	e, ok := r.engines[target.ID]
	if !ok {
		return fmt.Errorf("unknown node %s", target.ID)
	}
	e.ApplyReplicate(rec)
	return nil
}

func newTestCluster(t *testing.T, n int, mutate func(*Config)) (map[string]*Engine, []string) {
	t.Helper()
	repl := &localReplicator{engines: make(map[string]*Engine)}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i)
	}
	for _, id := range ids {
		cfg := DefaultConfig(id)
		cfg.TotalCapacityBytes = 1 << 20
		if mutate != nil {
			mutate(&cfg)
		}
		e, err := New(cfg, Deps{Replicator: repl})
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })
		repl.engines[id] = e
	}
	for self, e := range repl.engines {
		for _, id := range ids {
			if id != self {
				e.OnNodeJoined(ring.Node{ID: id})
			}
		}
	}
	return repl.engines, ids
}

// A write on the owner reaches the replica asynchronously.
func TestEngine_ReplicationFanout(t *testing.T) {
	t.Parallel()

	engines, _ := newTestCluster(t, 2, nil)
	ctx := context.Background()

	key := "user:1"
	var owner *Engine
	for _, e := range engines {
		n, ok := e.Owner(key)
		require.True(t, ok)
		owner = engines[n.ID]
		break
	}
	require.NoError(t, owner.Put(ctx, key, []byte("v"), 0))

	deadline := time.Now().Add(2 * time.Second)
	for _, e := range engines {
		for {
			if _, ok, _, _ := e.Get(ctx, key); ok {
				break
			}
			require.True(t, time.Now().Before(deadline), "replica never received the record")
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// Strong-mode writes against a failed primary's shard block, fail after
// the bounded wait, and succeed again once the promotion is acknowledged.
func TestEngine_StrongModeFailover(t *testing.T) {
	t.Parallel()

	engines, ids := newTestCluster(t, 2, func(c *Config) {
		c.ConsistencyMode = replica.Strong
		c.PrimaryWaitTimeout = 50 * time.Millisecond
		c.ReplicationFactor = 1
		c.ShardCount = 16
	})
	ctx := context.Background()

	alive, failed := engines[ids[0]], ids[1]

	// Find a shard led by the node we are about to fail, and a key in it.
	shard := -1
	for s := 0; s < 16; s++ {
		if p, err := alive.ReplicaSets().Primary(s); err == nil && p == failed {
			shard = s
			break
		}
	}
	require.GreaterOrEqual(t, shard, 0, "no shard led by %s", failed)

	key := ""
	for i := 0; i < 10_000; i++ {
		k := fmt.Sprintf("key-%d", i)
		if alive.ShardOf(k) == shard {
			key = k
			break
		}
	}
	require.NotEmpty(t, key)

	require.NoError(t, alive.Put(ctx, key, []byte("before"), 0))

	alive.OnNodeFailed(failed)
	require.Equal(t, replica.Promoting, alive.ReplicaSets().ShardState(shard))

	// No acknowledged primary: the bounded wait expires.
	err := alive.Put(ctx, key, []byte("during"), 0)
	require.ErrorIs(t, err, ErrPrimaryUnavailable)

	cand, ok := alive.ReplicaSets().Candidate(shard)
	require.True(t, ok)
	require.Equal(t, ids[0], cand, "the surviving replica is the only candidate")
	require.NoError(t, alive.ReplicaSets().AckPromotion(shard, cand))

	require.NoError(t, alive.Put(ctx, key, []byte("after"), 0))
	v, ok, _, _ := alive.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, []byte("after"), v)
}

// Hot keys are flagged by traffic and absorbed by the burst cache; ring
// resolution spreads them across salted positions.
func TestEngine_HotKeyMitigation(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	clk.add(time.Hour)
	e := newTestEngine(t, func(c *Config) {
		c.HotKeyRateThreshold = 100
		c.SaltCardinality = 4
	}, Deps{Clock: clk})
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "viral", []byte("v"), 0))

	// Hammer the key at 1000 req/s (fake time).
	for i := 0; i < 50; i++ {
		clk.add(time.Millisecond)
		v, ok, _, err := e.Get(ctx, "viral")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v"), v)
	}

	// Salted resolution now rotates through synthetic positions; the
	// unsalted placement stays fixed for replica assignment.
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		n, ok := e.Owner("viral")
		require.True(t, ok)
		seen[n.ID] = true
	}
	require.NotEmpty(t, seen)

	// Cold keys are untouched.
	_, ok := e.Router().ResolveUnsalted("viral")
	require.True(t, ok)
}
