// Package sampledlfu implements the default eviction policy: a combined
// frequency-and-recency score evaluated over a uniform sample of resident
// entries. It approximates LFU-with-aging without keeping a full ordering,
// so eviction stays O(k) for the fixed sample size k.
package sampledlfu

import (
	"math"
	"time"

	"github.com/cachemesh/cachemesh/policy"
)

// Tunables configure the scoring function. The exact weights are workload
// dependent; the defaults favor recency slightly so one-hit-wonder scans
// do not displace a working set that is still warm.
type Tunables struct {
	// FreqWeight scales the decayed access counter's contribution.
	FreqWeight float64
	// RecencyWeight scales the recency bonus, which halves every
	// RecencyHalfLife since the last access.
	RecencyWeight float64
	// RecencyHalfLife controls how quickly the recency bonus fades.
	RecencyHalfLife time.Duration
}

// Defaults returns the default tunables.
func Defaults() Tunables {
	return Tunables{
		FreqWeight:      1.0,
		RecencyWeight:   4.0,
		RecencyHalfLife: time.Minute,
	}
}

func (t Tunables) withDefaults() Tunables {
	d := Defaults()
	if t.FreqWeight <= 0 {
		t.FreqWeight = d.FreqWeight
	}
	if t.RecencyWeight <= 0 {
		t.RecencyWeight = d.RecencyWeight
	}
	if t.RecencyHalfLife <= 0 {
		t.RecencyHalfLife = d.RecencyHalfLife
	}
	return t
}

type factory[K comparable, V any] struct{ tun Tunables }

// New constructs a sampled-LFU policy factory with the given tunables.
// Zero-valued fields fall back to Defaults.
func New[K comparable, V any](tun Tunables) policy.Policy[K, V] {
	return factory[K, V]{tun: tun.withDefaults()}
}

func (f factory[K, V]) New(h policy.Hooks[K, V]) policy.SegmentPolicy[K, V] {
	return &sampled[K, V]{h: h, tun: f.tun}
}

// sampled is the per-segment instance. List maintenance is plain
// move-to-front; the interesting part is Victim.
type sampled[K comparable, V any] struct {
	h   policy.Hooks[K, V]
	tun Tunables
}

func (p *sampled[K, V]) OnAdd(n policy.Node[K, V])    { p.h.PushFront(n) }
func (p *sampled[K, V]) OnGet(n policy.Node[K, V])    { p.h.MoveToFront(n) }
func (p *sampled[K, V]) OnUpdate(n policy.Node[K, V]) { p.h.MoveToFront(n) }
func (p *sampled[K, V]) OnRemove(_ policy.Node[K, V]) {}

// Victim returns the sampled node with the lowest combined score.
func (p *sampled[K, V]) Victim(sample []policy.Node[K, V], now int64) policy.Node[K, V] {
	var (
		victim policy.Node[K, V]
		lowest float64
	)
	for _, n := range sample {
		s := p.score(n, now)
		if victim == nil || s < lowest {
			victim, lowest = n, s
		}
	}
	return victim
}

// score combines the decayed frequency counter with a recency bonus that
// halves every RecencyHalfLife. Higher scores survive longer.
func (p *sampled[K, V]) score(n policy.Node[K, V], now int64) float64 {
	age := float64(now - n.LastAccess())
	if age < 0 {
		age = 0
	}
	halfLives := age / float64(p.tun.RecencyHalfLife)
	recency := p.tun.RecencyWeight * math.Exp2(-halfLives)
	return p.tun.FreqWeight*float64(n.Frequency()) + recency
}
