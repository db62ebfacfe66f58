// Package prom exports cache and engine metrics to Prometheus.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cachemesh/cachemesh/cache"
	"github.com/cachemesh/cachemesh/engine"
)

// CacheAdapter implements cache.Metrics and exports Prometheus
// counters/gauges. Safe for concurrent use; all Prometheus metric types
// are goroutine-safe.
type CacheAdapter struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evicts    *prometheus.CounterVec
	sizeEnt   prometheus.Gauge
	sizeBytes prometheus.Gauge
}

// NewCache constructs a Prometheus adapter for the entry store.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func NewCache(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *CacheAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &CacheAdapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		sizeEnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}),
		sizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_bytes",
			Help:        "Total resident bytes",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.sizeEnt, a.sizeBytes)
	return a
}

// Hit increments the hit counter.
func (a *CacheAdapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *CacheAdapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *CacheAdapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(reason(r)).Inc()
}

// Size updates gauges for the number of entries and total bytes.
func (a *CacheAdapter) Size(entries int, bytes int64) {
	a.sizeEnt.Set(float64(entries))
	a.sizeBytes.Set(float64(bytes))
}

// reason maps EvictReason to a stable label value.
func reason(r cache.EvictReason) string {
	switch r {
	case cache.EvictTTL:
		return "ttl"
	case cache.EvictCapacity:
		return "capacity"
	default:
		return "policy"
	}
}

// EngineAdapter implements engine.Metrics: coalescing, upstream fetch,
// hot-key, replication, and failover counters.
type EngineAdapter struct {
	coalesced  *prometheus.CounterVec
	upstream   *prometheus.CounterVec
	hotKeys    prometheus.Gauge
	promotions prometheus.Counter
	replApply  prometheus.Counter
}

// NewEngine constructs a Prometheus adapter for the engine. Arguments
// mirror NewCache.
func NewEngine(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *EngineAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &EngineAdapter{
		coalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "coalesced_fetches_total",
				Help:        "Miss-path fetches by coalescing outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		upstream: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "upstream_fetches_total",
				Help:        "Backing-store fetch attempts by result",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		hotKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hot_keys",
			Help:        "Keys currently flagged hot",
			ConstLabels: constLabels,
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "promotions_total",
			Help:        "Replica promotions acknowledged",
			ConstLabels: constLabels,
		}),
		replApply: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "replication_applies_total",
			Help:        "Replication records applied",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.coalesced, a.upstream, a.hotKeys, a.promotions, a.replApply)
	return a
}

// CoalescedFetch records one miss-path fetch; shared marks subscribers
// that piggybacked on another caller's in-flight fetch.
func (a *EngineAdapter) CoalescedFetch(shared bool) {
	if shared {
		a.coalesced.WithLabelValues("shared").Inc()
	} else {
		a.coalesced.WithLabelValues("leader").Inc()
	}
}

// UpstreamFetch records one backing-store fetch attempt.
func (a *EngineAdapter) UpstreamFetch(failed bool) {
	if failed {
		a.upstream.WithLabelValues("error").Inc()
	} else {
		a.upstream.WithLabelValues("ok").Inc()
	}
}

// HotKeys updates the hot-key gauge.
func (a *EngineAdapter) HotKeys(n int64) { a.hotKeys.Set(float64(n)) }

// Promotion increments the promotion counter.
func (a *EngineAdapter) Promotion() { a.promotions.Inc() }

// ReplicationApply increments the applied-records counter.
func (a *EngineAdapter) ReplicationApply() { a.replApply.Inc() }

// Compile-time checks.
var (
	_ cache.Metrics  = (*CacheAdapter)(nil)
	_ engine.Metrics = (*EngineAdapter)(nil)
)
