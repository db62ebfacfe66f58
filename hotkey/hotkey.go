package hotkey

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachemesh/cachemesh/internal/util"
)

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures hot-key detection. Defaults are applied in New():
//   - LowerThreshold <= 0  => RateThreshold / 2
//   - SaltCardinality <= 0 => 8
//   - CooldownWindow <= 0  => 10s
//   - Stripes <= 0         => 64 (rounded to a power of two)
//   - IdleExpiry <= 0      => 1m
type Options struct {
	// RateThreshold is the estimated request rate (req/s) above which a
	// key is flagged hot. <= 0 disables detection entirely.
	RateThreshold float64

	// LowerThreshold is the de-escalation bound: a hot key whose rate
	// stays below it for CooldownWindow reverts to single-shard routing.
	// Keeping it under RateThreshold adds hysteresis so keys hovering at
	// the boundary do not flap.
	LowerThreshold float64

	// SaltCardinality is the number of synthetic shard keys a hot key is
	// spread across.
	SaltCardinality int

	// CooldownWindow is how long the rate must stay below LowerThreshold
	// before the hot flag is dropped.
	CooldownWindow time.Duration

	// Stripes is the lock-striping factor of the state table.
	Stripes int

	// IdleExpiry removes estimator state for keys not seen this long,
	// bounding table growth.
	IdleExpiry time.Duration

	// Clock overrides the time source (tests). Nil => time.Now().
	Clock Clock
}

// ewmaAlpha weights the newest inter-arrival observation; small enough to
// smooth bursts, large enough to escalate within tens of requests.
const ewmaAlpha = 0.2

// state is the per-key HotKeyState: a decayed rate estimate plus the
// salting bookkeeping.
type state struct {
	rate       float64 // EWMA of instantaneous request rate, req/s
	last       int64   // last touch, UnixNano; only Touch advances this
	decayedAt  int64   // last background decay, UnixNano
	hot        bool
	belowSince int64  // when the rate first dipped under LowerThreshold; 0 = not dipping
	rr         uint32 // round-robin salt cursor
}

type stripe struct {
	mu sync.Mutex
	m  map[string]*state
}

// Mitigator estimates per-key request rates and flags disproportionately
// popular keys. Flagged keys are routed under rotating salt suffixes (the
// Mitigator implements ring.Salter) and their callers are told to absorb
// bursts in a short-TTL local cache before routing at all.
//
// The state table uses fixed striped locking indexed by hash(key), the
// same discipline as the entry store's segments: no global mutex and no
// unbounded per-key lock registry.
type Mitigator struct {
	opt     Options
	stripes []stripe

	hotKeys atomic.Int64
}

// New creates a mitigator. A RateThreshold <= 0 yields a disabled
// mitigator that never flags anything (all methods stay cheap).
func New(opt Options) *Mitigator {
	if opt.LowerThreshold <= 0 {
		opt.LowerThreshold = opt.RateThreshold / 2
	}
	if opt.SaltCardinality <= 0 {
		opt.SaltCardinality = 8
	}
	if opt.CooldownWindow <= 0 {
		opt.CooldownWindow = 10 * time.Second
	}
	if opt.Stripes <= 0 {
		opt.Stripes = 64
	}
	opt.Stripes = int(util.NextPow2(uint64(opt.Stripes)))
	if opt.IdleExpiry <= 0 {
		opt.IdleExpiry = time.Minute
	}

	m := &Mitigator{opt: opt, stripes: make([]stripe, opt.Stripes)}
	for i := range m.stripes {
		m.stripes[i].m = make(map[string]*state)
	}
	return m
}

// Touch records one request for key and returns whether the key is hot
// after the update. Call it on every routed request.
func (m *Mitigator) Touch(key string) bool {
	if m.opt.RateThreshold <= 0 {
		return false
	}
	st := m.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := m.now()
	s, ok := st.m[key]
	if !ok {
		st.m[key] = &state{last: now, decayedAt: now}
		return false
	}

	// EWMA over instantaneous rates derived from inter-arrival gaps.
	if dt := now - s.last; dt > 0 {
		inst := float64(time.Second) / float64(dt)
		s.rate = ewmaAlpha*inst + (1-ewmaAlpha)*s.rate
	}
	s.last = now
	s.decayedAt = now

	m.evaluateLocked(s, now)
	return s.hot
}

// SaltFor implements ring.Salter: for a hot key it returns the next
// round-robin salt in [0, SaltCardinality). Round-robin keeps the spread
// even without needing requester identity, which this layer does not have.
func (m *Mitigator) SaltFor(key string) (int, bool) {
	if m.opt.RateThreshold <= 0 {
		return 0, false
	}
	st := m.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.m[key]
	if !ok || !s.hot {
		return 0, false
	}
	salt := int(s.rr % uint32(m.opt.SaltCardinality))
	s.rr++
	return salt, true
}

// Burst reports whether callers should serve key through the short-TTL
// local burst cache before routing.
func (m *Mitigator) Burst(key string) bool {
	if m.opt.RateThreshold <= 0 {
		return false
	}
	st := m.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.m[key]
	return ok && s.hot
}

// SaltCardinality returns the configured spread for hot keys.
func (m *Mitigator) SaltCardinality() int { return m.opt.SaltCardinality }

// HotKeys returns the number of currently flagged keys.
func (m *Mitigator) HotKeys() int64 { return m.hotKeys.Load() }

// Sweep decays estimates of idle keys, de-escalates keys whose rate
// subsided, and drops estimator state past IdleExpiry. Run it from a
// background ticker; each call is O(table size), which stays bounded by
// IdleExpiry turnover.
func (m *Mitigator) Sweep() {
	if m.opt.RateThreshold <= 0 {
		return
	}
	now := m.now()
	for i := range m.stripes {
		st := &m.stripes[i]
		st.mu.Lock()
		for key, s := range st.m {
			// s.last stays the true last touch so idleness accumulates
			// across sweeps; decay progress is tracked separately.
			if now-s.last > int64(m.opt.IdleExpiry) {
				if s.hot {
					m.hotKeys.Add(-1)
				}
				delete(st.m, key)
				continue
			}
			if quiet := now - s.decayedAt; quiet > 0 {
				// Halve the estimate for every cooldown window of silence
				// so an abandoned hot key de-escalates without traffic.
				s.rate *= math.Exp2(-float64(quiet) / float64(m.opt.CooldownWindow))
				s.decayedAt = now
			}
			m.evaluateLocked(s, now)
		}
		st.mu.Unlock()
	}
}

// -------------------- internals (stripe mu held) --------------------

// evaluateLocked applies the escalation/de-escalation rules to s.
// De-escalation is deliberately lazy: dropping the flag only reverts
// routing to the unsalted ring position, which is always resolvable, so
// in-flight salted requests complete against their salted placement and
// simply stop being issued.
func (m *Mitigator) evaluateLocked(s *state, now int64) {
	switch {
	case !s.hot && s.rate >= m.opt.RateThreshold:
		s.hot = true
		s.belowSince = 0
		m.hotKeys.Add(1)
	case s.hot && s.rate < m.opt.LowerThreshold:
		if s.belowSince == 0 {
			s.belowSince = now
		} else if now-s.belowSince >= int64(m.opt.CooldownWindow) {
			s.hot = false
			s.belowSince = 0
			s.rr = 0
			m.hotKeys.Add(-1)
		}
	case s.hot:
		s.belowSince = 0
	}
}

func (m *Mitigator) stripeFor(key string) *stripe {
	return &m.stripes[util.ShardIndex(util.Fnv64aString(key), len(m.stripes))]
}

func (m *Mitigator) now() int64 {
	if m.opt.Clock != nil {
		return m.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}
