package replica

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

// ConsistencyMode selects the write/read behavior while a shard has no
// acknowledged primary. It is an explicit configuration enum consulted at
// the write path, not runtime dispatch.
type ConsistencyMode int

const (
	// Eventual serves best-effort reads from replicas and accepts writes
	// against the local store while a shard is degraded. Callers may
	// observe stale reads; that risk is part of the contract, not hidden.
	Eventual ConsistencyMode = iota
	// Strong rejects writes with ErrNoPrimaryAvailable (or blocks until
	// promotion completes, bounded by the caller's deadline) whenever the
	// shard is not Stable.
	Strong
)

// String returns the mode's configuration spelling.
func (m ConsistencyMode) String() string {
	switch m {
	case Strong:
		return "strong"
	default:
		return "eventual"
	}
}

// ParseConsistencyMode parses "eventual" or "strong".
func ParseConsistencyMode(s string) (ConsistencyMode, error) {
	switch s {
	case "eventual", "":
		return Eventual, nil
	case "strong":
		return Strong, nil
	default:
		return Eventual, fmt.Errorf("replica: unknown consistency mode %q", s)
	}
}

// State is the lifecycle state of one shard's replica set.
type State int

const (
	// Stable: exactly one acknowledged primary plus read-eligible replicas.
	Stable State = iota
	// Degraded: the primary failed and no promotion candidate is selected.
	Degraded
	// Promoting: a candidate was selected and its acknowledgment is pending.
	Promoting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Stable:
		return "STABLE"
	case Degraded:
		return "DEGRADED"
	case Promoting:
		return "PROMOTING"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNoPrimaryAvailable is returned for writes against a shard that is
	// Degraded or Promoting under strong consistency. Transient; callers
	// should retry after promotion completes.
	ErrNoPrimaryAvailable = errors.New("replica: no primary available")
	// ErrPrimaryUnavailable is returned when a bounded wait for promotion
	// expired before the shard returned to Stable.
	ErrPrimaryUnavailable = errors.New("replica: primary unavailable")
	// ErrUnknownShard is returned for a shard the manager has no
	// assignment for.
	ErrUnknownShard = errors.New("replica: unknown shard")
)

// shardSet is the tracked replica set of one shard.
type shardSet struct {
	state     State
	primary   string
	replicas  []string
	candidate string

	// Replication offsets per node, reported by the replication path.
	// Promotion picks the most caught-up replica.
	offsets map[string]uint64

	// stableCh is closed while the shard is Stable; waiters block on it.
	// It is replaced with an open channel whenever the shard leaves
	// Stable, so AwaitPrimary re-checks after every transition.
	stableCh chan struct{}
}

// Manager tracks primary/replica assignment per shard and drives the
// Stable → Degraded → Promoting → Stable failover cycle. Failure signals
// come from the external membership collaborator; promotion completion
// comes from the promoted node's acknowledgment.
type Manager struct {
	mu      sync.Mutex
	localID string
	shards  map[int]*shardSet

	onPromoted func(shard int, newPrimary string)
}

// NewManager creates an empty manager. localID is only used to prefix
// log lines with the observing node.
func NewManager(localID string) *Manager {
	return &Manager{
		localID: localID,
		shards:  make(map[int]*shardSet),
	}
}

// SetOnPromoted registers a callback fired after a promotion completes,
// before waiters are released. The router is informed of the new owner
// through this hook.
func (m *Manager) SetOnPromoted(fn func(shard int, newPrimary string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPromoted = fn
}

// Assign sets (or resets) a shard's replica set and marks it Stable.
func (m *Manager) Assign(shard int, primary string, replicas []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shards[shard]
	if !ok {
		s = &shardSet{offsets: make(map[string]uint64), stableCh: make(chan struct{})}
		m.shards[shard] = s
	}
	s.primary = primary
	s.replicas = append([]string(nil), replicas...)
	s.candidate = ""
	m.enterStableLocked(s)
}

// ReportOffset records node's replication offset for shard. Offsets feed
// candidate selection; stale nodes lose.
func (m *Manager) ReportOffset(shard int, node string, offset uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shards[shard]; ok {
		if offset > s.offsets[node] {
			s.offsets[node] = offset
		}
	}
}

// PrimaryFailed transitions a Stable shard to Degraded and immediately
// attempts candidate selection. Signaled by the membership collaborator.
func (m *Manager) PrimaryFailed(shard int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[shard]
	if !ok || s.state != Stable {
		return
	}
	log.Printf("[%s] shard %d: primary %s failed, degraded", m.localID, shard, s.primary)
	s.primary = ""
	s.state = Degraded
	m.selectCandidateLocked(shard, s)
}

// NodeFailed removes a failed node from every replica set it is part of.
// Shards it led become Degraded; a failed promotion candidate triggers
// reselection.
func (m *Manager) NodeFailed(node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for shard, s := range m.shards {
		s.replicas = remove(s.replicas, node)
		delete(s.offsets, node)

		switch {
		case s.state == Stable && s.primary == node:
			log.Printf("[%s] shard %d: primary %s failed, degraded", m.localID, shard, node)
			s.primary = ""
			s.state = Degraded
			m.selectCandidateLocked(shard, s)
		case s.state == Promoting && s.candidate == node:
			log.Printf("[%s] shard %d: promotion candidate %s failed", m.localID, shard, node)
			s.candidate = ""
			s.state = Degraded
			m.selectCandidateLocked(shard, s)
		}
	}
}

// Promote retries candidate selection for a Degraded shard (useful after
// fresh offsets arrive).
func (m *Manager) Promote(shard int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shards[shard]; ok && s.state == Degraded {
		m.selectCandidateLocked(shard, s)
	}
}

// AckPromotion completes a promotion: the candidate acknowledged the
// primary role. The shard returns to Stable, the OnPromoted hook informs
// the router, and blocked writers are released.
func (m *Manager) AckPromotion(shard int, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[shard]
	if !ok {
		return ErrUnknownShard
	}
	if s.state != Promoting || s.candidate != node {
		return fmt.Errorf("replica: shard %d not promoting %q (state=%s candidate=%q)",
			shard, node, s.state, s.candidate)
	}
	s.primary = node
	s.candidate = ""
	s.replicas = remove(s.replicas, node)
	log.Printf("[%s] shard %d: promoted %s to primary", m.localID, shard, node)
	if m.onPromoted != nil {
		m.onPromoted(shard, node)
	}
	m.enterStableLocked(s)
	return nil
}

// Candidate returns the node selected for promotion while the shard is
// Promoting. The coordinator confirms it via AckPromotion.
func (m *Manager) Candidate(shard int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[shard]
	if !ok || s.state != Promoting {
		return "", false
	}
	return s.candidate, true
}

// Primary returns the shard's primary, or ErrNoPrimaryAvailable while the
// shard is Degraded/Promoting.
func (m *Manager) Primary(shard int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[shard]
	if !ok {
		return "", ErrUnknownShard
	}
	if s.state != Stable {
		return "", ErrNoPrimaryAvailable
	}
	return s.primary, nil
}

// ReadTarget returns the node a read for this shard may be served from.
// Under eventual consistency a degraded shard falls back to any replica;
// the returned value may then be stale — that is the documented trade of
// the mode, not an error. Under strong consistency only a Stable primary
// qualifies.
func (m *Manager) ReadTarget(shard int, mode ConsistencyMode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[shard]
	if !ok {
		return "", ErrUnknownShard
	}
	if s.state == Stable {
		return s.primary, nil
	}
	if mode == Eventual && len(s.replicas) > 0 {
		return s.replicas[0], nil
	}
	return "", ErrNoPrimaryAvailable
}

// Replicas returns the shard's current read-eligible replicas.
func (m *Manager) Replicas(shard int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shards[shard]; ok {
		return append([]string(nil), s.replicas...)
	}
	return nil
}

// ShardState returns the shard's current lifecycle state.
func (m *Manager) ShardState(shard int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shards[shard]; ok {
		return s.state
	}
	return Degraded
}

// AwaitPrimary blocks until the shard is Stable and returns its primary.
// The wait honors ctx; on expiry the caller gets ErrPrimaryUnavailable
// wrapped over the ctx error.
func (m *Manager) AwaitPrimary(ctx context.Context, shard int) (string, error) {
	for {
		m.mu.Lock()
		s, ok := m.shards[shard]
		if !ok {
			m.mu.Unlock()
			return "", ErrUnknownShard
		}
		if s.state == Stable {
			p := s.primary
			m.mu.Unlock()
			return p, nil
		}
		ch := s.stableCh
		m.mu.Unlock()

		select {
		case <-ch:
			// Re-check: the shard may have degraded again.
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrPrimaryUnavailable, ctx.Err())
		}
	}
}

// -------------------- internals (mu held) --------------------

// selectCandidateLocked picks the promotion candidate: highest replication
// offset, ties broken by lowest node ID. No replicas means the shard stays
// Degraded until membership recovers.
func (m *Manager) selectCandidateLocked(shard int, s *shardSet) {
	if len(s.replicas) == 0 {
		return
	}
	sorted := append([]string(nil), s.replicas...)
	sort.Strings(sorted)
	best := sorted[0]
	for _, r := range sorted[1:] {
		if s.offsets[r] > s.offsets[best] {
			best = r
		}
	}
	s.candidate = best
	s.state = Promoting
	log.Printf("[%s] shard %d: promoting %s (offset=%d)", m.localID, shard, best, s.offsets[best])
}

func (m *Manager) enterStableLocked(s *shardSet) {
	s.state = Stable
	// Release waiters, then arm a fresh channel for the next wait cycle.
	close(s.stableCh)
	s.stableCh = make(chan struct{})
}

func remove(list []string, node string) []string {
	out := list[:0]
	for _, n := range list {
		if n != node {
			out = append(out, n)
		}
	}
	return out
}
