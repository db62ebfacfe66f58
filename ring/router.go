package ring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cachemesh/cachemesh/internal/util"
)

// ErrRingInconsistent reports a structurally invalid ring. It indicates a
// rebuild bug; the router recovers by rebuilding wholesale from the last
// known membership view, never by partial repair.
var ErrRingInconsistent = errors.New("ring: inconsistent ring structure")

// Salter tells the router whether a key is currently hot and, if so,
// which synthetic salt suffix to route this request under. Implemented by
// the hotkey mitigator; a nil Salter disables salting.
type Salter interface {
	SaltFor(key string) (salt int, ok bool)
}

// Router maps keys to owning nodes through the current ring. The ring is
// read-mostly and swapped wholesale under a single atomic pointer on
// membership change, so concurrent lookups never observe a torn ring:
// readers see either the old ring or the new one, never a partial update.
type Router struct {
	vnodesPer int
	salter    Salter

	cur atomic.Pointer[Ring]

	// mu serializes rebuilds; lastNodes is the membership view the
	// current ring was built from, kept for full recovery.
	mu        sync.Mutex
	lastNodes []Node
}

// NewRouter creates a router with an empty ring. salter may be nil.
func NewRouter(vnodesPer int, salter Salter) *Router {
	if vnodesPer <= 0 {
		vnodesPer = DefaultVirtualNodes
	}
	rt := &Router{vnodesPer: vnodesPer, salter: salter}
	rt.cur.Store(Build(nil, vnodesPer))
	return rt
}

// Rebuild constructs a fresh ring from nodes and swaps it in atomically.
// Callers mid-lookup keep using the ring they already loaded; only the
// keys on arcs adjacent to the changed node's virtual points remap.
func (rt *Router) Rebuild(nodes []Node) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.lastNodes = append([]Node(nil), nodes...)
	rt.cur.Store(Build(nodes, rt.vnodesPer))
}

// ResolveOwner returns the node owning key. For a key currently flagged
// hot, the lookup is performed under the salted synthetic key, spreading
// the logical key's load across the salter's cardinality.
func (rt *Router) ResolveOwner(key string) (Node, bool) {
	if rt.salter != nil {
		if salt, hot := rt.salter.SaltFor(key); hot {
			key = util.SaltKey(key, salt)
		}
	}
	return rt.cur.Load().Owner(key)
}

// ResolveUnsalted bypasses hot-key salting (replica placement and shard
// assignment must be stable regardless of traffic shape).
func (rt *Router) ResolveUnsalted(key string) (Node, bool) {
	return rt.cur.Load().Owner(key)
}

// PreferenceList returns the first k distinct nodes clockwise from key's
// unsalted position. Head is the owner, tail are replica placements.
func (rt *Router) PreferenceList(key string, k int) []Node {
	return rt.cur.Load().PreferenceList(key, k)
}

// Ring returns the current ring snapshot for read-only use.
func (rt *Router) Ring() *Ring { return rt.cur.Load() }

// Verify checks the current ring's structural invariants. On violation it
// rebuilds from the last membership view and returns ErrRingInconsistent
// so the caller can surface the fault.
func (rt *Router) Verify() error {
	if err := rt.cur.Load().checkConsistency(); err != nil {
		rt.mu.Lock()
		rt.cur.Store(Build(rt.lastNodes, rt.vnodesPer))
		rt.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRingInconsistent, err)
	}
	return nil
}
