package ring

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring points per physical node when
// the caller does not specify one. More points smooth the load
// distribution at the cost of a larger (still tiny) lookup table.
const DefaultVirtualNodes = 160

// Node represents a physical node in the cluster.
type Node struct {
	ID   string
	Addr string
}

// point is one virtual-node position on the ring.
type point struct {
	hash   uint64
	nodeID string
}

// Ring is an immutable consistent-hash ring with virtual nodes. It is
// built once from a node list and never mutated; membership changes
// produce a new Ring (see Router). Immutability is what lets lookups run
// lock-free against a snapshot without ever observing a partial view.
type Ring struct {
	points    []point // strictly increasing by hash, no duplicates
	nodes     map[string]Node
	vnodesPer int
}

// Build constructs a ring from the given nodes with vnodesPer virtual
// points each (<= 0 selects DefaultVirtualNodes). The construction is
// deterministic: the same node set always yields the same ring, so every
// node in a cluster computes identical placements. Hash collisions between
// points are resolved by re-hashing with a retry suffix until the position
// is unique.
func Build(nodes []Node, vnodesPer int) *Ring {
	if vnodesPer <= 0 {
		vnodesPer = DefaultVirtualNodes
	}
	r := &Ring{
		points:    make([]point, 0, len(nodes)*vnodesPer),
		nodes:     make(map[string]Node, len(nodes)),
		vnodesPer: vnodesPer,
	}

	used := make(map[uint64]struct{}, len(nodes)*vnodesPer)
	for _, n := range nodes {
		if _, dup := r.nodes[n.ID]; dup {
			continue
		}
		r.nodes[n.ID] = n
		for i := 0; i < vnodesPer; i++ {
			h := xxhash.Sum64String(fmt.Sprintf("%s-vnode-%d", n.ID, i))
			for retry := 0; ; retry++ {
				if _, taken := used[h]; !taken {
					break
				}
				h = xxhash.Sum64String(fmt.Sprintf("%s-vnode-%d-retry-%d", n.ID, i, retry))
			}
			used[h] = struct{}{}
			r.points = append(r.points, point{hash: h, nodeID: n.ID})
		}
	}

	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

// Owner returns the node owning key: the virtual node at the smallest ring
// position >= the key's hash, wrapping to the first point if none is
// larger. Returns false only for an empty ring.
func (r *Ring) Owner(key string) (Node, bool) {
	return r.ownerOfHash(xxhash.Sum64String(key))
}

func (r *Ring) ownerOfHash(h uint64) (Node, bool) {
	if len(r.points) == 0 {
		return Node{}, false
	}
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0 // wrap around
	}
	n, ok := r.nodes[r.points[idx].nodeID]
	return n, ok
}

// PreferenceList returns the first k distinct physical nodes clockwise
// from the key's position. The head of the list is the owner; the tail
// nodes are the natural replica placements.
func (r *Ring) PreferenceList(key string, k int) []Node {
	if len(r.points) == 0 || k <= 0 {
		return nil
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}

	seen := make(map[string]struct{}, k)
	out := make([]Node, 0, k)
	for i := 0; i < len(r.points) && len(out) < k; i++ {
		id := r.points[(idx+i)%len(r.points)].nodeID
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if n, ok := r.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Nodes returns the physical nodes on the ring.
func (r *Ring) Nodes() []Node {
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of virtual points on the ring.
func (r *Ring) Len() int { return len(r.points) }

// checkConsistency validates the structural invariants: points strictly
// increasing with no duplicate hashes, every point owned by a member node,
// and every node holding exactly vnodesPer points. A failure indicates a
// construction bug, not a recoverable condition.
func (r *Ring) checkConsistency() error {
	perNode := make(map[string]int, len(r.nodes))
	for i, p := range r.points {
		if i > 0 && r.points[i-1].hash >= p.hash {
			return fmt.Errorf("points not strictly increasing at index %d", i)
		}
		if _, ok := r.nodes[p.nodeID]; !ok {
			return fmt.Errorf("point %d owned by unknown node %q", i, p.nodeID)
		}
		perNode[p.nodeID]++
	}
	for id, c := range perNode {
		if c != r.vnodesPer {
			return fmt.Errorf("node %q has %d points, want %d", id, c, r.vnodesPer)
		}
	}
	return nil
}
