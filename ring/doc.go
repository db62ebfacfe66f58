// Package ring implements consistent-hash shard routing with virtual
// nodes. A Ring is an immutable placement table built from a membership
// view; a Router swaps rings wholesale under an atomic pointer on
// membership change, giving lock-free lookups and bounded remapping:
// adding one node to an M-node ring moves roughly 1/(M+1) of the keyspace.
// Hot keys can be routed under rotating salt suffixes via the Salter hook.
package ring
