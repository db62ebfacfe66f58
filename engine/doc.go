// Package engine wires the node-side components of a cache cluster into
// one transport-agnostic surface: a segmented entry store, a consistent-
// hash shard router, per-shard replica sets with failover promotion, a
// request coalescer for miss storms, and a hot-key mitigator.
//
// An Engine is one cluster node. Client-facing reads and writes go
// through Get, Put, and Delete; peers deliver replication records via
// ApplyReplicate; the membership collaborator drives OnNodeJoined and
// OnNodeFailed; a CDC pipeline drives OnInvalidate. The transport layer
// (not provided here) resolves placements with Owner and moves bytes.
package engine
