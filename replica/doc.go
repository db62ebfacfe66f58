// Package replica tracks primary/replica assignment per shard and handles
// promotion when a primary fails. Each shard moves through a small state
// machine: Stable (one acknowledged primary) → Degraded (failure signal
// from the membership collaborator) → Promoting (most caught-up replica
// selected, lowest node ID breaking ties) → Stable (candidate acknowledged
// and the router informed). The consistency mode decides what happens to
// writes in between: strong rejects or blocks them, eventual serves
// best-effort from replicas with a documented stale-read risk.
package replica
