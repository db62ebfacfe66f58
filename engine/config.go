package engine

import (
	"fmt"
	"time"

	"github.com/cachemesh/cachemesh/replica"
)

// Config is the engine's recognized configuration surface.
type Config struct {
	// NodeID identifies this node in the cluster. Required.
	NodeID string
	// Addr is this node's advertised address, carried on the ring so the
	// transport layer can dial owners. May be empty in single-node use.
	Addr string

	// SegmentCount partitions the local entry store.
	SegmentCount int
	// TotalCapacityBytes bounds the resident set of the local store.
	TotalCapacityBytes int64
	// MaxValueBytes rejects oversized puts with ErrValueTooLarge.
	// Zero defaults to the per-segment capacity.
	MaxValueBytes int64
	// DefaultTTL applies to entries stored without an explicit TTL,
	// including miss-path fills from the backing store (0 = no expiry).
	DefaultTTL time.Duration

	// VirtualNodesPerNode sets ring points per physical node.
	VirtualNodesPerNode int
	// ShardCount is the number of logical shards replica sets are
	// tracked under.
	ShardCount int
	// ReplicationFactor is the number of replicas per shard in addition
	// to the primary.
	ReplicationFactor int
	// ConsistencyMode selects write behavior while a shard has no
	// acknowledged primary.
	ConsistencyMode replica.ConsistencyMode
	// PrimaryWaitTimeout bounds how long a strong-mode write blocks for a
	// promotion before failing with ErrPrimaryUnavailable.
	PrimaryWaitTimeout time.Duration

	// HotKeyRateThreshold flags keys above this request rate (req/s) as
	// hot. <= 0 disables hot-key mitigation.
	HotKeyRateThreshold float64
	// SaltCardinality is the synthetic-key spread for hot keys.
	SaltCardinality int
	// BurstTTL is the short TTL of the node-local burst cache absorbing
	// hot-key traffic. Clamped to 1s.
	BurstTTL time.Duration

	// CoalescerEnabled collapses concurrent miss fetches for one key into
	// a single upstream call.
	CoalescerEnabled bool
	// FetchRetries is the number of additional upstream attempts after a
	// failed fetch. Retries are bounded and never silent: the final error
	// is surfaced to every coalesced caller.
	FetchRetries int
}

// DefaultConfig returns a working single-node configuration.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:              nodeID,
		SegmentCount:        16,
		TotalCapacityBytes:  64 << 20,
		VirtualNodesPerNode: 160,
		ShardCount:          64,
		ReplicationFactor:   2,
		ConsistencyMode:     replica.Eventual,
		PrimaryWaitTimeout:  2 * time.Second,
		HotKeyRateThreshold: 0, // disabled unless set
		SaltCardinality:     8,
		BurstTTL:            500 * time.Millisecond,
		CoalescerEnabled:    true,
	}
}

// withDefaults fills zero values; CoalescerEnabled and ConsistencyMode are
// taken as configured.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.NodeID)
	if c.SegmentCount <= 0 {
		c.SegmentCount = d.SegmentCount
	}
	if c.TotalCapacityBytes <= 0 {
		c.TotalCapacityBytes = d.TotalCapacityBytes
	}
	if c.VirtualNodesPerNode <= 0 {
		c.VirtualNodesPerNode = d.VirtualNodesPerNode
	}
	if c.ShardCount <= 0 {
		c.ShardCount = d.ShardCount
	}
	if c.ReplicationFactor < 0 {
		c.ReplicationFactor = d.ReplicationFactor
	}
	if c.PrimaryWaitTimeout <= 0 {
		c.PrimaryWaitTimeout = d.PrimaryWaitTimeout
	}
	if c.SaltCardinality <= 0 {
		c.SaltCardinality = d.SaltCardinality
	}
	if c.BurstTTL <= 0 || c.BurstTTL > time.Second {
		c.BurstTTL = d.BurstTTL
	}
	if c.FetchRetries < 0 {
		c.FetchRetries = 0
	}
	return c
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("engine: NodeID is required")
	}
	if c.TotalCapacityBytes < 0 {
		return fmt.Errorf("engine: TotalCapacityBytes must be positive")
	}
	return nil
}
