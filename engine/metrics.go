package engine

// Metrics exposes engine-level observability hooks, one layer above the
// entry store's cache.Metrics. NoopMetrics is the default.
type Metrics interface {
	// CoalescedFetch records a served miss fetch; shared reports whether
	// the caller piggybacked on another caller's ticket.
	CoalescedFetch(shared bool)
	// UpstreamFetch records a backing-store fetch attempt.
	UpstreamFetch(failed bool)
	// HotKeys reports the current number of flagged hot keys.
	HotKeys(n int64)
	// Promotion records a completed primary promotion.
	Promotion()
	// ReplicationApply records an applied (non-replay) replication record.
	ReplicationApply()
}

// NoopMetrics is the default Metrics implementation.
type NoopMetrics struct{}

func (NoopMetrics) CoalescedFetch(bool) {}
func (NoopMetrics) UpstreamFetch(bool)  {}
func (NoopMetrics) HotKeys(int64)       {}
func (NoopMetrics) Promotion()          {}
func (NoopMetrics) ReplicationApply()   {}

var _ Metrics = NoopMetrics{}
