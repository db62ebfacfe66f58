package util

// ShardIndex maps a 64-bit hash to a segment/stripe index.
// Assumes the count is usually a power of two for the fast mask path,
// but stays correct for arbitrary counts (falls back to modulo).
func ShardIndex(hash uint64, count int) int {
	if count <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(count)) {
		return int(hash & uint64(count-1))
	}
	return int(hash % uint64(count))
}
