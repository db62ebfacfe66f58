// Package hotkey detects and mitigates disproportionately popular keys.
// A striped table of exponentially-decayed rate estimators is updated on
// every routed request; keys crossing the configured rate threshold are
// flagged so the router spreads their traffic across salted synthetic
// shard keys and callers absorb bursts in a short-TTL local cache. Keys
// whose rate subsides for a sustained window revert to normal routing.
package hotkey
