// Package coalesce collapses concurrent fetches for the same key into a
// single upstream call. It is the miss-path stampede guard: for N
// concurrent misses on one key, exactly one fetch reaches the backing
// store and every caller receives the shared result.
package coalesce

import (
	"context"
	"sync"
)

// Stats describes how a Do call was served.
type Stats struct {
	// Shared is true when the result came from a ticket with more than
	// one subscriber (i.e. the call was coalesced).
	Shared bool
	// Subscribers is the number of callers attached to the ticket at the
	// time the result was delivered.
	Subscribers int
}

// ticket is the per-in-flight-miss record. The leader publishes (val, err)
// and closes done; publishing happens-before the close, so reads after
// <-done observe the final values.
type ticket[V any] struct {
	done chan struct{}
	subs int // guarded by the group mutex
	val  V
	err  error
}

// Group coalesces concurrent fetches per key K. The zero value is ready
// to use. All methods are safe for concurrent use.
//
// Concurrency notes:
//   - The first caller for a key becomes the leader and runs fetch.
//   - Followers subscribe to the ticket and wait on its done channel.
//   - A follower whose ctx expires unsubscribes and returns ctx.Err();
//     it does NOT cancel the leader's fetch. If cancellation of the
//     upstream work is needed, fetch must honor its own ctx.
//   - The ticket is removed once the result is published — success or
//     failure — so a later call for the same key issues a fresh fetch.
type Group[K comparable, V any] struct {
	mu      sync.Mutex
	tickets map[K]*ticket[V]
}

// Do runs fetch at most once per key among concurrent callers. Every
// caller that joins before completion receives the same (V, error) pair;
// a fetch failure is propagated identically to all subscribers.
func (g *Group[K, V]) Do(ctx context.Context, key K, fetch func(ctx context.Context) (V, error)) (V, Stats, error) {
	g.mu.Lock()
	if g.tickets == nil {
		g.tickets = make(map[K]*ticket[V])
	}
	if t, ok := g.tickets[key]; ok {
		// Join the in-flight ticket as a follower.
		t.subs++
		g.mu.Unlock()

		select {
		case <-t.done:
			return t.val, Stats{Shared: true, Subscribers: t.subs}, t.err
		case <-ctx.Done():
			// Unsubscribe cleanly; the ticket itself stays until the
			// leader resolves it.
			g.mu.Lock()
			if cur, ok := g.tickets[key]; ok && cur == t {
				t.subs--
			}
			g.mu.Unlock()
			var zero V
			return zero, Stats{Shared: true}, ctx.Err()
		}
	}

	// We are the leader for this key.
	t := &ticket[V]{done: make(chan struct{}), subs: 1}
	g.tickets[key] = t
	g.mu.Unlock()

	// Execute fetch outside the lock.
	v, err := fetch(ctx)

	// Publish the result, retire the ticket, wake followers.
	g.mu.Lock()
	delete(g.tickets, key)
	subs := t.subs
	g.mu.Unlock()
	t.val, t.err = v, err
	close(t.done)

	return v, Stats{Shared: subs > 1, Subscribers: subs}, err
}

// Inflight reports whether a ticket currently exists for key (test hook).
func (g *Group[K, V]) Inflight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tickets[key]
	return ok
}
