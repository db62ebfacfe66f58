package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// N concurrent callers for one key: exactly one fetch runs, everyone
// receives the shared result, and at least the followers see Shared.
func TestGroup_CoalescesConcurrentCallers(t *testing.T) {
	var g Group[string, string]
	var calls, shared, entered int64

	release := make(chan struct{})
	var eg errgroup.Group

	const N = 64
	for i := 0; i < N; i++ {
		eg.Go(func() error {
			atomic.AddInt64(&entered, 1)
			v, stats, err := g.Do(context.Background(), "k", func(context.Context) (string, error) {
				atomic.AddInt64(&calls, 1)
				<-release // hold the ticket open until all callers joined
				return "value", nil
			})
			if err != nil {
				return err
			}
			if v != "value" {
				return fmt.Errorf("got %q", v)
			}
			if stats.Shared {
				atomic.AddInt64(&shared, 1)
			}
			return nil
		})
	}

	// Give callers time to pile onto the ticket, then resolve it.
	for atomic.LoadInt64(&entered) < N || atomic.LoadInt64(&calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("fetch must run exactly once, got %d", got)
	}
	if atomic.LoadInt64(&shared) == 0 {
		t.Fatal("no caller observed a shared result")
	}
	if g.Inflight("k") {
		t.Fatal("ticket must be retired after the result is published")
	}
}

// A failed fetch propagates the same error to every subscriber and
// retires the ticket so the next call issues a fresh fetch.
func TestGroup_ErrorPropagation(t *testing.T) {
	var g Group[string, int]
	var calls int64
	errBoom := errors.New("boom")

	release := make(chan struct{})
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			_, _, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
				atomic.AddInt64(&calls, 1)
				<-release
				return 0, errBoom
			})
			if !errors.Is(err, errBoom) {
				return fmt.Errorf("want errBoom, got %v", err)
			}
			return nil
		})
	}

	for atomic.LoadInt64(&calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}

	// The failure is not cached: a fresh call fetches again.
	v, stats, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("fresh fetch failed: v=%d err=%v", v, err)
	}
	if stats.Shared {
		t.Fatal("solo call must not report Shared")
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("want 2 fetches total, got %d", got)
	}
}

// A follower whose context expires unsubscribes and returns ctx.Err()
// without cancelling the leader's fetch.
func TestGroup_FollowerContextExpiry(t *testing.T) {
	var g Group[string, string]
	release := make(chan struct{})

	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := g.Do(context.Background(), "k", func(context.Context) (string, error) {
			<-release
			return "late", nil
		})
		leaderDone <- err
	}()

	for !g.Inflight("k") {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := g.Do(ctx, "k", func(context.Context) (string, error) {
		t.Error("follower must never fetch")
		return "", nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}

	// The leader is unaffected by the follower's departure.
	close(release)
	if err := <-leaderDone; err != nil {
		t.Fatalf("leader failed: %v", err)
	}
}

// Distinct keys never coalesce with each other.
func TestGroup_IndependentKeys(t *testing.T) {
	var g Group[int, int]
	var calls int64

	var eg errgroup.Group
	for i := 0; i < 4; i++ {
		key := i
		eg.Go(func() error {
			v, _, err := g.Do(context.Background(), key, func(context.Context) (int, error) {
				atomic.AddInt64(&calls, 1)
				return key * 10, nil
			})
			if err != nil || v != key*10 {
				return fmt.Errorf("key %d: v=%d err=%v", key, v, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&calls); got != 4 {
		t.Fatalf("want 4 fetches, got %d", got)
	}
}
