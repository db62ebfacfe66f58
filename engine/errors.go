package engine

import (
	"errors"

	"github.com/cachemesh/cachemesh/cache"
	"github.com/cachemesh/cachemesh/replica"
	"github.com/cachemesh/cachemesh/ring"
)

// The engine surfaces its collaborators' error taxonomy under one roof so
// transport layers only import this package. A miss is not an error: Get
// reports it through the found flag.
var (
	// ErrValueTooLarge rejects a put whose payload exceeds the configured
	// maximum. Recoverable by the caller shrinking the payload.
	ErrValueTooLarge = cache.ErrValueTooLarge

	// ErrNoPrimaryAvailable rejects writes while a shard is degraded or
	// promoting under strong consistency. Transient; retry after
	// promotion completes.
	ErrNoPrimaryAvailable = replica.ErrNoPrimaryAvailable

	// ErrPrimaryUnavailable reports that a bounded wait for a new primary
	// expired. Transient; retry with backoff.
	ErrPrimaryUnavailable = replica.ErrPrimaryUnavailable

	// ErrUpstreamFetch wraps a backing-store fetch failure. It is
	// propagated verbatim through the coalescer to every subscriber of
	// the failed fetch.
	ErrUpstreamFetch = errors.New("engine: upstream fetch failed")

	// ErrRingInconsistent reports a structurally invalid routing ring;
	// the router recovers by a full rebuild from the membership view.
	ErrRingInconsistent = ring.ErrRingInconsistent
)
