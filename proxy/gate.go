package proxy

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of in-flight requests against one upstream.
// Waiters are admitted in arrival order; a waiter abandoned by context
// cancellation consumes no slot.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewGate builds a gate with the given slot count.
func NewGate(capacity int64) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{sem: semaphore.NewWeighted(capacity), capacity: capacity}
}

// Acquire blocks until a slot is free or ctx is done. There is no
// acquisition deadline beyond the caller's own context.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a slot taken by a successful Acquire. It must be called
// exactly once per admitted request, however the request ends.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Capacity reports the configured slot count.
func (g *Gate) Capacity() int64 { return g.capacity }
