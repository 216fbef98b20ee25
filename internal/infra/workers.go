package infra

import (
	"context"
	"sync/atomic"
)

// Pool bounds concurrent execution of blocking work (LLM calls, tool
// invocations, subprocess waits). Callers run their function on the
// calling goroutine once a slot is acquired, so results flow back
// without channel plumbing.
type Pool struct {
	sem     chan struct{}
	inUse   atomic.Int32
	waiting atomic.Int32
}

// NewPool creates a pool with the given number of slots (minimum 1).
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Acquire blocks until a slot is free or ctx is done. The returned
// release function must be called exactly once.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	select {
	case p.sem <- struct{}{}:
		p.inUse.Add(1)
		var done atomic.Bool
		return func() {
			if done.CompareAndSwap(false, true) {
				p.inUse.Add(-1)
				<-p.sem
			}
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunOn runs fn under a pool slot, respecting ctx while waiting, and
// returns its result.
func RunOn[T any](p *Pool, ctx context.Context, fn func() (T, error)) (T, error) {
	release, err := p.Acquire(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()
	return fn()
}

// PoolStats is a point-in-time view of pool load.
type PoolStats struct {
	Size    int
	InUse   int
	Waiting int
}

// Stats returns current pool load.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Size:    cap(p.sem),
		InUse:   int(p.inUse.Load()),
		Waiting: int(p.waiting.Load()),
	}
}
