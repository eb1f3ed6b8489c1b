// Package workerpool implements the bounded-concurrency gate that
// limits how many scripts may run at once.
//
// The teacher's core/scheduler.go and core/engine.go both call
// util.NewSemaphore(concurrency) and Acquire/Release it around each
// task's execution, but util/semaphore.go itself was not present in
// this project's reference material. This package fills that gap: the
// Pool type below implements exactly the Acquire/Release contract
// those call sites assumed, backed by a buffered channel, which is the
// conventional idiomatic-Go semaphore construction.
package workerpool

import "context"

// Infinity disables the concurrency bound: every Acquire succeeds
// immediately. It corresponds to wireit's `WIREIT_PARALLEL=infinity`.
const Infinity = -1

// Pool bounds how many concurrent holders are allowed at once.
type Pool struct {
	tokens chan struct{}
}

// New creates a Pool allowing up to n concurrent holders. n of
// Infinity disables the bound. n <= 0 (other than Infinity) is treated
// as 1, matching the teacher's parse_concurrency.go guarantee that a
// resolved concurrency value is always at least 1.
func New(n int) *Pool {
	if n == Infinity {
		return &Pool{tokens: nil}
	}
	if n < 1 {
		n = 1
	}
	return &Pool{tokens: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if p.tokens == nil {
		return nil
	}
	select {
	case p.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot acquired with Acquire.
func (p *Pool) Release() {
	if p.tokens == nil {
		return
	}
	<-p.tokens
}

// DefaultSize returns the default pool size: twice the number of
// logical CPUs, matching spec's documented default.
func DefaultSize(numCPU int) int {
	return 2 * numCPU
}
