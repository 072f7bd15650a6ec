package engine

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many view passes run at once.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool returns a pool running at most workers tasks concurrently.
// workers <= 0 means one per CPU.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Submit runs task on its own goroutine once a worker slot is free.
// The task always runs exactly once: when ctx ends while waiting for a
// slot it runs immediately with the done context and is expected to bail out.
func (p *Pool) Submit(ctx context.Context, task func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			task(ctx)
			return
		}
		defer p.sem.Release(1)
		task(ctx)
	}()
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
