package transfer

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs blocking transfers for asynchronous callers with bounded
// parallelism. Submitting never blocks; work waits for a free slot in its
// own goroutine.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool returns a pool running at most workers tasks at once.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Future is the pending result of a pooled task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait returns the task's result, or ctx's error if ctx ends first. The
// task keeps running in that case.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Go submits fn to p. If ctx ends before a slot frees up, fn is not run and
// the future resolves to ctx's error.
func Go[T any](p *Pool, ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(f.done)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer p.sem.Release(1)
		f.val, f.err = fn(ctx)
	}()
	return f
}
