package reconcile

import (
	"context"
	"sync"
)

// jobResult is what a worker reports back for one payload.
type jobResult[T any] struct {
	payload T
	err     error
}

// workerPool is a fixed-size goroutine pool with a bounded input queue.
// Every processed payload is reported on results until Drain returns.
type workerPool[T any] struct {
	queue   chan T
	results chan jobResult[T]
	process func(ctx context.Context, t T) error
	wg      sync.WaitGroup
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity cap.
func newWorkerPool[T any](ctx context.Context, n, cap int, fn func(context.Context, T) error) *workerPool[T] {
	if n < 1 {
		n = 1
	}
	p := &workerPool[T]{
		queue:   make(chan T, cap),
		results: make(chan jobResult[T], cap+n),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *workerPool[T]) run(ctx context.Context) {
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			err := p.process(ctx, t)
			select {
			case p.results <- jobResult[T]{payload: t, err: err}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues t, waiting for room until ctx is done.
func (p *workerPool[T]) Submit(ctx context.Context, t T) error {
	select {
	case p.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results streams per-payload outcomes. It is closed by Drain.
func (p *workerPool[T]) Results() <-chan jobResult[T] {
	return p.results
}

// Drain closes the queue, waits for all workers to finish and closes Results.
func (p *workerPool[T]) Drain() {
	close(p.queue)
	p.wg.Wait()
	close(p.results)
}

// Utilization is the fraction of the queue currently occupied.
func (p *workerPool[T]) Utilization() float64 {
	if cap(p.queue) == 0 {
		return 0
	}
	return float64(len(p.queue)) / float64(cap(p.queue))
}
