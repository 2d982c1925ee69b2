package types

import (
	"context"
	"sync"
)

// Future is the one-shot result slot for a task: single writer (the context
// worker), single terminal value, any number of readers.
type Future struct {
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	res Result
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve writes the terminal value. The first write wins; later calls are
// no-ops and return false.
func (f *Future) Resolve(r Result) bool {
	won := false
	f.once.Do(func() {
		f.mu.Lock()
		f.res = r
		f.mu.Unlock()
		close(f.done)
		won = true
	})
	return won
}

// Poll returns the result if the future has resolved.
func (f *Future) Poll() (Result, bool) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done exposes the resolution signal for select loops.
func (f *Future) Done() <-chan struct{} {
	return f.done
}
