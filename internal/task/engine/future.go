package engine

import (
	"context"
	"sync"
)

// Future resolves once its task finished, or failed to run.
type Future struct {
	id   string
	name string

	once sync.Once
	done chan struct{}
	res  Result
}

func newFuture(id, name string) *Future {
	return &Future{id: id, name: name, done: make(chan struct{})}
}

func (f *Future) ID() string { return f.id }

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the result if the future is resolved.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) resolve(r Result) {
	f.once.Do(func() {
		f.res = r
		close(f.done)
	})
}
