// Package worker holds the concurrency primitives shared by the content
// store and maintenance jobs: a bounded pool for blob I/O, per-key
// mutexes, and per-scope maintenance locks.
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool bounds the number of concurrent blob I/O operations.
type Pool struct {
	size int
}

// NewPool returns a pool of size workers; size <= 0 means one per CPU.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{size: size}
}

// Size returns the worker count.
func (p *Pool) Size() int {
	if p == nil {
		return 1
	}
	return p.size
}

// Each calls fn for every item with at most Size calls in flight. A
// failing item does not stop the others; all errors are joined. Once ctx
// is done no further items are started and ctx.Err() is included in the
// result.
func Each[T any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) error) error {
	var g errgroup.Group
	g.SetLimit(p.Size())

	var mu sync.Mutex
	var errs []error
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			record(err)
			break
		}
		item := item
		g.Go(func() error {
			// The slot may free up only after ctx is done.
			if err := ctx.Err(); err != nil {
				record(err)
				return nil
			}
			if err := fn(ctx, item); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
