package rpc

import (
	"context"
	"sync"
)

// Future is a future-style RPC result, resolved exactly once.
type Future struct {
	done sync.Once
	ch   chan struct{}

	result any
	err    error
}

func newFuture() *Future {
	return &Future{ch: make(chan struct{})}
}

func (f *Future) complete(result any, err error) {
	f.done.Do(func() {
		f.result = result
		f.err = err
		close(f.ch)
	})
}

// Wait blocks until the response arrives or ctx is done, whichever
// comes first.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.ch:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
