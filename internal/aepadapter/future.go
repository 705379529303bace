package aepadapter

import (
	"context"
	"sync"
)

// Future is the pending result of an asynchronous dispatch.
type Future struct {
	once      sync.Once
	done      chan struct{}
	commandID string
	err       error
}

// NewFuture constructs an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future; later calls are ignored.
func (f *Future) Complete(commandID string, err error) {
	f.once.Do(func() {
		f.commandID = commandID
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends. Giving up on ctx does
// not stop the underlying request.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.commandID, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
