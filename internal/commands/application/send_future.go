package application

import (
	"context"
	"sync"
)

// SendFuture is the pending result of SendCommandAsync.
type SendFuture struct {
	mu        sync.Mutex
	started   bool
	cancelled bool

	done      chan struct{}
	detached  chan struct{}
	once      sync.Once
	aepTaskID string
	err       error
}

func newSendFuture() *SendFuture {
	return &SendFuture{done: make(chan struct{}), detached: make(chan struct{})}
}

// start claims the work unless Cancel got there first.
func (f *SendFuture) start() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return false
	}
	f.started = true
	return true
}

func (f *SendFuture) complete(aepTaskID string, err error) {
	f.mu.Lock()
	f.aepTaskID = aepTaskID
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// Cancel detaches the waiter. A send that has not started yet is skipped and
// Cancel reports true; a started dispatch and its execution insert still run.
func (f *SendFuture) Cancel() bool {
	f.mu.Lock()
	prevented := !f.started
	f.cancelled = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.detached) })
	return prevented
}

// Done is closed when the background work has finished, even after Cancel.
func (f *SendFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks for the AEP task id. It returns context.Canceled after Cancel
// and ctx.Err() when ctx ends first.
func (f *SendFuture) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.result()
	default:
	}
	select {
	case <-f.done:
		return f.result()
	case <-f.detached:
		return "", context.Canceled
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *SendFuture) result() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aepTaskID, f.err
}
