package procession

import (
	"context"
	"sync"
)

// StateFuture resolves once with a state snapshot and an optional error.
// Lifecycle operations hand these out instead of blocking the caller.
type StateFuture struct {
	mu    sync.Mutex
	state ProcessState
	err   error
	done  chan struct{}
	once  sync.Once
}

func newStateFuture() *StateFuture {
	return &StateFuture{
		done: make(chan struct{}),
	}
}

func resolvedStateFuture(state ProcessState, err error) *StateFuture {
	f := newStateFuture()
	f.resolve(state, err)
	return f
}

// resolve settles the future; only the first call wins.
func (f *StateFuture) resolve(state ProcessState, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.state = state
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

// Done is closed when the future has settled.
func (f *StateFuture) Done() <-chan struct{} {
	return f.done
}

// Get suspends until the future settles or ctx is cancelled. On settlement
// it returns the snapshot taken at that point plus the outcome error.
func (f *StateFuture) Get(ctx context.Context) (ProcessState, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ProcessState{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.err
}
