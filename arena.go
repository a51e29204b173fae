package procession

import (
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

// identityLock is a capacity-1 semaphore. The channel form gives a
// non-blocking acquire, which a plain mutex would not.
type identityLock struct {
	sem chan struct{}
}

func newIdentityLock() *identityLock {
	return &identityLock{sem: make(chan struct{}, 1)}
}

func (l *identityLock) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *identityLock) Release() {
	<-l.sem
}

// lockArena maps process identities to their identity lock so that every
// in-memory handle of one process contends on the same lock. Entries are
// created on first reference and never evicted: the arena grows with the
// number of distinct identities ever seen in this process, which is fine for
// a bounded set of in-flight processes but a known limitation for long-lived
// hosts churning through many short ones.
type lockArena struct {
	mu    deadlock.RWMutex
	locks map[uuid.UUID]*identityLock
}

var arena = &lockArena{
	locks: make(map[uuid.UUID]*identityLock),
}

func (a *lockArena) lockFor(id uuid.UUID) *identityLock {
	a.mu.RLock()
	l, ok := a.locks[id]
	a.mu.RUnlock()
	if ok {
		return l
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok = a.locks[id]; ok {
		return l
	}
	l = newIdentityLock()
	a.locks[id] = l
	return l
}
