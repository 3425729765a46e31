// Package locks provides per-account mutual exclusion.
package locks

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// AccountLocks hands out one lock per identity. Entries are reference
// counted and dropped once nobody holds or waits for them.
type AccountLocks struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock table.
func New() *AccountLocks {
	return &AccountLocks{entries: make(map[string]*entry)}
}

// Lock blocks until the identity's lock is held or ctx is done. On success
// the returned func releases the lock and must be called exactly once.
func (l *AccountLocks) Lock(ctx context.Context, identity string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[identity]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[identity] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.release(identity, e, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(identity, e, true) })
	}, nil
}

func (l *AccountLocks) release(identity string, e *entry, held bool) {
	if held {
		e.sem.Release(1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, identity)
	}
}

// Len returns the number of identities currently locked or awaited.
func (l *AccountLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
