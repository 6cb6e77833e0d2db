package core

import (
	"sync"

	"github.com/google/uuid"
)

// accountLocks serializes mutation per account while leaving unrelated
// accounts fully parallel. Entries are dropped once the last holder
// releases, so the map does not grow with the account population.
type accountLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[uuid.UUID]*accountLock)}
}

// acquire blocks until the caller holds the account's lock and returns
// the release func.
func (a *accountLocks) acquire(id uuid.UUID) func() {
	a.mu.Lock()
	l, ok := a.locks[id]
	if !ok {
		l = &accountLock{}
		a.locks[id] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, id)
		}
		a.mu.Unlock()
	}
}
