package paidleave

import (
	"sync"

	"github.com/warp/leave-ledger/generic"
)

// keyedMutex serializes work per employee. Entries are dropped when the
// last holder releases them, so the map only holds employees in flight.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[generic.EmployeeID]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[generic.EmployeeID]*refLock)}
}

// Lock blocks until id is free and returns the matching unlock.
func (k *keyedMutex) Lock(id generic.EmployeeID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
