package services

import "sync"

// partitionSet serializes work per request id: every transition and
// offer resolution for one request runs under that request's lock, while
// distinct requests proceed in parallel. Locks are reference-counted so
// the map does not grow with dead requests.
type partitionSet struct {
	mu    sync.Mutex
	locks map[string]*partitionLock
}

type partitionLock struct {
	mu   sync.Mutex
	refs int
}

func newPartitionSet() *partitionSet {
	return &partitionSet{locks: make(map[string]*partitionLock)}
}

func (ps *partitionSet) Do(requestID string, fn func() error) error {
	ps.mu.Lock()
	l, ok := ps.locks[requestID]
	if !ok {
		l = &partitionLock{}
		ps.locks[requestID] = l
	}
	l.refs++
	ps.mu.Unlock()

	l.mu.Lock()
	err := fn()
	l.mu.Unlock()

	ps.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(ps.locks, requestID)
	}
	ps.mu.Unlock()

	return err
}
