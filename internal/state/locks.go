package state

import (
	"context"
	"sync"
)

// sessionLocks hands out one exclusive lock per session id so writers to
// unrelated sessions never serialize behind each other. Entries are dropped
// once the last waiter releases.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{} // capacity 1; a buffered token means the lock is held
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: map[string]*sessionLock{}}
}

// Acquire blocks until the lock for id is held or ctx is done. The returned
// release function is idempotent.
func (s *sessionLocks) Acquire(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.put(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-l.ch
			s.put(id, l)
		})
	}
	return release, nil
}

func (s *sessionLocks) put(id string, l *sessionLock) {
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
	s.mu.Unlock()
}
