package phase

import (
	"context"
	"sync"
)

// SessionLocks serializes work per session id. Entries are reference
// counted and removed once no goroutine holds or waits for them.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the session's lock is held or ctx is done. The
// returned release func must be called exactly once.
func (l *SessionLocks) Acquire(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[sessionID]
	if !ok {
		lk = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(sessionID, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.unref(sessionID, lk)
		})
	}, nil
}

func (l *SessionLocks) unref(sessionID string, lk *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, sessionID)
	}
}

// Len returns the number of sessions with holders or waiters.
func (l *SessionLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
