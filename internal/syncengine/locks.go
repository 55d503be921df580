package syncengine

import "sync"

// routeLocks serializes install and finalize per route.
type routeLocks struct {
	mu    sync.Mutex
	locks map[int64]*routeLock
}

type routeLock struct {
	mu   sync.Mutex
	refs int
}

func newRouteLocks() *routeLocks {
	return &routeLocks{locks: make(map[int64]*routeLock)}
}

// acquire blocks until the caller owns routeID and returns the release func.
func (l *routeLocks) acquire(routeID int64) func() {
	l.mu.Lock()
	lock, ok := l.locks[routeID]
	if !ok {
		lock = &routeLock{}
		l.locks[routeID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, routeID)
		}
		l.mu.Unlock()
	}
}
