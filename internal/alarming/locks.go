package alarming

import "sync"

// alertLocks hands out one mutex per alert id. Entries are reference
// counted and removed once no goroutine holds or waits for them.
type alertLocks struct {
	mu    sync.Mutex
	locks map[string]*alertLock
}

type alertLock struct {
	mu   sync.Mutex
	refs int
}

func newAlertLocks() *alertLocks {
	return &alertLocks{locks: make(map[string]*alertLock)}
}

// Lock blocks until the caller owns id and returns the matching unlock
func (l *alertLocks) Lock(id string) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &alertLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()

	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *alertLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
