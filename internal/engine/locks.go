package engine

import "sync"

// projectLocks hands out one mutex per project id. Entries are dropped once
// no goroutine holds or waits on them.
type projectLocks struct {
	mu    sync.Mutex
	locks map[string]*projectLock
}

type projectLock struct {
	mu   sync.Mutex
	refs int
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: map[string]*projectLock{}}
}

func (l *projectLocks) lock(projectID string) (unlock func()) {
	l.mu.Lock()
	pl, ok := l.locks[projectID]
	if !ok {
		pl = &projectLock{}
		l.locks[projectID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, projectID)
		}
		l.mu.Unlock()
	}
}

// shared backs engines built as struct literals instead of through New.
var shared = newProjectLocks()
