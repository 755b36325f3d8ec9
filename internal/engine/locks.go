package engine

import "sync"

// projectLocks serializes every write touching one project so repository
// commits, workflow transitions and audit events stay totally ordered with
// respect to each other. Different projects never share a lock.
type projectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: map[string]*sync.Mutex{}}
}

func (p *projectLocks) get(projectKey string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[projectKey]
	if !ok {
		l = &sync.Mutex{}
		p.locks[projectKey] = l
	}
	return l
}

// Lock acquires the project's write lock and returns the unlock func.
func (p *projectLocks) Lock(projectKey string) func() {
	l := p.get(projectKey)
	l.Lock()
	return l.Unlock
}
