package reconciler

import "sync"

// positionLocks serializes work per position id. Entries are dropped once no
// goroutine holds or waits for them.
type positionLocks struct {
	mu    sync.Mutex
	locks map[uint]*positionLock
}

type positionLock struct {
	mu   sync.Mutex
	refs int
}

func newPositionLocks() *positionLocks {
	return &positionLocks{locks: make(map[uint]*positionLock)}
}

func (p *positionLocks) lock(id uint) func() {
	p.mu.Lock()
	l, ok := p.locks[id]
	if !ok {
		l = &positionLock{}
		p.locks[id] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, id)
		}
		p.mu.Unlock()
	}
}
