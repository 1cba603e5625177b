package service

import "sync"

// plateLocks hands out one mutex per plate. Entries are reference counted so
// the map does not grow with every plate ever seen.
type plateLocks struct {
	mu    sync.Mutex
	locks map[string]*plateLock
}

type plateLock struct {
	mu   sync.Mutex
	refs int
}

func newPlateLocks() *plateLocks {
	return &plateLocks{locks: make(map[string]*plateLock)}
}

func (p *plateLocks) lock(plate string) func() {
	p.mu.Lock()
	l, ok := p.locks[plate]
	if !ok {
		l = &plateLock{}
		p.locks[plate] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, plate)
		}
		p.mu.Unlock()
	}
}

func (p *plateLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
