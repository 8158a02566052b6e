// Package syncutil holds locking helpers shared across services.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serialises work per key while letting different keys proceed in
// parallel. Waiters can give up when their context ends. Entries are dropped
// once no goroutine holds or waits on them, so memory tracks live keys only.
//
// The zero value is ready to use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is held while its channel is full.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// Lock acquires the mutex for key. On success the returned unlock function
// must be called exactly once; extra calls are ignored. If ctx ends first,
// Lock returns ctx.Err().
func (m *KeyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(key, l)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, l *keyLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
