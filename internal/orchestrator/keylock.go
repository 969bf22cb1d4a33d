package orchestrator

import "sync"

// keyLock serializes operations per key. Each (project, environment) pair gets
// one exclusive lock held for the full duration of an operation; different
// keys proceed concurrently. Locks are never removed — the key space is
// bounded by the number of provisioned environments.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the key's lock is held and returns the unlock function.
func (l *keyLock) Lock(key string) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
