package cache

import "sync"

// keyLocks hands out one mutex per key hash.
//
// Locks are created on first use and dropped once the last holder releases,
// so evicted or invalidated keys do not leave locks behind.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the caller owns hash and returns the release func.
func (l *keyLocks) lock(hash string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*keyLock)
	}
	kl := l.m[hash]
	if kl == nil {
		kl = &keyLock{}
		l.m[hash] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()
			l.mu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(l.m, hash)
			}
			l.mu.Unlock()
		})
	}
}

func (l *keyLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
