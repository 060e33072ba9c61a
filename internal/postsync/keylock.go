package postsync

import "sync"

// keyLock grants at most one holder per key. It never blocks: a second
// caller for a held key is told to back off.
type keyLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyLock() *keyLock {
	return &keyLock{held: make(map[string]struct{})}
}

// TryLock acquires key if it is free and returns its release function.
func (l *keyLock) TryLock(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently locked.
func (l *keyLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[key]
	return busy
}
