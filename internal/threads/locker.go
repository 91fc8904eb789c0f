package threads

import (
	"context"
	"strings"
	"sync"
)

type keyLock struct {
	ch   chan struct{}
	refs int
}

// Locker serializes work per key. Entries are reference counted and dropped
// once the last holder or waiter is gone, so idle keys cost nothing.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done. The returned unlock func must
// be called exactly once. A blank key is never contended.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if strings.TrimSpace(key) == "" {
		return func() {}, nil
	}

	l.mu.Lock()
	lock := l.locks[key]
	if lock == nil {
		lock = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			l.release(key, lock)
		})
	}, nil
}

func (l *Locker) release(key string, lock *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs <= 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
