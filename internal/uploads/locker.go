package uploads

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// lockArena hands out one exclusive lock per key. Entries are reference
// counted and dropped once nobody holds or waits for them.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*arenaEntry
}

type arenaEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*arenaEntry)}
}

// Acquire blocks until the key's lock is held or ctx is done. The returned
// func releases it and must be called exactly once.
func (a *lockArena) Acquire(ctx context.Context, key string) (func(), error) {
	a.mu.Lock()
	e, ok := a.locks[key]
	if !ok {
		e = &arenaEntry{sem: semaphore.NewWeighted(1)}
		a.locks[key] = e
	}
	e.refs++
	a.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		a.release(key, e, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { a.release(key, e, true) })
	}, nil
}

func (a *lockArena) release(key string, e *arenaEntry, held bool) {
	if held {
		e.sem.Release(1)
	}
	a.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(a.locks, key)
	}
	a.mu.Unlock()
}

// size reports how many keys currently have an entry.
func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
