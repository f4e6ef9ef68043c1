package uploads

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLockArenaSerializesKey(t *testing.T) {
	a := newLockArena()
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := a.Acquire(ctx, "u1/a.png")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxInside)
	}
	if a.size() != 0 {
		t.Fatalf("expected arena to be empty, has %d entries", a.size())
	}
}

func TestLockArenaIndependentKeys(t *testing.T) {
	a := newLockArena()
	ctx := context.Background()

	unlockA, err := a.Acquire(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := a.Acquire(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestLockArenaRespectsContext(t *testing.T) {
	a := newLockArena()
	unlock, err := a.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// Double release is harmless
	unlock()
	unlock()
	if a.size() != 0 {
		t.Fatalf("expected arena to be empty, has %d entries", a.size())
	}
}
