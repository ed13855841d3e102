package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test"), mr
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	handle, ok, err := svc.Acquire(ctx, 700000, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed, got ok=%v err=%v", ok, err)
	}

	_, ok2, err := svc.Acquire(ctx, 700000, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok2 {
		t.Fatal("a second acquire of the same epoch must fail while held")
	}

	if err := svc.Release(ctx, handle); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, ok3, err := svc.Acquire(ctx, 700000, 5*time.Second)
	if err != nil || !ok3 {
		t.Fatalf("expected acquire to succeed after release, got ok=%v err=%v", ok3, err)
	}
}

// Two drivers racing to acquire the same epoch — exactly one wins.
func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, ok, err := svc.Acquire(ctx, 700000, 5*time.Second)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestReleaseDoesNotClobberReacquiredLock(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	handle, ok, err := svc.Acquire(ctx, 1, 30*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	mr.FastForward(50 * time.Millisecond) // let the TTL expire; miniredis only ages keys when fast-forwarded

	newHandle, ok, err := svc.Acquire(ctx, 1, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("re-acquire after expiry: ok=%v err=%v", ok, err)
	}

	// The original (now-stale) handle's release must not remove the new
	// owner's lock.
	if err := svc.Release(ctx, handle); err != nil {
		t.Fatalf("release stale handle: %v", err)
	}

	_, ok, err = svc.Acquire(ctx, 1, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("the new owner's lock must still be held")
	}

	if err := svc.Release(ctx, newHandle); err != nil {
		t.Fatalf("release current handle: %v", err)
	}
}

func TestExtendResetsExpiry(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	handle, ok, err := svc.Acquire(ctx, 2, 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := svc.Extend(ctx, handle, 5*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	mr.FastForward(80 * time.Millisecond) // past the original TTL, not the extended one

	_, ok, err = svc.Acquire(ctx, 2, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("extended lock should still be held past the original TTL")
	}
}
