package lock_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/infra/lock"
	"github.com/boddenberg/credit-scenarios-go/internal/port"
)

type mockLocker struct {
	mu       sync.Mutex
	locked   []string
	released int
	err      error
}

func (m *mockLocker) Lock(_ context.Context, key string, ttl time.Duration) (port.UnlockFunc, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	m.locked = append(m.locked, fmt.Sprintf("%s:%s", key, ttl))
	m.mu.Unlock()
	return func(context.Context) error {
		m.mu.Lock()
		m.released++
		m.mu.Unlock()
		return nil
	}, nil
}

func TestWithLock_SerializesSameSession(t *testing.T) {
	mgr := lock.NewManager()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.WithLock(ctx, "s1", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
	if mgr.Active() != 0 {
		t.Errorf("expected lock entries to be released, %d remain", mgr.Active())
	}
}

func TestWithLock_DifferentSessionsRunConcurrently(t *testing.T) {
	mgr := lock.NewManager()
	ctx := context.Background()

	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = mgr.WithLock(ctx, id, func(context.Context) error {
				entered <- struct{}{}
				<-release
				return nil
			})
		}(id)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("sessions did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestWithLock_NoLeakAfterManySessions(t *testing.T) {
	mgr := lock.NewManager()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		_ = mgr.WithLock(ctx, fmt.Sprintf("session-%d", i), func(context.Context) error { return nil })
	}
	if mgr.Active() != 0 {
		t.Errorf("expected no lock entries, %d remain", mgr.Active())
	}
}

func TestWithLock_PropagatesError(t *testing.T) {
	mgr := lock.NewManager()
	want := errors.New("boom")

	err := mgr.WithLock(context.Background(), "s", func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestWithLock_DistributedLocker(t *testing.T) {
	dl := &mockLocker{}
	mgr := lock.NewManager(lock.WithDistributedLocker(dl, 5*time.Second))

	err := mgr.WithLock(context.Background(), "s1", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dl.locked) != 1 || dl.locked[0] != "s1:5s" {
		t.Errorf("unexpected lock calls %v", dl.locked)
	}
	if dl.released != 1 {
		t.Errorf("expected 1 release, got %d", dl.released)
	}
}

func TestWithLock_DistributedLockerFailure(t *testing.T) {
	dl := &mockLocker{err: errors.New("redis down")}
	mgr := lock.NewManager(lock.WithDistributedLocker(dl, 0))

	called := false
	err := mgr.WithLock(context.Background(), "s1", func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("fn must not run without the distributed lock")
	}
	if mgr.Active() != 0 {
		t.Errorf("expected entry released, %d remain", mgr.Active())
	}
}
