package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNormalizeScope(t *testing.T) {
	t.Parallel()

	kind, name, err := normalizeScope(" Credential ", " Tenant-A/Inst-1 ")
	if err != nil {
		t.Fatalf("normalizeScope() error = %v", err)
	}
	if kind != "credential" || name != "Tenant-A/Inst-1" {
		t.Fatalf("normalizeScope() = %q, %q", kind, name)
	}
	if _, _, err := normalizeScope("", "x"); err == nil {
		t.Fatal("normalizeScope(empty kind) error = nil")
	}
	if _, _, err := normalizeScope("x", " "); err == nil {
		t.Fatal("normalizeScope(empty name) error = nil")
	}
}

func TestKeyIsStable(t *testing.T) {
	t.Parallel()

	if Key("credential", "t/i") != Key("credential", "t/i") {
		t.Fatal("Key() not deterministic")
	}
	if Key("credential", "t/i") == Key("credential", "t/j") {
		t.Fatal("Key() collision for distinct names")
	}
	if Key("ab", "c") == Key("a", "bc") {
		t.Fatal("Key() does not separate kind and name")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{InstanceID: "pod-1"}.normalized()
	if cfg.TTL != 30*time.Second || cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("normalized() = %+v", cfg)
	}
	cfg = Config{TTL: time.Second, HeartbeatInterval: 5 * time.Second}.normalized()
	if cfg.HeartbeatInterval >= cfg.TTL {
		t.Fatalf("heartbeat interval %v not below ttl %v", cfg.HeartbeatInterval, cfg.TTL)
	}
}

func TestLocalExcludesConcurrentHolders(t *testing.T) {
	t.Parallel()

	m := NewLocal(Config{TTL: time.Minute})
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(ctx, "credential", "t/i")
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			n := inside.Add(1)
			for {
				cur := maxSeen.Load()
				if n <= cur || maxSeen.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			if err := l.Release(ctx); err != nil {
				t.Errorf("Release() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxSeen.Load())
	}
}

func TestLocalTryAcquire(t *testing.T) {
	t.Parallel()

	m := NewLocal(Config{TTL: time.Minute})
	ctx := context.Background()
	first, ok, err := m.TryAcquire(ctx, "credential", "t/i")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v", ok, err)
	}
	if _, ok, _ := m.TryAcquire(ctx, "credential", "t/i"); ok {
		t.Fatal("second TryAcquire() succeeded while held")
	}
	if _, ok, _ := m.TryAcquire(ctx, "credential", "t/other"); !ok {
		t.Fatal("TryAcquire() on another scope failed")
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, ok, _ := m.TryAcquire(ctx, "credential", "t/i"); !ok {
		t.Fatal("TryAcquire() after release failed")
	}
}

func TestLocalLeaseExpiresAndHolderLosesIt(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_900_000_000, 0)
	var mu sync.Mutex
	m := NewLocal(Config{TTL: 30 * time.Second})
	m.now = func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	ctx := context.Background()

	first, ok, _ := m.TryAcquire(ctx, "credential", "t/i")
	if !ok {
		t.Fatal("TryAcquire() failed")
	}
	mu.Lock()
	now = now.Add(31 * time.Second)
	mu.Unlock()

	second, ok, _ := m.TryAcquire(ctx, "credential", "t/i")
	if !ok {
		t.Fatal("TryAcquire() after expiry failed")
	}
	if err := first.(*localLock).renew(ctx); !errors.Is(err, ErrLost) {
		t.Fatalf("renew() by stale holder error = %v, want ErrLost", err)
	}
	if err := first.Release(ctx); err == nil {
		t.Fatal("Release() by stale holder error = nil")
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestLocalAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	m := NewLocal(Config{TTL: time.Minute})
	if _, ok, _ := m.TryAcquire(context.Background(), "credential", "t/i"); !ok {
		t.Fatal("TryAcquire() failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "credential", "t/i"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}
}

type fakeLock struct {
	released atomic.Bool
	loseWith error
}

func (l *fakeLock) ScopeKind() string { return "credential" }
func (l *fakeLock) ScopeName() string { return "t/i" }

func (l *fakeLock) StartHeartbeat(_ context.Context, onLost func(error)) func() {
	if l.loseWith != nil {
		go onLost(l.loseWith)
	}
	return func() {}
}

func (l *fakeLock) Release(context.Context) error {
	l.released.Store(true)
	return nil
}

func TestRunReleasesAfterCancelledContext(t *testing.T) {
	t.Parallel()

	l := &fakeLock{}
	ctx, cancel := context.WithCancel(context.Background())
	runErr, lost := Run(ctx, nil, l, func(context.Context) error {
		cancel()
		return context.Canceled
	})
	if !errors.Is(runErr, context.Canceled) || lost != nil {
		t.Fatalf("Run() = %v, %v", runErr, lost)
	}
	if !l.released.Load() {
		t.Fatal("lock not released")
	}
}

func TestRunCancelsWorkWhenLockIsLost(t *testing.T) {
	t.Parallel()

	l := &fakeLock{loseWith: ErrLost}
	runErr, lost := Run(context.Background(), nil, l, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("run was not cancelled")
		}
	})
	if !errors.Is(runErr, context.Canceled) {
		t.Fatalf("Run() runErr = %v, want canceled", runErr)
	}
	if !errors.Is(lost, ErrLost) {
		t.Fatalf("Run() lost = %v, want ErrLost", lost)
	}
	if !l.released.Load() {
		t.Fatal("lock not released")
	}
}

func TestHeartbeatReportsRenewFailure(t *testing.T) {
	t.Parallel()

	lostCh := make(chan error, 1)
	stop := heartbeat(context.Background(), 5*time.Millisecond, time.Second, func(context.Context) error {
		return ErrLost
	}, func(err error) { lostCh <- err })
	defer stop()

	select {
	case err := <-lostCh:
		if !errors.Is(err, ErrLost) {
			t.Fatalf("onLost(%v), want ErrLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never reported the lost lease")
	}
}
