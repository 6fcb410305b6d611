package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lecca-io/connectd/internal/credentials"
	"github.com/lecca-io/connectd/internal/lock"
	"github.com/lecca-io/connectd/internal/store"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeRefresher) RefreshIfDue(_ context.Context, tenantID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tenantID+"/"+instanceID)
	return f.errs[instanceID]
}

func (f *fakeRefresher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func seed(t *testing.T, st store.Store, now time.Time, expiries map[string]time.Duration) {
	t.Helper()
	for id, in := range expiries {
		exp := now.Add(in)
		_, err := st.Create(context.Background(), store.Instance{
			TenantID:     "tenant-a",
			ID:           id,
			DefinitionID: "rotating",
			Status:       store.StatusActive,
			ExpiresAt:    &exp,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSweepRefreshesOnlyDueInstances(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	seed(t, st, now, map[string]time.Duration{
		"soon":    30 * time.Second,
		"expired": -time.Minute,
		"later":   time.Hour,
		"broken":  10 * time.Second,
		"flaky":   20 * time.Second,
	})

	ref := &fakeRefresher{errs: map[string]error{
		"broken": &credentials.Error{Kind: credentials.KindUnusable},
		"flaky":  &credentials.Error{Kind: credentials.KindRefreshTransient},
	}}
	s := &Sweeper{
		Store:     st,
		Refresher: ref,
		Margin:    time.Minute,
		Workers:   2,
		Logger:    quietLogger(),
		Now:       func() time.Time { return now },
	}

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	want := Result{Due: 4, Refreshed: 2, Unusable: 1, Failed: 1}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
	for _, call := range ref.Calls() {
		if call == "tenant-a/later" {
			t.Fatalf("refreshed an instance outside the margin")
		}
	}
}

func TestSweepNothingDue(t *testing.T) {
	t.Parallel()

	now := time.Now()
	st := store.NewMemory()
	seed(t, st, now, map[string]time.Duration{"later": time.Hour})

	s := &Sweeper{Store: st, Refresher: &fakeRefresher{}, Logger: quietLogger()}
	if err := s.RunOnce(context.Background()); !errors.Is(err, ErrNothingDue) {
		t.Fatalf("expected ErrNothingDue, got %v", err)
	}
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	t.Parallel()

	locks := lock.NewLocal(lock.Config{InstanceID: "node-a"})
	held, ok, err := locks.TryAcquire(context.Background(), sweepLockKind, sweepLockName)
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	defer func() { _ = held.Release(context.Background()) }()

	s := &Sweeper{Store: store.NewMemory(), Refresher: &fakeRefresher{}, Locks: locks, Logger: quietLogger()}
	if err := s.RunOnce(context.Background()); !errors.Is(err, ErrSweepAlreadyRunning) {
		t.Fatalf("expected ErrSweepAlreadyRunning, got %v", err)
	}
}

func TestSweepUnderLock(t *testing.T) {
	t.Parallel()

	now := time.Now()
	st := store.NewMemory()
	seed(t, st, now, map[string]time.Duration{"soon": time.Second})
	ref := &fakeRefresher{}

	s := &Sweeper{Store: st, Refresher: ref, Locks: lock.NewLocal(lock.Config{}), Logger: quietLogger()}
	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Refreshed != 1 || len(ref.Calls()) != 1 {
		t.Fatalf("result = %+v calls = %v", res, ref.Calls())
	}
}

func TestParallelCollectKeepsGoingAfterErrors(t *testing.T) {
	t.Parallel()

	items := []int{1, 2, 3, 4, 5, 6}
	var progress int64
	var mu sync.Mutex
	results := ParallelCollect(context.Background(), items, 3, func(_ context.Context, n int) (int, error) {
		if n%2 == 0 {
			return 0, fmt.Errorf("even %d", n)
		}
		return n * 10, nil
	}, func(done, total int64) {
		mu.Lock()
		progress = done
		mu.Unlock()
	})

	if len(results) != len(items) {
		t.Fatalf("results = %d, want %d", len(results), len(items))
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		if r.Value != r.Item*10 {
			t.Fatalf("item %d value %d", r.Item, r.Value)
		}
	}
	if failed != 3 {
		t.Fatalf("failed = %d, want 3", failed)
	}
	if progress != int64(len(items)) {
		t.Fatalf("progress = %d", progress)
	}
}

type countingRunner struct {
	mu    sync.Mutex
	count int
	err   error
}

func (r *countingRunner) RunOnce(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return r.err
}

func (r *countingRunner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{err: ErrNothingDue}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		(&Scheduler{Runner: runner, Interval: 5 * time.Millisecond, Logger: quietLogger()}).Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for runner.Count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler ran %d times", runner.Count())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop after cancel")
	}
}

func TestSchedulerDisabled(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{}
	(&Scheduler{Runner: runner}).Run(context.Background())
	if runner.Count() != 0 {
		t.Fatalf("disabled scheduler ran")
	}
}
