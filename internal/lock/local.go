package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Local is an in-process Manager. It only excludes holders within one
// process; multi-replica deployments need the redis or postgres backend.
type Local struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	leases map[string]*localLease
}

type localLease struct {
	token     string
	expiresAt time.Time
	released  chan struct{}
}

func NewLocal(cfg Config) *Local {
	return &Local{cfg: cfg.normalized(), now: time.Now, leases: make(map[string]*localLease)}
}

func (m *Local) TryAcquire(_ context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, false, err
	}
	l, _ := m.tryAcquire(scopeKind, scopeName)
	return l, l != nil, nil
}

// tryAcquire returns the new lock, or the channel and expiry of the current
// holder's lease.
func (m *Local) tryAcquire(kind, name string) (Lock, *localLease) {
	key := scopeString(kind, name)
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expiresAt) {
		return nil, cur
	} else if ok {
		close(cur.released)
	}
	lease := &localLease{
		token:     uuid.NewString(),
		expiresAt: now.Add(m.cfg.TTL),
		released:  make(chan struct{}),
	}
	m.leases[key] = lease
	return &localLock{m: m, key: key, kind: kind, name: name, token: lease.token}, nil
}

// Acquire waits for the current holder to release or for its lease to lapse.
func (m *Local) Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, err
	}
	for {
		l, held := m.tryAcquire(scopeKind, scopeName)
		if l != nil {
			return l, nil
		}
		timer := time.NewTimer(time.Until(held.expiresAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-held.released:
		case <-timer.C:
		}
		timer.Stop()
	}
}

type localLock struct {
	m     *Local
	key   string
	kind  string
	name  string
	token string

	releaseOnce sync.Once
}

func (l *localLock) ScopeKind() string { return l.kind }
func (l *localLock) ScopeName() string { return l.name }

func (l *localLock) renew(context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	cur, ok := l.m.leases[l.key]
	if !ok || cur.token != l.token {
		return ErrLost
	}
	cur.expiresAt = l.m.now().Add(l.m.cfg.TTL)
	return nil
}

func (l *localLock) StartHeartbeat(ctx context.Context, onLost func(error)) func() {
	return heartbeat(ctx, l.m.cfg.HeartbeatInterval, l.m.cfg.HeartbeatTimeout, l.renew, onLost)
}

func (l *localLock) Release(context.Context) error {
	var err error
	l.releaseOnce.Do(func() {
		l.m.mu.Lock()
		defer l.m.mu.Unlock()
		cur, ok := l.m.leases[l.key]
		if !ok || cur.token != l.token {
			err = errors.New("lock was not held")
			return
		}
		delete(l.m.leases, l.key)
		close(cur.released)
	})
	return err
}
