package lock

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryConn is the dedicated session an advisory lock lives on.
type advisoryConn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Release()
}

// Postgres is a Manager on session-level advisory locks. The lock lives as
// long as the pooled connection holding it, so the heartbeat only checks
// that the session is still alive.
type Postgres struct {
	acquireConn func(context.Context) (advisoryConn, error)
	cfg         Config
}

func NewPostgres(pool *pgxpool.Pool, cfg Config) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("lock pool is nil")
	}
	return &Postgres{
		acquireConn: func(ctx context.Context) (advisoryConn, error) { return pool.Acquire(ctx) },
		cfg:         cfg.normalized(),
	}, nil
}

func (m *Postgres) TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, false, err
	}
	conn, err := m.acquireConn(ctx)
	if err != nil {
		return nil, false, err
	}
	key := Key(scopeKind, scopeName)

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &advisoryLock{m: m, conn: conn, key: key, kind: scopeKind, name: scopeName}, true, nil
}

func (m *Postgres) Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, err
	}
	conn, err := m.acquireConn(ctx)
	if err != nil {
		return nil, err
	}
	key := Key(scopeKind, scopeName)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, err
	}
	return &advisoryLock{m: m, conn: conn, key: key, kind: scopeKind, name: scopeName}, nil
}

type advisoryLock struct {
	m    *Postgres
	conn advisoryConn
	key  int64
	kind string
	name string

	// pgx connections are not safe for concurrent use; the heartbeat and
	// Release share conn.
	mu          sync.Mutex
	releaseOnce sync.Once
	released    bool
}

func (l *advisoryLock) ScopeKind() string { return l.kind }
func (l *advisoryLock) ScopeName() string { return l.name }

func (l *advisoryLock) ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	_, err := l.conn.Exec(ctx, `SELECT 1`)
	return err
}

func (l *advisoryLock) StartHeartbeat(ctx context.Context, onLost func(error)) func() {
	return heartbeat(ctx, l.m.cfg.HeartbeatInterval, l.m.cfg.HeartbeatTimeout, l.ping, onLost)
}

func (l *advisoryLock) Release(ctx context.Context) error {
	var unlockErr error
	l.releaseOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		var ok bool
		unlockErr = l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&ok)
		if unlockErr == nil && !ok {
			unlockErr = ErrLost
		}
		l.released = true
		l.conn.Release()
	})
	return unlockErr
}
