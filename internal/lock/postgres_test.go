package lock

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type boolRow struct {
	v   bool
	err error
}

func (r boolRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.v
	return nil
}

type fakeConn struct {
	rows     []boolRow
	sqls     []string
	execErr  error
	released int
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.sqls = append(c.sqls, sql)
	return pgconn.CommandTag{}, c.execErr
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	c.sqls = append(c.sqls, sql)
	row := c.rows[0]
	c.rows = c.rows[1:]
	return row
}

func (c *fakeConn) Release() { c.released++ }

func newFakePostgres(conn *fakeConn) *Postgres {
	return &Postgres{
		acquireConn: func(context.Context) (advisoryConn, error) { return conn, nil },
		cfg:         Config{InstanceID: "pod-1"}.normalized(),
	}
}

func TestPostgresTryAcquireBusyReleasesConn(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{rows: []boolRow{{v: false}}}
	_, ok, err := newFakePostgres(conn).TryAcquire(context.Background(), "credential", "t/i")
	if err != nil || ok {
		t.Fatalf("TryAcquire() = %v, %v; want busy", ok, err)
	}
	if conn.released != 1 {
		t.Fatalf("conn released %d times, want 1", conn.released)
	}
	if !strings.Contains(conn.sqls[0], "pg_try_advisory_lock") {
		t.Fatalf("sql = %q", conn.sqls[0])
	}
}

func TestPostgresReleaseUnlocksOnce(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{rows: []boolRow{{v: true}, {v: true}}}
	l, ok, err := newFakePostgres(conn).TryAcquire(context.Background(), "credential", "t/i")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v", ok, err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if conn.released != 1 {
		t.Fatalf("conn released %d times, want 1", conn.released)
	}
	if !strings.Contains(conn.sqls[len(conn.sqls)-1], "pg_advisory_unlock") {
		t.Fatalf("last sql = %q", conn.sqls[len(conn.sqls)-1])
	}
}

func TestPostgresPingFailureIsReported(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("conn closed")
	conn := &fakeConn{rows: []boolRow{{v: true}}, execErr: sentinel}
	l, ok, _ := newFakePostgres(conn).TryAcquire(context.Background(), "credential", "t/i")
	if !ok {
		t.Fatal("TryAcquire() failed")
	}
	if err := l.(*advisoryLock).ping(context.Background()); !errors.Is(err, sentinel) {
		t.Fatalf("ping() error = %v", err)
	}
}
