package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a Manager backed by SET NX PX leases. Release and renewal check
// the holder token so a holder whose lease lapsed cannot touch its
// successor's lease.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string, cfg Config) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "connectd:lock:"
	}
	return &Redis{client: client, cfg: cfg.normalized(), prefix: prefix}, nil
}

func (m *Redis) key(kind, name string) string {
	return m.prefix + scopeString(kind, name)
}

func (m *Redis) TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, false, err
	}
	return m.tryAcquire(ctx, scopeKind, scopeName)
}

func (m *Redis) tryAcquire(ctx context.Context, kind, name string) (Lock, bool, error) {
	key := m.key(kind, name)
	token := m.cfg.InstanceID + "/" + uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, m.cfg.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLock{m: m, key: key, kind: kind, name: name, token: token}, true, nil
}

func (m *Redis) Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, err
	}
	return acquireWithBackoff(ctx, func(ctx context.Context) (Lock, bool, error) {
		return m.tryAcquire(ctx, scopeKind, scopeName)
	})
}

type redisLock struct {
	m     *Redis
	key   string
	kind  string
	name  string
	token string

	releaseOnce sync.Once
}

func (l *redisLock) ScopeKind() string { return l.kind }
func (l *redisLock) ScopeName() string { return l.name }

func (l *redisLock) renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.m.client, []string{l.key}, l.token, l.m.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (l *redisLock) StartHeartbeat(ctx context.Context, onLost func(error)) func() {
	return heartbeat(ctx, l.m.cfg.HeartbeatInterval, l.m.cfg.HeartbeatTimeout, l.renew, onLost)
}

func (l *redisLock) Release(ctx context.Context) error {
	var err error
	l.releaseOnce.Do(func() {
		var n int
		n, err = releaseScript.Run(ctx, l.m.client, []string{l.key}, l.token).Int()
		if err == nil && n == 0 {
			err = ErrLost
		}
	})
	return err
}
