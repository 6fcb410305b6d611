// Package lock provides the per-instance refresh lock. A lock is a lease:
// holders keep it alive with a heartbeat, and a crashed holder's lease
// expires so another process can take over.
package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"strings"
	"time"
)

const (
	ModeLocal    = "local"
	ModeRedis    = "redis"
	ModePostgres = "postgres"

	defaultTTL              = 30 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second
)

// ErrLost is reported to heartbeat callbacks when the lease was taken over or
// expired.
var ErrLost = errors.New("lock lease lost")

type Config struct {
	InstanceID        string
	TTL               time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (c Config) normalized() Config {
	c.InstanceID = strings.TrimSpace(c.InstanceID)
	if c.InstanceID == "" {
		if h := strings.TrimSpace(os.Getenv("HOSTNAME")); h != "" {
			c.InstanceID = h
		} else if h, err := os.Hostname(); err == nil {
			c.InstanceID = strings.TrimSpace(h)
		}
	}
	if c.InstanceID == "" {
		c.InstanceID = "unknown"
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.TTL {
		c.HeartbeatInterval = c.TTL / 3
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return c
}

type Lock interface {
	ScopeKind() string
	ScopeName() string
	StartHeartbeat(ctx context.Context, onLost func(error)) (stop func())
	Release(ctx context.Context) error
}

type Manager interface {
	TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error)
	Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error)
}

// normalizeScope lowercases the kind only. Names carry tenant and instance
// ids, which are case-sensitive.
func normalizeScope(kind, name string) (string, string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	name = strings.TrimSpace(name)
	if kind == "" {
		return "", "", errors.New("scope kind is required")
	}
	if name == "" {
		return "", "", errors.New("scope name is required")
	}
	return kind, name, nil
}

// Key maps a scope to a 64-bit key for backends that need integers.
func Key(kind, name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func scopeString(kind, name string) string {
	return fmt.Sprintf("%s:%s", kind, name)
}

// acquireWithBackoff polls try until it succeeds or ctx ends. The delay
// doubles up to maxDelay with jitter to avoid herds.
func acquireWithBackoff(ctx context.Context, try func(context.Context) (Lock, bool, error)) (Lock, error) {
	delay := 20 * time.Millisecond
	maxDelay := time.Second
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		l, ok, err := try(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		jitter := time.Duration(rng.Int63n(int64(delay/2) + 1))
		timer := time.NewTimer(delay + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if delay < maxDelay {
			delay = min(delay*2, maxDelay)
		}
	}
}

// heartbeat calls renew every interval until stop is called or renew fails.
func heartbeat(ctx context.Context, every, timeout time.Duration, renew func(context.Context) error, onLost func(error)) (stop func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if onLost == nil {
		onLost = func(error) {}
	}
	hbCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}

			renewCtx, cancelRenew := context.WithTimeout(hbCtx, timeout)
			err := renew(renewCtx)
			cancelRenew()
			if err != nil {
				if hbCtx.Err() != nil {
					return
				}
				onLost(err)
				return
			}
		}
	}()
	return cancel
}
