package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const releaseTimeout = 5 * time.Second

// Run executes run while holding l. A lost heartbeat cancels run's context
// and is returned as lost; the lock is always released, even when ctx was
// cancelled.
func Run(ctx context.Context, logger *slog.Logger, l Lock, run func(context.Context) error) (runErr, lost error) {
	if l == nil {
		return errors.New("lock is nil"), nil
	}
	if run == nil {
		return errors.New("lock run function is nil"), nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var (
		lockLostMu sync.Mutex
		lockLost   error
	)
	stopHeartbeat := l.StartHeartbeat(runCtx, func(err error) {
		lockLostMu.Lock()
		if lockLost == nil {
			lockLost = err
		}
		lockLostMu.Unlock()

		logger.Error("lock heartbeat failed", "scope_kind", l.ScopeKind(), "scope_name", l.ScopeName(), "err", err)
		cancelRun()
	})

	defer func() {
		stopHeartbeat()
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := l.Release(unlockCtx); err != nil {
			logger.Warn("failed to release lock", "scope_kind", l.ScopeKind(), "scope_name", l.ScopeName(), "err", err)
		}
	}()

	runErr = run(runCtx)

	lockLostMu.Lock()
	lost = lockLost
	lockLostMu.Unlock()
	return runErr, lost
}
