package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lecca-io/connectd/internal/credentials"
	"github.com/lecca-io/connectd/internal/lock"
	"github.com/lecca-io/connectd/internal/store"
)

const (
	DefaultWorkers   = 4
	DefaultBatchSize = 500

	sweepLockKind = "sweep"
	sweepLockName = "refresh"
)

// InstanceRefresher renews one instance if it is due. *credentials.Resolver
// implements it.
type InstanceRefresher interface {
	RefreshIfDue(ctx context.Context, tenantID, instanceID string) error
}

// Sweeper refreshes every active instance expiring within Margin. Each
// refresh goes through the resolver, so it takes the same per-instance lock
// as resolutions on the execution path.
type Sweeper struct {
	Store     store.Store
	Refresher InstanceRefresher
	// Locks, when set, keeps sweeps on different nodes from overlapping.
	Locks     lock.Manager
	Margin    time.Duration
	Workers   int
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Result summarizes one sweep.
type Result struct {
	Due       int
	Refreshed int
	Unusable  int
	Failed    int
}

func (s *Sweeper) RunOnce(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Sweep runs one pass. Per-instance failures are logged and counted; only
// listing failures and lock errors are returned.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	if s == nil || s.Store == nil || s.Refresher == nil {
		return Result{}, errors.New("refresh sweeper is not configured")
	}
	logger := s.logger()
	if s.Locks == nil {
		return s.sweep(ctx, logger)
	}

	l, ok, err := s.Locks.TryAcquire(ctx, sweepLockKind, sweepLockName)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrSweepAlreadyRunning
	}
	var res Result
	runErr, lost := lock.Run(ctx, logger, l, func(ctx context.Context) error {
		var err error
		res, err = s.sweep(ctx, logger)
		return err
	})
	if runErr != nil {
		return res, runErr
	}
	return res, lost
}

func (s *Sweeper) sweep(ctx context.Context, logger *slog.Logger) (Result, error) {
	margin := s.Margin
	if margin <= 0 {
		margin = credentials.DefaultMargin
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	workers := s.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	due, err := s.Store.ListExpiring(ctx, now().Add(margin), batch)
	if err != nil {
		return Result{}, err
	}
	if len(due) == 0 {
		return Result{}, ErrNothingDue
	}

	results := ParallelCollect(ctx, due, workers, func(ctx context.Context, inst store.Instance) (struct{}, error) {
		return struct{}{}, s.Refresher.RefreshIfDue(ctx, inst.TenantID, inst.ID)
	}, nil)

	res := Result{Due: len(due)}
	for _, r := range results {
		attrs := []any{"tenant_id", r.Item.TenantID, "instance_id", r.Item.ID, "definition_id", r.Item.DefinitionID}
		switch {
		case r.Err == nil:
			res.Refreshed++
		case credentials.IsKind(r.Err, credentials.KindUnusable), credentials.IsKind(r.Err, credentials.KindNotFound):
			res.Unusable++
			logger.Warn("credential needs reconnect", append(attrs, "err", r.Err)...)
		default:
			res.Failed++
			logger.Error("credential refresh failed", append(attrs, "err", r.Err)...)
		}
	}
	logger.Info("refresh sweep complete", "due", res.Due, "refreshed", res.Refreshed, "unusable", res.Unusable, "failed", res.Failed)
	return res, ctx.Err()
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
