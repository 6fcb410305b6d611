package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Scheduler struct {
	Runner   Runner
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *Scheduler) Run(ctx context.Context) {
	if s.Runner == nil || s.Interval <= 0 {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Run immediately at startup.
	s.runOnce(ctx, logger, "initial refresh sweep failed")

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, logger, "scheduled refresh sweep failed")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, logger *slog.Logger, msg string) {
	err := s.Runner.RunOnce(ctx)
	switch {
	case err == nil, errors.Is(err, ErrNothingDue):
	case errors.Is(err, ErrSweepAlreadyRunning):
		logger.Debug("refresh sweep skipped", "reason", err)
	case ctx.Err() != nil:
	default:
		logger.Error(msg, "err", err)
	}
}
