// Package refresh proactively renews credentials that are about to expire so
// that resolution on the execution path rarely has to wait for a refresh.
package refresh

import (
	"context"
	"errors"
)

// Runner executes a single sweep.
type Runner interface {
	RunOnce(context.Context) error
}

// ErrSweepAlreadyRunning is returned when another node holds the sweep lock.
var ErrSweepAlreadyRunning = errors.New("refresh sweep is already running")

// ErrNothingDue is returned when no credential expires within the margin.
var ErrNothingDue = errors.New("no credentials are due for refresh")
