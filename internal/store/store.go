// Package store persists credential instances. Values reach the store already
// sealed; implementations never see plaintext.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusInvalid Status = "invalid"
	StatusRevoked Status = "revoked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusInvalid, StatusRevoked:
		return true
	default:
		return false
	}
}

// Usable reports whether an instance in this status may still be resolved.
func (s Status) Usable() bool { return s == StatusActive }

// Instance is one tenant's credential for one connection definition.
type Instance struct {
	TenantID          string
	ID                string
	DefinitionID      string
	DefinitionVersion int

	// Values maps field names to sealed values. Revoked instances have none.
	Values map[string]string
	// Display holds masked values safe to show in a UI.
	Display map[string]string

	Status       Status
	StatusReason string
	ExpiresAt    *time.Time
	RefreshedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Version increases by one on every write and guards concurrent updates.
	Version int64
}

// Clone returns a deep copy.
func (i Instance) Clone() Instance {
	out := i
	out.Values = maps.Clone(i.Values)
	out.Display = maps.Clone(i.Display)
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		out.ExpiresAt = &t
	}
	if i.RefreshedAt != nil {
		t := *i.RefreshedAt
		out.RefreshedAt = &t
	}
	return out
}

// ExpiresWithin reports whether the instance expires before now+margin.
// Instances without an expiry never do.
func (i Instance) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now.Add(margin))
}

type Store interface {
	// Create inserts inst with Version 1. It fails with ErrAlreadyExists if
	// the id is taken.
	Create(ctx context.Context, inst Instance) (Instance, error)
	Get(ctx context.Context, tenantID, id string) (Instance, error)
	List(ctx context.Context, tenantID string) ([]Instance, error)
	// Update replaces the instance if its stored version equals
	// inst.Version, returning the stored copy with the next version.
	// A mismatch yields *ConflictError.
	Update(ctx context.Context, inst Instance) (Instance, error)
	// Delete removes the instance and all of its values. Deleting a missing
	// instance is not an error.
	Delete(ctx context.Context, tenantID, id string) error
	// ListExpiring returns active instances across tenants whose expiry is
	// at or before the cutoff, soonest first.
	ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]Instance, error)
}

var (
	ErrNotFound      = errors.New("credential instance not found")
	ErrAlreadyExists = errors.New("credential instance already exists")
)

// ConflictError reports a lost optimistic-concurrency race.
type ConflictError struct {
	TenantID   string
	InstanceID string
	Expected   int64
	Actual     int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("credential instance %s/%s: version conflict (expected %d, found %d)",
		e.TenantID, e.InstanceID, e.Expected, e.Actual)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Check validates the fields every backend relies on.
func Check(inst Instance) error {
	switch {
	case inst.TenantID == "":
		return errors.New("instance tenant id is required")
	case inst.ID == "":
		return errors.New("instance id is required")
	case inst.DefinitionID == "":
		return errors.New("instance definition id is required")
	case !inst.Status.Valid():
		return fmt.Errorf("instance status %q is invalid", inst.Status)
	}
	return nil
}
