package connections

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

type AuthReason string

const (
	AuthInvalidCredential AuthReason = "invalid_credential"
	AuthNetwork           AuthReason = "network"
	AuthUnknown           AuthReason = "unknown"
)

// AuthError is returned by validate and refresh hooks. Only
// AuthInvalidCredential says anything about the credential itself; the other
// reasons are transient.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth error: %s", e.Reason)
	}
	return fmt.Sprintf("auth error: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func InvalidCredential(err error) error {
	return &AuthError{Reason: AuthInvalidCredential, Err: err}
}

func NetworkFailure(err error) error {
	return &AuthError{Reason: AuthNetwork, Err: err}
}

func UnknownFailure(err error) error {
	return &AuthError{Reason: AuthUnknown, Err: err}
}

// ClassifyAuthError turns any hook error into an *AuthError. Deadlines,
// cancellations and transport failures become AuthNetwork so a timeout can
// never mark a credential invalid.
func ClassifyAuthError(err error) *AuthError {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		if isTransport(err) && ae.Reason == AuthInvalidCredential {
			return &AuthError{Reason: AuthNetwork, Err: err}
		}
		return ae
	}
	if isTransport(err) {
		return &AuthError{Reason: AuthNetwork, Err: err}
	}
	return &AuthError{Reason: AuthUnknown, Err: err}
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// DuplicateIDError is returned when a different definition is registered
// under an id that is already taken.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("connection %q already registered with a different definition", e.ID)
}

var (
	ErrDefinitionNotFound = errors.New("connection definition not found")
	ErrRegistrySealed     = errors.New("connection registry is sealed")
)
