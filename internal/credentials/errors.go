package credentials

import (
	"errors"
	"fmt"

	"github.com/lecca-io/connectd/internal/connections"
)

type Kind string

const (
	// KindNotFound: no such instance (or definition) for the tenant.
	KindNotFound Kind = "not_found"
	// KindUnusable: revoked, invalid or expired without a way to refresh.
	// The user has to reconnect; retrying cannot help.
	KindUnusable Kind = "unusable"
	// KindRefreshTransient: refresh failed for a reason unrelated to the
	// credential. The stored instance is unchanged and callers may retry.
	KindRefreshTransient Kind = "refresh_transient"
	// KindValidation: input did not match the connection schema.
	KindValidation Kind = "validation"
	// KindAuth: the remote service rejected or could not check the values
	// during setup or a connection test.
	KindAuth Kind = "auth"
	// KindConflict: a concurrent write won; reload and retry.
	KindConflict Kind = "conflict"
)

// Error carries the kind callers branch on plus the ids it concerns.
type Error struct {
	Kind         Kind
	TenantID     string
	InstanceID   string
	DefinitionID string
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("credential %s", e.Kind)
	if e.TenantID != "" || e.InstanceID != "" {
		msg += fmt.Sprintf(" (tenant=%s instance=%s)", e.TenantID, e.InstanceID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsRetryable reports whether retrying the same call later can succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRefreshTransient, KindConflict:
		return true
	case KindAuth:
		ae := connections.ClassifyAuthError(err)
		return ae != nil && ae.Reason != connections.AuthInvalidCredential
	default:
		return false
	}
}

// UserMessage is the text shown to end users for err.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNotFound:
		return "credential not found"
	case KindUnusable:
		return "reconnect required"
	case KindRefreshTransient, KindConflict:
		return "temporary failure, will retry"
	case KindValidation:
		return err.Error()
	case KindAuth:
		if IsRetryable(err) {
			return "could not reach the service, try again"
		}
		return "the service rejected these credentials"
	default:
		return "internal error"
	}
}
