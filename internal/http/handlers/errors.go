package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/lecca-io/connectd/internal/connections/schema"
	"github.com/lecca-io/connectd/internal/credentials"
)

const (
	CodeValidation         = "validation_failed"
	CodeNotFound           = "not_found"
	CodeReconnectRequired  = "reconnect_required"
	CodeUnavailable        = "temporarily_unavailable"
	CodeCredentialRejected = "credential_rejected"
	CodeConflict           = "conflict"

	// retryAfterSeconds is advertised on transient failures.
	retryAfterSeconds = 5
)

// RenderCredentialError maps a credentials error to its status and body.
// Errors without a kind are internal.
func (h *Handlers) RenderCredentialError(c *echo.Context, err error) error {
	msg := credentials.UserMessage(err)
	switch credentials.KindOf(err) {
	case credentials.KindValidation:
		body := ErrorBody{Error: CodeValidation, Message: msg}
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			body.Message = "credential values did not match the connection schema"
			body.Fields = ve.Fields
		}
		return c.JSON(http.StatusUnprocessableEntity, body)
	case credentials.KindNotFound:
		return c.JSON(http.StatusNotFound, ErrorBody{Error: CodeNotFound, Message: msg})
	case credentials.KindUnusable:
		return c.JSON(http.StatusConflict, ErrorBody{Error: CodeReconnectRequired, Message: msg})
	case credentials.KindConflict:
		return c.JSON(http.StatusConflict, ErrorBody{Error: CodeConflict, Message: msg})
	case credentials.KindRefreshTransient:
		return renderUnavailable(c, msg)
	case credentials.KindAuth:
		if credentials.IsRetryable(err) {
			return renderUnavailable(c, msg)
		}
		return c.JSON(http.StatusUnprocessableEntity, ErrorBody{Error: CodeCredentialRejected, Message: msg})
	default:
		return h.RenderError(c, err)
	}
}

func renderUnavailable(c *echo.Context, msg string) error {
	c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: CodeUnavailable, Message: msg})
}
