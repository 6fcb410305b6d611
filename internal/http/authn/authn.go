// Package authn guards the internal endpoints that hand out plaintext
// credentials.
package authn

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"
)

const (
	// ContextKeyCaller marks requests that presented the internal token.
	ContextKeyCaller = "internal_caller"

	bearerPrefix = "bearer "
)

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

// RequireToken rejects requests whose bearer token does not match token.
// An empty token rejects everything.
func RequireToken(token string) echo.MiddlewareFunc {
	want := []byte(strings.TrimSpace(token))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			got := []byte(BearerToken(c.Request()))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				c.Response().Header().Set("WWW-Authenticate", `Bearer realm="connectd"`)
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			c.Set(ContextKeyCaller, true)
			return next(c)
		}
	}
}
