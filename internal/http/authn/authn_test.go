package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v5"
)

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "empty", header: "", want: ""},
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "lowercase", header: "bearer abc", want: "abc"},
		{name: "padded", header: "  Bearer   abc  ", want: "abc"},
		{name: "basic", header: "Basic abc", want: ""},
		{name: "prefix_only", header: "Bearer ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := BearerToken(req); got != tt.want {
				t.Fatalf("BearerToken(%q)=%q; want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestRequireToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
	}{
		{name: "match", configured: "s3cret", header: "Bearer s3cret", wantStatus: http.StatusNoContent},
		{name: "mismatch", configured: "s3cret", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "missing", configured: "s3cret", header: "", wantStatus: http.StatusUnauthorized},
		{name: "unconfigured", configured: "", header: "Bearer ", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/internal/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := RequireToken(tt.configured)(func(c *echo.Context) error {
				if ok, _ := c.Get(ContextKeyCaller).(bool); !ok {
					t.Fatalf("caller not marked on context")
				}
				return c.NoContent(http.StatusNoContent)
			})
			if err := h(c); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status=%d want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
