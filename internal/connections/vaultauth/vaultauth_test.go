package vaultauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lecca-io/connectd/internal/connections"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func newVault(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/approle/login" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		switch body["secret_id"] {
		case "good":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"auth": map[string]any{"client_token": "s.fresh", "lease_duration": 1800},
			})
		case "sealed":
			writeJSON(t, w, http.StatusServiceUnavailable, map[string]any{"errors": []string{"Vault is sealed"}})
		default:
			writeJSON(t, w, http.StatusBadRequest, map[string]any{"errors": []string{"invalid role or secret ID"}})
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRefreshIssuesToken(t *testing.T) {
	t.Parallel()

	server := newVault(t)
	def, err := NewDefinition(Options{ID: "svc_vault", Address: server.URL})
	if err != nil {
		t.Fatalf("NewDefinition() error = %v", err)
	}
	if def.Expiry() != connections.ExpiryFixedTTL {
		t.Fatalf("Expiry() = %q", def.Expiry())
	}

	before := time.Now()
	out, err := def.Refresher().Refresh(context.Background(), map[string]string{FieldRoleID: "role", FieldSecretID: "good"})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if out.Values[FieldToken] != "s.fresh" || out.Values[FieldRoleID] != "role" {
		t.Fatalf("Refresh() values = %v", out.Values)
	}
	if out.ExpiresAt == nil || out.ExpiresAt.Before(before.Add(29*time.Minute)) {
		t.Fatalf("Refresh() ExpiresAt = %v", out.ExpiresAt)
	}
}

func TestLoginErrorClassification(t *testing.T) {
	t.Parallel()

	server := newVault(t)
	def, err := NewDefinition(Options{ID: "svc_vault", Address: server.URL, MountPath: "/approle/"})
	if err != nil {
		t.Fatalf("NewDefinition() error = %v", err)
	}

	tests := []struct {
		secretID string
		want     connections.AuthReason
	}{
		{secretID: "wrong", want: connections.AuthInvalidCredential},
		{secretID: "sealed", want: connections.AuthNetwork},
	}
	for _, tt := range tests {
		err := def.Validator().Validate(context.Background(), map[string]string{FieldRoleID: "role", FieldSecretID: tt.secretID})
		got := connections.ClassifyAuthError(err)
		if got == nil || got.Reason != tt.want {
			t.Fatalf("Validate(%q) error = %v, want %q", tt.secretID, err, tt.want)
		}
	}
}

func TestNewDefinitionRequiresAddress(t *testing.T) {
	t.Parallel()

	if _, err := NewDefinition(Options{ID: "svc_vault"}); err == nil {
		t.Fatal("NewDefinition() without address error = nil")
	}
}
