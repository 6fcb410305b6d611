package basic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lecca-io/connectd/internal/connections"
)

func TestBasicProbe(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	def, err := NewDefinition(Options{ID: "svc_basic", ProbeURL: server.URL})
	if err != nil {
		t.Fatalf("NewDefinition() error = %v", err)
	}
	if err := def.Schema().Validate(map[string]string{FieldUsername: "alice"}); err == nil {
		t.Fatal("Validate() error = nil, want password required")
	}

	v := def.Validator()
	if err := v.Validate(context.Background(), map[string]string{FieldUsername: "alice", FieldPassword: "s3cret"}); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	err = v.Validate(context.Background(), map[string]string{FieldUsername: "alice", FieldPassword: "nope"})
	if got := connections.ClassifyAuthError(err); got == nil || got.Reason != connections.AuthInvalidCredential {
		t.Fatalf("Validate() error = %v, want invalid credential", err)
	}
}
