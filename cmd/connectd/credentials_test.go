package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lecca-io/connectd/internal/connections/schema"
	"github.com/lecca-io/connectd/internal/credentials"
)

func TestParseSetFlags(t *testing.T) {
	got, err := parseSetFlags([]string{"apiKey=abc=def", " region =eu", "empty="})
	if err != nil {
		t.Fatalf("parseSetFlags() error = %v", err)
	}
	want := map[string]string{"apiKey": "abc=def", "region": "eu", "empty": ""}
	if len(got) != len(want) {
		t.Fatalf("parseSetFlags() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("parseSetFlags()[%q] = %q, want %q", k, got[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseSetFlags([]string{bad}); err == nil {
			t.Fatalf("parseSetFlags(%q) expected error", bad)
		}
	}
}

func TestUserFacing(t *testing.T) {
	ve := &schema.ValidationError{Fields: []schema.FieldError{{Field: "apiKey", Reason: "required"}}}
	var got *schema.ValidationError
	if err := userFacing(ve); !errors.As(err, &got) {
		t.Fatalf("userFacing(validation) = %v, want validation error", err)
	}

	plain := errors.New("boom")
	if err := userFacing(plain); err != plain {
		t.Fatalf("userFacing(plain) = %v, want unchanged", err)
	}

	kinded := &credentials.Error{Kind: credentials.KindUnusable}
	err := userFacing(kinded)
	if !credentials.IsKind(err, credentials.KindUnusable) {
		t.Fatalf("userFacing() lost kind: %v", err)
	}
	if !strings.HasPrefix(err.Error(), credentials.UserMessage(kinded)) {
		t.Fatalf("userFacing() = %q, want user message prefix", err.Error())
	}
}

func TestFormatExpiry(t *testing.T) {
	if got := formatExpiry(nil); got != "-" {
		t.Fatalf("formatExpiry(nil) = %q", got)
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	if got := formatExpiry(&ts); got != "2026-03-01T11:00:00Z" {
		t.Fatalf("formatExpiry() = %q", got)
	}
}
