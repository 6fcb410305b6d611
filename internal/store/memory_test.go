package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/lecca-io/connectd/internal/store"
	"github.com/lecca-io/connectd/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) store.Store { return store.NewMemory() })
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	created, err := s.Create(ctx, store.Instance{
		TenantID:     "t",
		ID:           "i",
		DefinitionID: "d",
		Values:       map[string]string{"k": "v"},
		Status:       store.StatusActive,
		ExpiresAt:    &exp,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	created.Values["k"] = "mutated"
	*created.ExpiresAt = time.Time{}

	got, err := s.Get(ctx, "t", "i")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Values["k"] != "v" || got.ExpiresAt.IsZero() {
		t.Fatalf("store shares memory with caller: %+v", got)
	}
}

func TestCheckRejectsIncompleteInstances(t *testing.T) {
	t.Parallel()

	tests := map[string]store.Instance{
		"tenant":     {ID: "i", DefinitionID: "d", Status: store.StatusActive},
		"id":         {TenantID: "t", DefinitionID: "d", Status: store.StatusActive},
		"definition": {TenantID: "t", ID: "i", Status: store.StatusActive},
		"status":     {TenantID: "t", ID: "i", DefinitionID: "d", Status: "paused"},
	}
	for name, inst := range tests {
		if err := store.Check(inst); err == nil {
			t.Fatalf("%s: Check() error = nil", name)
		}
	}
}

func TestExpiresWithin(t *testing.T) {
	t.Parallel()

	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := now.Add(30 * time.Second)
	inst := store.Instance{ExpiresAt: &exp}
	if !inst.ExpiresWithin(now, 60*time.Second) {
		t.Fatal("ExpiresWithin(60s) = false for expiry in 30s")
	}
	if inst.ExpiresWithin(now, 10*time.Second) {
		t.Fatal("ExpiresWithin(10s) = true for expiry in 30s")
	}
	if (store.Instance{}).ExpiresWithin(now, time.Hour) {
		t.Fatal("ExpiresWithin() = true without expiry")
	}
}
