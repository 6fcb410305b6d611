// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lecca-io/connectd/internal/store"
)

func sample(tenantID, id string) store.Instance {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	return store.Instance{
		TenantID:          tenantID,
		ID:                id,
		DefinitionID:      "vapi_connection_api-key",
		DefinitionVersion: 1,
		Values:            map[string]string{"apiKey": "kid:c2VhbGVk"},
		Display:           map[string]string{"apiKey": "sk_****abcd"},
		Status:            store.StatusActive,
		ExpiresAt:         &exp,
	}
}

// Run exercises a backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Create(ctx, sample("t1", "i1"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if created.Version != 1 {
			t.Fatalf("Create() version = %d, want 1", created.Version)
		}
		if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
			t.Fatalf("Create() timestamps not set: %+v", created)
		}

		got, err := s.Get(ctx, "t1", "i1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Values["apiKey"] != "kid:c2VhbGVk" || got.Display["apiKey"] != "sk_****abcd" {
			t.Fatalf("Get() values = %v display = %v", got.Values, got.Display)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*sample("", "").ExpiresAt) {
			t.Fatalf("Get() ExpiresAt = %v", got.ExpiresAt)
		}
		if got.DefinitionID != "vapi_connection_api-key" || got.Status != store.StatusActive || got.DefinitionVersion != 1 {
			t.Fatalf("Get() = %+v", got)
		}

		if _, err := s.Create(ctx, sample("t1", "i1")); !errors.Is(err, store.ErrAlreadyExists) {
			t.Fatalf("Create(duplicate) error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("NotFoundAcrossTenants", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.Create(ctx, sample("t1", "i1")); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := s.Get(ctx, "t2", "i1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Get(other tenant) error = %v, want ErrNotFound", err)
		}
		if _, err := s.Get(ctx, "t1", "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
		}
		missing := sample("t1", "missing")
		missing.Version = 1
		if _, err := s.Update(ctx, missing); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Update(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateVersioning", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, sample("t1", "i1"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		next := created
		next.Values = map[string]string{"apiKey": "kid:bmV3"}
		next.Status = store.StatusExpired
		next.StatusReason = "expired"
		next.ExpiresAt = nil
		updated, err := s.Update(ctx, next)
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if updated.Version != 2 {
			t.Fatalf("Update() version = %d, want 2", updated.Version)
		}

		stale := created
		stale.Status = store.StatusInvalid
		_, err = s.Update(ctx, stale)
		var conflict *store.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Update(stale) error = %v, want ConflictError", err)
		}
		if conflict.Expected != 1 || conflict.Actual != 2 {
			t.Fatalf("ConflictError = %+v", conflict)
		}

		got, err := s.Get(ctx, "t1", "i1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status != store.StatusExpired || got.StatusReason != "expired" || got.ExpiresAt != nil || got.Values["apiKey"] != "kid:bmV3" {
			t.Fatalf("Get() after update = %+v", got)
		}
	})

	t.Run("RevokedTombstoneHasNoValues", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, sample("t1", "i1"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		created.Values = nil
		created.Display = nil
		created.Status = store.StatusRevoked
		if _, err := s.Update(ctx, created); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		got, err := s.Get(ctx, "t1", "i1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status != store.StatusRevoked || len(got.Values) != 0 {
			t.Fatalf("Get() = %+v, want revoked without values", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.Create(ctx, sample("t1", "i1")); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := s.Delete(ctx, "t2", "i1"); err != nil {
			t.Fatalf("Delete(other tenant) error = %v", err)
		}
		if _, err := s.Get(ctx, "t1", "i1"); err != nil {
			t.Fatalf("Get() after foreign delete error = %v", err)
		}
		if err := s.Delete(ctx, "t1", "i1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := s.Get(ctx, "t1", "i1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, "t1", "i1"); err != nil {
			t.Fatalf("Delete(missing) error = %v", err)
		}
		created, err := s.Create(ctx, sample("t1", "i1"))
		if err != nil {
			t.Fatalf("Create() after delete error = %v", err)
		}
		if created.Version < 1 {
			t.Fatalf("Create() after delete version = %d", created.Version)
		}
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"a", "b"} {
			if _, err := s.Create(ctx, sample("t1", id)); err != nil {
				t.Fatalf("Create(%s) error = %v", id, err)
			}
		}
		if _, err := s.Create(ctx, sample("t2", "c")); err != nil {
			t.Fatalf("Create(c) error = %v", err)
		}
		got, err := s.List(ctx, "t1")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("List() len = %d, want 2", len(got))
		}
		for _, inst := range got {
			if inst.TenantID != "t1" {
				t.Fatalf("List() returned %s/%s", inst.TenantID, inst.ID)
			}
		}
	})

	t.Run("ListExpiring", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		add := func(tenantID, id string, exp *time.Time, status store.Status) {
			inst := sample(tenantID, id)
			inst.ExpiresAt = exp
			inst.Status = status
			if _, err := s.Create(ctx, inst); err != nil {
				t.Fatalf("Create(%s) error = %v", id, err)
			}
		}
		soon := base.Add(30 * time.Second)
		sooner := base.Add(10 * time.Second)
		later := base.Add(time.Hour)
		add("t1", "soon", &soon, store.StatusActive)
		add("t2", "sooner", &sooner, store.StatusActive)
		add("t1", "later", &later, store.StatusActive)
		add("t1", "never", nil, store.StatusActive)
		add("t1", "dead", &sooner, store.StatusInvalid)

		got, err := s.ListExpiring(ctx, base.Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListExpiring() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "sooner" || got[1].ID != "soon" {
			ids := make([]string, 0, len(got))
			for _, inst := range got {
				ids = append(ids, inst.ID)
			}
			t.Fatalf("ListExpiring() = %v, want [sooner soon]", ids)
		}

		got, err = s.ListExpiring(ctx, base.Add(time.Minute), 1)
		if err != nil {
			t.Fatalf("ListExpiring(limit) error = %v", err)
		}
		if len(got) != 1 || got[0].ID != "sooner" {
			t.Fatalf("ListExpiring(limit 1) len = %d", len(got))
		}
	})

	t.Run("ConcurrentUpdatesOneWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, sample("t1", "i1"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := created
				next.StatusReason = "racer"
				_, err := s.Update(ctx, next)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case store.IsConflict(err):
					conflicts++
				default:
					t.Errorf("Update() error = %v", err)
				}
			}()
		}
		wg.Wait()
		if wins != 1 || conflicts != writers-1 {
			t.Fatalf("wins = %d conflicts = %d, want 1 and %d", wins, conflicts, writers-1)
		}
	})
}
