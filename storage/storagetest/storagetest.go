// Package storagetest provides a conformance suite that every
// storage.Repository implementation is expected to pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/gatehand/storage"
)

// Run exercises repo with the common suite. The repository must be empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).Unix()

	t.Run("PutAndGet", func(t *testing.T) {
		rec := &storage.Record{
			ID:        "id-1",
			ExpiresAt: expiry,
			NotAfter:  expiry + 60,
			Payload:   []byte(`[{"name":"sid","value":"v1"}]`),
		}
		if err := repo.Put(ctx, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, "id-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.ID != "id-1" {
			t.Fatalf("got ID %q, want %q", got.ID, "id-1")
		}
		if got.ExpiresAt != rec.ExpiresAt {
			t.Fatalf("got ExpiresAt %d, want %d", got.ExpiresAt, rec.ExpiresAt)
		}
		if got.NotAfter != rec.NotAfter {
			t.Fatalf("got NotAfter %d, want %d", got.NotAfter, rec.NotAfter)
		}
		if string(got.Payload) != string(rec.Payload) {
			t.Fatalf("got Payload %q, want %q", got.Payload, rec.Payload)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, "no-such-id")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := repo.Put(ctx, &storage.Record{ID: "id-ow", ExpiresAt: expiry, Payload: []byte("v1")}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Put(ctx, &storage.Record{ID: "id-ow", ExpiresAt: expiry + 100, Payload: []byte("v2")}); err != nil {
			t.Fatalf("Put (overwrite) failed: %v", err)
		}
		got, err := repo.Get(ctx, "id-ow")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.ExpiresAt != expiry+100 || string(got.Payload) != "v2" {
			t.Fatalf("overwrite not applied: %+v", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Put(ctx, &storage.Record{ID: "id-del", ExpiresAt: expiry}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Delete(ctx, "id-del"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, "id-del"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		if err := repo.Delete(ctx, "never-existed"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ReturnedRecordIsDetached", func(t *testing.T) {
		if err := repo.Put(ctx, &storage.Record{ID: "id-copy", ExpiresAt: expiry, Payload: []byte("orig")}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, "id-copy")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		got.Payload[0] = 'X'
		again, err := repo.Get(ctx, "id-copy")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(again.Payload) != "orig" {
			t.Fatalf("stored payload mutated through returned record: %q", again.Payload)
		}
	})

	t.Run("ConcurrentDistinctIDs", func(t *testing.T) {
		var wg sync.WaitGroup
		ids := []string{"c-1", "c-2", "c-3", "c-4", "c-5", "c-6", "c-7", "c-8"}
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if err := repo.Put(ctx, &storage.Record{ID: id, ExpiresAt: expiry, Payload: []byte(id)}); err != nil {
					t.Errorf("Put %s failed: %v", id, err)
				}
			}(id)
		}
		wg.Wait()
		for _, id := range ids {
			got, err := repo.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get %s failed: %v", id, err)
			}
			if string(got.Payload) != id {
				t.Fatalf("record %s has payload %q", id, got.Payload)
			}
		}
	})
}
