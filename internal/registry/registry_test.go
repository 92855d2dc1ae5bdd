package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/state"
)

func newTestRegistry(t *testing.T) (*Registry, *state.MemStore, *time.Time) {
	t.Helper()
	store := state.NewMemStore()
	r := New(store, 10*time.Minute, 24*time.Hour, zerolog.Nop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, store, &now
}

func putEntry(t *testing.T, store *state.MemStore, entry ClientState) {
	t.Helper()
	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(context.Background(), state.ClientKeyPrefix+entry.ClientID, raw); err != nil {
		t.Fatal(err)
	}
}

func TestHasActiveEmpty(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	active, err := r.HasActive(context.Background())
	if err != nil {
		t.Fatalf("HasActive: %v", err)
	}
	if active {
		t.Error("empty registry should have no active clients")
	}
}

func TestTouchThenHasActive(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	if err := r.Touch(ctx, "c-A"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	active, err := r.HasActive(ctx)
	if err != nil {
		t.Fatalf("HasActive: %v", err)
	}
	if !active {
		t.Error("touched client should be active")
	}
}

func TestStaleClientRemovedOnHasActive(t *testing.T) {
	ctx := context.Background()
	r, store, now := newTestRegistry(t)

	putEntry(t, store, ClientState{
		ClientID: "c-old",
		Active:   true,
		LastSeen: now.Add(-11 * time.Minute).UnixMilli(),
	})

	active, err := r.HasActive(ctx)
	if err != nil {
		t.Fatalf("HasActive: %v", err)
	}
	if active {
		t.Error("stale client should not count as active")
	}
	if _, ok, _ := store.Get(ctx, state.ClientKeyPrefix+"c-old"); ok {
		t.Error("stale entry should have been deleted")
	}
}

func TestInactiveClientIgnored(t *testing.T) {
	ctx := context.Background()
	r, store, now := newTestRegistry(t)

	putEntry(t, store, ClientState{
		ClientID: "c-off",
		Active:   false,
		LastSeen: now.UnixMilli(),
	})

	active, err := r.HasActive(ctx)
	if err != nil {
		t.Fatalf("HasActive: %v", err)
	}
	if active {
		t.Error("inactive client should not count")
	}
}

func TestCorruptEntryDeleted(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry(t)

	store.Put(ctx, state.ClientKeyPrefix+"c-bad", []byte("{not json"))
	putEntry(t, store, ClientState{ClientID: "c-ok", Active: true, LastSeen: r.now().UnixMilli()})

	list, err := r.ListActive(ctx, 0)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 1 || list[0].ClientID != "c-ok" {
		t.Errorf("ListActive = %v, want only c-ok", list)
	}
	if _, ok, _ := store.Get(ctx, state.ClientKeyPrefix+"c-bad"); ok {
		t.Error("corrupt entry should have been deleted")
	}
}

func TestListActiveCustomTimeout(t *testing.T) {
	ctx := context.Background()
	r, store, now := newTestRegistry(t)

	putEntry(t, store, ClientState{
		ClientID: "c-recent",
		Active:   true,
		LastSeen: now.Add(-2 * time.Minute).UnixMilli(),
	})

	list, err := r.ListActive(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("1m timeout should exclude a 2m-old client, got %v", list)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	r, store, now := newTestRegistry(t)

	putEntry(t, store, ClientState{ClientID: "c-live", Active: true, LastSeen: now.UnixMilli()})
	putEntry(t, store, ClientState{ClientID: "c-stale", Active: true, LastSeen: now.Add(-time.Hour).UnixMilli()})
	putEntry(t, store, ClientState{ClientID: "c-off", Active: false, LastSeen: now.UnixMilli()})
	store.Put(ctx, state.ClientKeyPrefix+"c-bad", []byte("???"))

	removed, err := r.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	if _, ok, _ := store.Get(ctx, state.KeyLastFullCleanup); !ok {
		t.Error("Purge should record the sweep time")
	}

	list, _ := r.ListActive(ctx, 0)
	if len(list) != 1 || list[0].ClientID != "c-live" {
		t.Errorf("survivors = %v, want only c-live", list)
	}
}

func TestMaybeFullCleanupSkipsRecent(t *testing.T) {
	ctx := context.Background()
	r, store, now := newTestRegistry(t)

	raw, _ := json.Marshal(now.Add(-time.Hour).UnixMilli())
	store.Put(ctx, state.KeyLastFullCleanup, raw)
	putEntry(t, store, ClientState{ClientID: "c-stale", Active: true, LastSeen: now.Add(-time.Hour).UnixMilli()})

	if err := r.MaybeFullCleanup(ctx); err != nil {
		t.Fatalf("MaybeFullCleanup: %v", err)
	}
	// The sweep interval (24h) has not elapsed; stale entry stays for now.
	if _, ok, _ := store.Get(ctx, state.ClientKeyPrefix+"c-stale"); !ok {
		t.Error("cleanup should have been skipped")
	}
}

func TestMaybeFullCleanupRunsWhenDue(t *testing.T) {
	ctx := context.Background()
	r, store, now := newTestRegistry(t)

	raw, _ := json.Marshal(now.Add(-25 * time.Hour).UnixMilli())
	store.Put(ctx, state.KeyLastFullCleanup, raw)
	putEntry(t, store, ClientState{ClientID: "c-stale", Active: true, LastSeen: now.Add(-time.Hour).UnixMilli()})

	if err := r.MaybeFullCleanup(ctx); err != nil {
		t.Fatalf("MaybeFullCleanup: %v", err)
	}
	if _, ok, _ := store.Get(ctx, state.ClientKeyPrefix+"c-stale"); ok {
		t.Error("due cleanup should have purged the stale entry")
	}
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	r.Touch(ctx, "c-A")
	if err := r.Deactivate(ctx, "c-A"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	active, _ := r.HasActive(ctx)
	if active {
		t.Error("deactivated client should not be active")
	}
}
