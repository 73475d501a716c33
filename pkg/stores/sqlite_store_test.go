package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

type descriptor struct {
	Service    string   `cbor:"1,keyasint"`
	Properties []string `cbor:"2,keyasint"`
}

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// clock returns a settable time source.
func clock(store *SQLiteStore, start time.Time) *time.Time {
	now := start
	store.now = func() time.Time { return now }
	return &now
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("health check should fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestPutGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	in := descriptor{Service: "org.freedesktop.hostname1", Properties: []string{"Hostname", "Chassis"}}
	if err := store.Put(ctx, "hostname1", in); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out descriptor
	found, err := store.Get(ctx, "hostname1", 0, &out)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("expected entry to be found")
	}
	if out.Service != in.Service || len(out.Properties) != 2 || out.Properties[1] != "Chassis" {
		t.Errorf("decoded %+v, want %+v", out, in)
	}

	found, err = store.Get(ctx, "missing", 0, &out)
	if err != nil || found {
		t.Errorf("Get(missing) = %v, %v", found, err)
	}
}

func TestPut_Replaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_ = store.Put(ctx, "k", descriptor{Service: "a"})
	if err := store.Put(ctx, "k", descriptor{Service: "b"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out descriptor
	if _, err := store.Get(ctx, "k", 0, &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out.Service != "b" {
		t.Errorf("expected replaced value, got %q", out.Service)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
}

func TestGet_Expired(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := clock(store, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	_ = store.Put(ctx, "k", descriptor{Service: "a"})
	*now = now.Add(10 * time.Minute)

	var out descriptor
	found, err := store.Get(ctx, "k", 5*time.Minute, &out)
	if err != nil || found {
		t.Errorf("stale entry: found=%v err=%v", found, err)
	}
	found, err = store.Get(ctx, "k", time.Hour, &out)
	if err != nil || !found {
		t.Errorf("fresh entry: found=%v err=%v", found, err)
	}
}

func TestStatsListPurge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := clock(store, start)

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 0 || stats.Oldest != nil || stats.Newest != nil {
		t.Errorf("unexpected empty stats %+v", stats)
	}

	_ = store.Put(ctx, "old", descriptor{Service: "old"})
	*now = start.Add(time.Hour)
	_ = store.Put(ctx, "new", descriptor{Service: "new"})

	stats, err = store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 2 || stats.Bytes == 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !stats.Oldest.Equal(start) || !stats.Newest.Equal(start.Add(time.Hour)) {
		t.Errorf("unexpected range %v - %v", stats.Oldest, stats.Newest)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "new" || entries[1].Key != "old" {
		t.Errorf("unexpected entries %+v", entries)
	}

	n, err := store.Purge(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged entry, got %d", n)
	}

	if err := store.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete of an absent key failed: %v", err)
	}

	n, err = store.Purge(ctx, 0)
	if err != nil || n != 1 {
		t.Errorf("Purge(0) = %d, %v", n, err)
	}
}
