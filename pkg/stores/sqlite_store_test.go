package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// setupTestStore creates a file-backed SQLite store for testing. Every
// pooled connection must see the same database, which rules out :memory:.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
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

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "lifecycle.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"proxies", "property_snapshots", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestProxyOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	path := "/org/freedesktop/Telepathy/Account/gabble/jabber/acc0"

	if err := store.UpsertProxy(ctx, &Proxy{ObjectPath: path, BusID: "session", FirstSeen: first, LastSeen: first}); err != nil {
		t.Fatalf("failed to upsert proxy: %v", err)
	}
	later := first.Add(time.Minute)
	if err := store.UpsertProxy(ctx, &Proxy{ObjectPath: path, FirstSeen: later, LastSeen: later}); err != nil {
		t.Fatalf("failed to refresh proxy: %v", err)
	}

	got, err := store.GetProxy(ctx, path)
	if err != nil {
		t.Fatalf("failed to get proxy: %v", err)
	}
	if got.BusID != "session" {
		t.Errorf("expected bus id to be kept, got %q", got.BusID)
	}
	if !got.FirstSeen.Equal(first) || !got.LastSeen.Equal(later) {
		t.Errorf("unexpected times: first=%v last=%v", got.FirstSeen, got.LastSeen)
	}
	if got.RemovedAt != nil {
		t.Errorf("expected proxy to be live, got removed at %v", got.RemovedAt)
	}

	removed := later.Add(time.Minute)
	if err := store.MarkProxyRemoved(ctx, path, removed); err != nil {
		t.Fatalf("failed to mark removed: %v", err)
	}
	if err := store.UpsertProxy(ctx, &Proxy{ObjectPath: path, FirstSeen: removed, LastSeen: removed}); err != nil {
		t.Fatalf("failed to refresh proxy: %v", err)
	}
	got, err = store.GetProxy(ctx, path)
	if err != nil {
		t.Fatalf("failed to get proxy: %v", err)
	}
	if got.RemovedAt == nil || !got.RemovedAt.Equal(removed) {
		t.Errorf("expected removal at %v to be kept, got %v", removed, got.RemovedAt)
	}

	if _, err := store.GetProxy(ctx, "/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.MarkProxyRemoved(ctx, "/missing", removed); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := store.ListProxies(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list proxies: %v", err)
	}
	if len(list) != 1 || list[0].ObjectPath != path {
		t.Errorf("unexpected proxies: %v", list)
	}
}

func TestSnapshotDeduplication(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	path := "/acc"
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	snaps := []*Snapshot{
		{ID: "s1", ObjectPath: path, Properties: `{"a":1}`, Features: `{}`, Hash: "h1", TakenAt: base},
		{ID: "s2", ObjectPath: path, Properties: `{"a":1}`, Features: `{}`, Hash: "h1", TakenAt: base.Add(time.Second)},
		{ID: "s3", ObjectPath: path, Properties: `{"a":2}`, Features: `{}`, Hash: "h2", TakenAt: base.Add(2 * time.Second)},
		{ID: "s4", ObjectPath: path, Properties: `{"a":1}`, Features: `{}`, Hash: "h1", TakenAt: base.Add(3 * time.Second)},
	}
	wantSaved := []bool{true, false, true, true}

	for i, s := range snaps {
		saved, err := store.SaveSnapshot(ctx, s)
		if err != nil {
			t.Fatalf("snapshot %s: %v", s.ID, err)
		}
		if saved != wantSaved[i] {
			t.Errorf("snapshot %s: expected saved=%v, got %v", s.ID, wantSaved[i], saved)
		}
	}

	latest, err := store.LatestSnapshot(ctx, path)
	if err != nil {
		t.Fatalf("failed to get latest snapshot: %v", err)
	}
	if latest.ID != "s4" {
		t.Errorf("expected latest s4, got %s", latest.ID)
	}

	list, err := store.ListSnapshots(ctx, path, 10, 0)
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	if len(ids) != 3 || ids[0] != "s4" || ids[1] != "s3" || ids[2] != "s1" {
		t.Errorf("unexpected snapshot order %v", ids)
	}

	if _, err := store.GetProxy(ctx, path); err != nil {
		t.Errorf("saving a snapshot should create the proxy: %v", err)
	}

	pruned, err := store.PruneSnapshots(ctx, path, 1)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned, got %d", pruned)
	}

	if _, err := store.LatestSnapshot(ctx, "/other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	details := `{"from":"pending","to":"ready"}`
	events := []*Event{
		{EventID: "e1", ObjectPath: "/a", Type: telemetry.EventTypeFeatureStatusChanged, Feature: "core", Level: EventLevelInfo, Message: "core ready", Details: &details, Timestamp: base},
		{EventID: "e2", ObjectPath: "/a", Type: telemetry.EventTypeConnectionFailed, Level: EventLevelWarning, Message: "build failed", Timestamp: base.Add(time.Second)},
		{EventID: "e3", ObjectPath: "/b", Type: telemetry.EventTypePropertyChanged, Level: EventLevelInfo, Message: "changed", Timestamp: base.Add(2 * time.Second)},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append %s: %v", e.EventID, err)
		}
		if e.ID == 0 {
			t.Errorf("expected generated id for %s", e.EventID)
		}
	}

	// Duplicate delivery is ignored.
	dup := *events[0]
	if err := store.AppendEvent(ctx, &dup); err != nil {
		t.Fatalf("duplicate append failed: %v", err)
	}

	all, err := store.GetEvents(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(all) != 3 || all[0].EventID != "e3" {
		t.Fatalf("expected 3 events newest first, got %d", len(all))
	}

	pathA := "/a"
	byPath, err := store.GetEvents(ctx, EventQuery{ObjectPath: &pathA})
	if err != nil {
		t.Fatalf("failed to filter by path: %v", err)
	}
	if len(byPath) != 2 {
		t.Errorf("expected 2 events for /a, got %d", len(byPath))
	}

	warn := EventLevelWarning
	byLevel, err := store.GetEvents(ctx, EventQuery{Level: &warn})
	if err != nil {
		t.Fatalf("failed to filter by level: %v", err)
	}
	if len(byLevel) != 1 || byLevel[0].EventID != "e2" {
		t.Errorf("unexpected warning events %v", byLevel)
	}

	typ := telemetry.EventTypeFeatureStatusChanged
	byType, err := store.GetEvents(ctx, EventQuery{Type: &typ})
	if err != nil {
		t.Fatalf("failed to filter by type: %v", err)
	}
	if len(byType) != 1 || byType[0].Feature != "core" || byType[0].Details == nil || *byType[0].Details != details {
		t.Errorf("unexpected status events %v", byType)
	}

	since := base.Add(time.Second)
	recent, err := store.GetEvents(ctx, EventQuery{Since: &since})
	if err != nil {
		t.Fatalf("failed to filter by time: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 recent events, got %d", len(recent))
	}

	page, err := store.GetEvents(ctx, EventQuery{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("failed to page: %v", err)
	}
	if len(page) != 1 || page[0].EventID != "e2" {
		t.Errorf("unexpected page %v", page)
	}
}

func TestTransactionRollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO proxies (object_path, bus_id, first_seen, last_seen) VALUES ('/tx', '', ?, ?)`,
		time.Now().UTC(), time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to insert in transaction: %v", err)
	}
	if err := store.RollbackTx(tx); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	if _, err := store.GetProxy(ctx, "/tx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected rolled back proxy to be absent, got %v", err)
	}
}
