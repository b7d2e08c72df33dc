package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/beaconvisor/internal/store"
	"github.com/loykin/beaconvisor/internal/store/storetest"
)

func TestSQLiteConformance(t *testing.T) {
	db, err := New(":memory:", "")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	storetest.Run(t, db)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.db")
	ctx := context.Background()

	db, err := New(path, "bv_")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	n := store.TrackedNode{URL: "http://localhost:5052", Docker: &store.DockerInfo{ProcessName: "prater-beacon-node", RPCPort: 5052}}
	if err := db.Upsert(ctx, n); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_ = db.Close()

	db2, err := New(path, "bv_")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	// schema creation is idempotent
	if err := db2.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema again: %v", err)
	}
	got, err := db2.GetByURL(ctx, n.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Docker == nil || got.Docker.ProcessName != "prater-beacon-node" {
		t.Fatalf("unexpected node after reopen: %+v", got)
	}
}

func TestSQLiteEmptyPath(t *testing.T) {
	if _, err := New("  ", ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
