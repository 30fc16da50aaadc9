package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenAndMigrate(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer func() {
		_ = db.Close()
		_ = os.Remove(dbPath)
	}()

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	// Running migrations twice is a no-op
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	version, err := db.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion() error: %v", err)
	}
	if version != 2 {
		t.Errorf("migration version = %d, want 2", version)
	}

	for _, table := range []string{"orders", "order_items", "webhook_events"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestStatusCheckConstraint(t *testing.T) {
	tmpDir := t.TempDir()
	db, err := Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	_, err = db.Exec(`INSERT INTO orders (id, status) VALUES ('ord_bad', 'shipped')`)
	if err == nil {
		t.Error("expected CHECK constraint failure for unknown status")
	}
}
