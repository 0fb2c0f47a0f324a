package store

import (
	"database/sql"
	"net/url"
	"path/filepath"
	"testing"
)

func testRawDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	u := url.URL{Scheme: "file", Path: path}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func latestVersion() int {
	return migrations[len(migrations)-1].Version
}

func TestRunMigrationsFreshDB(t *testing.T) {
	db := testRawDB(t)

	if err := runMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	version, err := currentVersion(db)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if version != latestVersion() {
		t.Fatalf("expected version %d, got %d", latestVersion(), version)
	}

	for _, table := range []string{"blobs", "files", "file_tags", "memories", "memory_tags", "search_index", "sweep_checkpoints", "sweep_visited", "maintenance_runs"} {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
			t.Fatalf("check %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("%s table not created", table)
		}
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := testRawDB(t)

	if err := runMigrations(db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := runMigrations(db); err != nil {
		t.Fatalf("second run: %v", err)
	}

	version, err := currentVersion(db)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if version != latestVersion() {
		t.Fatalf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestDetectPreMigrationDB(t *testing.T) {
	db := testRawDB(t)

	// Empty DB is not pre-migration.
	pre, err := detectPreMigrationDB(db)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if pre {
		t.Fatal("empty DB should not be pre-migration")
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	if _, err := db.Exec("DELETE FROM schema_migrations"); err != nil {
		t.Fatalf("clear migrations: %v", err)
	}

	pre, err = detectPreMigrationDB(db)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !pre {
		t.Fatal("DB with files but no recorded migrations should be pre-migration")
	}

	// Re-running stamps version 1 and replays the rest.
	if err := runMigrations(db); err != nil {
		t.Fatalf("run migrations again: %v", err)
	}
	pre, err = detectPreMigrationDB(db)
	if err != nil {
		t.Fatalf("detect after migration: %v", err)
	}
	if pre {
		t.Fatal("after migration should not be pre-migration")
	}
}

func TestMigrationPlan(t *testing.T) {
	db := testRawDB(t)

	plan, err := MigrationPlan(db)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.CurrentVersion != 0 {
		t.Fatalf("expected current 0, got %d", plan.CurrentVersion)
	}
	if plan.AvailableVersion != latestVersion() {
		t.Fatalf("expected available %d, got %d", latestVersion(), plan.AvailableVersion)
	}
	if len(plan.Pending) != len(migrations) {
		t.Fatalf("expected %d pending, got %d", len(migrations), len(plan.Pending))
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	plan, err = MigrationPlan(db)
	if err != nil {
		t.Fatalf("plan after migrate: %v", err)
	}
	if len(plan.Pending) != 0 {
		t.Fatalf("expected no pending migrations, got %v", plan.Pending)
	}
}
