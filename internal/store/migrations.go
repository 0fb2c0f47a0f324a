package store

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a schema migration step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// MigrationStatus reports the current and available migration versions.
type MigrationStatus struct {
	CurrentVersion   int             `json:"current_version"`
	AvailableVersion int             `json:"available_version"`
	Pending          []MigrationInfo `json:"pending"`
}

// MigrationInfo describes a single migration.
type MigrationInfo struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// migrations is the ordered list of all schema migrations.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: blobs, files, memories and tag tables",
		SQL: `
CREATE TABLE IF NOT EXISTS blobs (
  hash TEXT PRIMARY KEY,
  size_bytes INTEGER NOT NULL,
  tier TEXT NOT NULL,
  ref_count INTEGER NOT NULL DEFAULT 0,
  pinned INTEGER NOT NULL DEFAULT 0,
  quarantined INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  filename TEXT NOT NULL,
  namespace TEXT NOT NULL,
  mime_type TEXT,
  blob_hash TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  tier TEXT NOT NULL,
  meta_json TEXT,
  access_count INTEGER NOT NULL DEFAULT 0,
  migration_pending INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  last_accessed_at TEXT NOT NULL,
  UNIQUE(namespace, filename, blob_hash),
  FOREIGN KEY (blob_hash) REFERENCES blobs(hash) DEFERRABLE INITIALLY DEFERRED
);

CREATE TABLE IF NOT EXISTS file_tags (
  file_id INTEGER NOT NULL,
  tag TEXT NOT NULL,
  UNIQUE(file_id, tag),
  FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS memories (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  owner TEXT NOT NULL,
  entry_type TEXT NOT NULL,
  content TEXT NOT NULL,
  confidence REAL NOT NULL DEFAULT 1,
  source TEXT,
  meta_json TEXT,
  archived INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  last_accessed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_tags (
  memory_id INTEGER NOT NULL,
  tag TEXT NOT NULL,
  UNIQUE(memory_id, tag),
  FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_blobs_tier ON blobs(tier);
CREATE INDEX IF NOT EXISTS idx_blobs_ref_count ON blobs(ref_count);
CREATE INDEX IF NOT EXISTS idx_files_blob_hash ON files(blob_hash);
CREATE INDEX IF NOT EXISTS idx_files_namespace_created ON files(namespace, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_files_tier ON files(tier);
CREATE INDEX IF NOT EXISTS idx_file_tags_tag ON file_tags(tag);
CREATE INDEX IF NOT EXISTS idx_memories_owner_archived ON memories(owner, archived);
CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag);
`,
	},
	{
		Version:     2,
		Description: "FTS5 search index over files and memories",
		SQL: `
CREATE VIRTUAL TABLE IF NOT EXISTS search_index USING fts5(
	entity_type UNINDEXED,
	entity_id UNINDEXED,
	body,
	tags
);
`,
	},
	{
		Version:     3,
		Description: "maintenance state: sweep checkpoints, migration attempts, run audit",
		SQL: `
CREATE TABLE IF NOT EXISTS sweep_checkpoints (
  scope TEXT PRIMARY KEY,
  run_id TEXT NOT NULL,
  last_id INTEGER NOT NULL,
  max_id INTEGER NOT NULL,
  started_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS migration_attempts (
  file_id INTEGER PRIMARY KEY,
  target_tier TEXT NOT NULL,
  attempts INTEGER NOT NULL,
  last_error TEXT,
  updated_at TEXT NOT NULL,
  FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS maintenance_runs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  scope TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT,
  report_json TEXT,
  error TEXT
);

CREATE INDEX IF NOT EXISTS idx_maintenance_runs_started ON maintenance_runs(started_at DESC);
`,
	},
	{
		Version:     4,
		Description: "sweep records visited ahead of the checkpoint mark",
		SQL: `
CREATE TABLE IF NOT EXISTS sweep_visited (
  scope TEXT NOT NULL,
  record_id INTEGER NOT NULL,
  PRIMARY KEY (scope, record_id)
);
`,
	},
}

const migrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
`

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist.
func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(migrationsTableSQL)
	return err
}

// currentVersion returns the highest applied migration version, or 0 if none.
func currentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// detectPreMigrationDB checks if the files table exists but no migrations have been recorded.
// This indicates a catalog created before the migration framework was added.
func detectPreMigrationDB(db *sql.DB) (bool, error) {
	var filesExist int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='files'").Scan(&filesExist)
	if err != nil {
		return false, err
	}
	if filesExist == 0 {
		return false, nil
	}

	// Check if schema_migrations table exists.
	var migrationsExist int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&migrationsExist)
	if err != nil {
		return false, err
	}
	if migrationsExist == 0 {
		return true, nil
	}

	// Table exists but may be empty (e.g. created but no versions recorded).
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// runMigrations applies all pending migrations in order.
func runMigrations(db *sql.DB) error {
	// Detect pre-migration databases BEFORE creating the migrations table.
	preMigration, err := detectPreMigrationDB(db)
	if err != nil {
		return fmt.Errorf("detect pre-migration db: %w", err)
	}

	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	if preMigration {
		// Mark migration 1 as applied since the schema already exists.
		if _, err := db.Exec("INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))", 1); err != nil {
			return fmt.Errorf("stamp pre-migration db: %w", err)
		}
	}

	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// MigrationPlan returns the current migration status without applying anything.
func MigrationPlan(db *sql.DB) (*MigrationStatus, error) {
	// Detect pre-migration databases BEFORE creating the migrations table.
	preMigration, err := detectPreMigrationDB(db)
	if err != nil {
		return nil, err
	}

	if err := ensureMigrationsTable(db); err != nil {
		return nil, err
	}

	current, err := currentVersion(db)
	if err != nil {
		return nil, err
	}

	// If pre-migration DB, treat as version 1 for planning purposes.
	effective := current
	if preMigration && effective == 0 {
		effective = 1
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	available := 0
	if len(sorted) > 0 {
		available = sorted[len(sorted)-1].Version
	}

	var pending []MigrationInfo
	for _, m := range sorted {
		if m.Version > effective {
			pending = append(pending, MigrationInfo{Version: m.Version, Description: m.Description})
		}
	}

	return &MigrationStatus{
		CurrentVersion:   effective,
		AvailableVersion: available,
		Pending:          pending,
	}, nil
}
