package store

import (
	"context"
	"database/sql"
	"time"

	"strata/internal/models"
)

// Checkpoint is the persisted progress of one sweep scope. Every record
// up to LastID is visited; Done lists the visited ids above it.
type Checkpoint struct {
	Scope     string
	RunID     string
	LastID    int64
	MaxID     int64
	Done      []int64
	StartedAt time.Time
	UpdatedAt time.Time
}

// MaintenanceRun is one row of the maintenance audit table.
type MaintenanceRun struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Scope      string     `json:"scope"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ReportJSON string     `json:"report,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// StoreInfo summarizes catalog contents.
type StoreInfo struct {
	SchemaVersion     int                   `json:"schema_version"`
	TotalFiles        int                   `json:"total_files"`
	TotalMemories     int                   `json:"total_memories"`
	ArchivedMemories  int                   `json:"archived_memories"`
	TotalBlobs        int                   `json:"total_blobs"`
	ReclaimableBlobs  int                   `json:"reclaimable_blobs"`
	QuarantinedBlobs  int                   `json:"quarantined_blobs"`
	PendingMigrations int                   `json:"pending_migrations"`
	FileCounts        map[models.Tier]int   `json:"file_counts"`
	BlobBytes         map[models.Tier]int64 `json:"blob_bytes"`
}

// GetCheckpoint returns the checkpoint of scope, or nil.
func (s *Store) GetCheckpoint(ctx context.Context, scope string) (*Checkpoint, error) {
	var cp Checkpoint
	var startedAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT scope, run_id, last_id, max_id, started_at, updated_at FROM sweep_checkpoints WHERE scope = ?`, scope,
	).Scan(&cp.Scope, &cp.RunID, &cp.LastID, &cp.MaxID, &startedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cp.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if cp.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id FROM sweep_visited WHERE scope = ? AND record_id > ? ORDER BY record_id`, scope, cp.LastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		cp.Done = append(cp.Done, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// SaveCheckpointTx upserts a checkpoint inside tx.
func SaveCheckpointTx(ctx context.Context, tx *sql.Tx, cp Checkpoint) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sweep_checkpoints (scope, run_id, last_id, max_id, started_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope) DO UPDATE SET run_id = excluded.run_id, last_id = excluded.last_id,
		   max_id = excluded.max_id, started_at = excluded.started_at, updated_at = excluded.updated_at`,
		cp.Scope, cp.RunID, cp.LastID, cp.MaxID, formatTime(cp.StartedAt), formatTime(cp.UpdatedAt),
	)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sweep_visited WHERE scope = ?`, cp.Scope); err != nil {
		return err
	}
	for _, id := range cp.Done {
		if id <= cp.LastID {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sweep_visited (scope, record_id) VALUES (?, ?)`, cp.Scope, id); err != nil {
			return err
		}
	}
	return nil
}

// SaveCheckpoint upserts a checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		return SaveCheckpointTx(ctx, tx, cp)
	})
}

// ClearCheckpoint removes the checkpoint of scope after a completed sweep.
func (s *Store) ClearCheckpoint(ctx context.Context, scope string) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sweep_visited WHERE scope = ?`, scope); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM sweep_checkpoints WHERE scope = ?`, scope)
		return err
	})
}

// RecordMigrationFailureTx increments the failed-attempt count of a file
// move toward target and returns the new count. A different target
// restarts the count.
func RecordMigrationFailureTx(ctx context.Context, tx *sql.Tx, fileID int64, target models.Tier, msg string, now time.Time) (int, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO migration_attempts (file_id, target_tier, attempts, last_error, updated_at) VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET
		   attempts = CASE WHEN target_tier = excluded.target_tier THEN attempts + 1 ELSE 1 END,
		   target_tier = excluded.target_tier, last_error = excluded.last_error, updated_at = excluded.updated_at`,
		fileID, string(target), nullIfEmpty(msg), formatTime(now),
	)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts FROM migration_attempts WHERE file_id = ?`, fileID).Scan(&attempts)
	return attempts, err
}

// ClearMigrationAttemptsTx forgets failed attempts after a successful move.
func ClearMigrationAttemptsTx(ctx context.Context, tx *sql.Tx, fileID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM migration_attempts WHERE file_id = ?`, fileID)
	return err
}

// InsertRun records the start of a maintenance run.
func (s *Store) InsertRun(ctx context.Context, run MaintenanceRun) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO maintenance_runs (id, kind, scope, status, started_at) VALUES (?, ?, ?, ?, ?)`,
			run.ID, run.Kind, run.Scope, run.Status, formatTime(run.StartedAt),
		)
		return err
	})
}

// FinishRun records the outcome of a maintenance run.
func (s *Store) FinishRun(ctx context.Context, id, status string, finishedAt time.Time, reportJSON, errMsg string) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE maintenance_runs SET status = ?, finished_at = ?, report_json = ?, error = ? WHERE id = ?`,
			status, formatTime(finishedAt), nullIfEmpty(reportJSON), nullIfEmpty(errMsg), id,
		)
		return err
	})
}

// ListRuns lists recent maintenance runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]MaintenanceRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, scope, status, started_at, finished_at, report_json, error
		 FROM maintenance_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []MaintenanceRun{}
	for rows.Next() {
		var run MaintenanceRun
		var startedAt string
		var finishedAt, reportJSON, errMsg sql.NullString
		if err := rows.Scan(&run.ID, &run.Kind, &run.Scope, &run.Status, &startedAt, &finishedAt, &reportJSON, &errMsg); err != nil {
			return nil, err
		}
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t, err := parseTime(finishedAt.String)
			if err != nil {
				return nil, err
			}
			run.FinishedAt = &t
		}
		run.ReportJSON = reportJSON.String
		run.Error = errMsg.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// StoreInfo returns catalog counts.
func (s *Store) StoreInfo(ctx context.Context) (*StoreInfo, error) {
	info := &StoreInfo{
		FileCounts: map[models.Tier]int{},
		BlobBytes:  map[models.Tier]int64{},
	}

	version, err := currentVersion(s.db)
	if err != nil {
		return nil, err
	}
	info.SchemaVersion = version

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM files`, &info.TotalFiles},
		{`SELECT COUNT(*) FROM memories`, &info.TotalMemories},
		{`SELECT COUNT(*) FROM memories WHERE archived = 1`, &info.ArchivedMemories},
		{`SELECT COUNT(*) FROM blobs`, &info.TotalBlobs},
		{`SELECT COUNT(*) FROM blobs WHERE ref_count <= 0 AND pinned = 0`, &info.ReclaimableBlobs},
		{`SELECT COUNT(*) FROM blobs WHERE quarantined = 1`, &info.QuarantinedBlobs},
		{`SELECT COUNT(*) FROM files WHERE migration_pending = 1`, &info.PendingMigrations},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM files GROUP BY tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, err
		}
		info.FileCounts[models.Tier(tier)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	bytes, err := s.TierUsage(ctx)
	if err != nil {
		return nil, err
	}
	info.BlobBytes = bytes
	return info, nil
}
