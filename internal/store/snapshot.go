package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"strata/internal/models"
)

// Snapshot is a point-in-time copy of the catalog rows in one scope.
type Snapshot struct {
	TakenAt  time.Time            `json:"taken_at"`
	Scope    models.BackupScope   `json:"scope"`
	Blobs    []models.Blob        `json:"blobs,omitempty"`
	Files    []models.FileRecord  `json:"files,omitempty"`
	Memories []models.MemoryEntry `json:"memories,omitempty"`
}

// ExportSnapshot reads every row in scope from one transaction, so the
// result is consistent even while writers continue.
func (s *Store) ExportSnapshot(ctx context.Context, scope models.BackupScope, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: now.UTC(), Scope: scope}
	err := s.Read(ctx, func(tx *sql.Tx) error {
		var err error
		if scope.IncludesFiles() {
			if snap.Files, err = ListFilesTx(ctx, tx); err != nil {
				return err
			}
			if snap.Blobs, err = ListBlobsTx(ctx, tx, true); err != nil {
				return err
			}
		}
		if scope.IncludesMemory() {
			if snap.Memories, err = ListMemoriesTx(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ImportSnapshot replaces the catalog rows in the snapshot's scope with
// its contents in one transaction. Blob rows already present keep their
// live tier; reference counts are recomputed from the restored files.
func (s *Store) ImportSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is required")
	}
	return s.Write(ctx, func(tx *sql.Tx) error {
		if snap.Scope.IncludesFiles() {
			if err := importFilesTx(ctx, tx, snap); err != nil {
				return err
			}
		}
		if snap.Scope.IncludesMemory() {
			if err := importMemoriesTx(ctx, tx, snap); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sweep_checkpoints`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sweep_visited`); err != nil {
			return err
		}
		return rebuildSearchIndexTx(ctx, tx)
	})
}

func importFilesTx(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM files`); err != nil {
		return err
	}
	for _, blob := range snap.Blobs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO blobs (hash, size_bytes, tier, ref_count, pinned, quarantined, created_at) VALUES (?, ?, ?, 0, ?, 0, ?)
			 ON CONFLICT(hash) DO NOTHING`,
			blob.Hash, blob.SizeBytes, string(blob.Tier), boolToInt(blob.Pinned), formatTime(blob.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("restore blob %s: %w", blob.Hash, err)
		}
	}
	for i := range snap.Files {
		file := snap.Files[i]
		if err := InsertFileTx(ctx, tx, &file); err != nil {
			return fmt.Errorf("restore file %d: %w", file.ID, err)
		}
	}
	// Pins follow vault membership of the restored records.
	_, err := tx.ExecContext(ctx,
		`UPDATE blobs SET
		   ref_count = (SELECT COUNT(*) FROM files WHERE files.blob_hash = blobs.hash),
		   pinned = EXISTS (SELECT 1 FROM files WHERE files.blob_hash = blobs.hash AND files.tier = ?)`,
		string(models.TierVault))
	return err
}

func importMemoriesTx(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories`); err != nil {
		return err
	}
	for i := range snap.Memories {
		entry := snap.Memories[i]
		if err := InsertMemoryTx(ctx, tx, &entry); err != nil {
			return fmt.Errorf("restore memory %d: %w", entry.ID, err)
		}
	}
	return nil
}
