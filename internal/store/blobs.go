package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"strata/internal/models"
)

const blobColumns = "hash, size_bytes, tier, ref_count, pinned, quarantined, created_at"

// GetBlob returns one blob row, or nil when absent.
func (s *Store) GetBlob(ctx context.Context, hash string) (*models.Blob, error) {
	return GetBlobTx(ctx, s.db, hash)
}

// GetBlobTx reads one blob row through q.
func GetBlobTx(ctx context.Context, q querier, hash string) (*models.Blob, error) {
	row := q.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE hash = ?`, hash)
	return scanBlob(row)
}

// AcquireBlobTx inserts the blob with ref_count 1 or increments the
// existing row. It returns the updated row and whether it was created.
func AcquireBlobTx(ctx context.Context, tx *sql.Tx, hash string, size int64, tier models.Tier, now time.Time) (*models.Blob, bool, error) {
	existing, err := GetBlobTx(ctx, tx, hash)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO blobs (hash, size_bytes, tier, ref_count, pinned, quarantined, created_at) VALUES (?, ?, ?, 1, ?, 0, ?)`,
			hash, size, string(tier), boolToInt(tier == models.TierVault), formatTime(now),
		)
		if err != nil {
			return nil, false, err
		}
		blob, err := GetBlobTx(ctx, tx, hash)
		return blob, true, err
	}
	if existing.SizeBytes != size {
		return nil, false, fmt.Errorf("blob %s size mismatch: stored %d, got %d", hash, existing.SizeBytes, size)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?`, hash); err != nil {
		return nil, false, err
	}
	existing.RefCount++
	return existing, false, nil
}

// ReleaseBlobTx decrements ref_count, never below zero, and returns the
// updated row.
func ReleaseBlobTx(ctx context.Context, tx *sql.Tx, hash string) (*models.Blob, error) {
	res, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = MAX(ref_count - 1, 0) WHERE hash = ?`, hash)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return GetBlobTx(ctx, tx, hash)
}

// SetBlobTierTx records the physical tier. Vault placement pins the blob.
func SetBlobTierTx(ctx context.Context, tx *sql.Tx, hash string, tier models.Tier) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE blobs SET tier = ?, pinned = CASE WHEN ? = 'vault' THEN 1 ELSE pinned END WHERE hash = ?`,
		string(tier), string(tier), hash,
	)
	return err
}

// SetBlobPinnedTx toggles the pinned flag.
func SetBlobPinnedTx(ctx context.Context, tx *sql.Tx, hash string, pinned bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE blobs SET pinned = ? WHERE hash = ?`, boolToInt(pinned), hash)
	return err
}

// SetBlobQuarantinedTx toggles the quarantined flag.
func SetBlobQuarantinedTx(ctx context.Context, tx *sql.Tx, hash string, quarantined bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE blobs SET quarantined = ? WHERE hash = ?`, boolToInt(quarantined), hash)
	return err
}

// DeleteBlobTx removes a blob row.
func DeleteBlobTx(ctx context.Context, tx *sql.Tx, hash string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, hash)
	return err
}

// DesiredTiersTx lists the tiers requested by live file records that
// reference hash.
func DesiredTiersTx(ctx context.Context, q querier, hash string) ([]models.Tier, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT tier FROM files WHERE blob_hash = ?`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []models.Tier
	for rows.Next() {
		var tier string
		if err := rows.Scan(&tier); err != nil {
			return nil, err
		}
		tiers = append(tiers, models.Tier(tier))
	}
	return tiers, rows.Err()
}

// ListReclaimableBlobs lists blobs with no references that are not pinned,
// ordered by hash and starting after afterHash.
func (s *Store) ListReclaimableBlobs(ctx context.Context, afterHash string, limit int) ([]models.Blob, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blobColumns+` FROM blobs
		 WHERE ref_count <= 0 AND pinned = 0 AND hash > ?
		   AND NOT EXISTS (SELECT 1 FROM files WHERE files.blob_hash = blobs.hash)
		 ORDER BY hash LIMIT ?`,
		afterHash, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBlobs(rows)
}

// ListBlobsTx lists every blob row, optionally only those referenced by
// files.
func ListBlobsTx(ctx context.Context, q querier, referencedOnly bool) ([]models.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs`
	if referencedOnly {
		query += ` WHERE EXISTS (SELECT 1 FROM files WHERE files.blob_hash = blobs.hash)`
	}
	query += ` ORDER BY hash`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBlobs(rows)
}

// TierUsage sums logical blob bytes per tier.
func (s *Store) TierUsage(ctx context.Context) (map[models.Tier]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tier, COALESCE(SUM(size_bytes), 0) FROM blobs GROUP BY tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[models.Tier]int64{}
	for rows.Next() {
		var tier string
		var total int64
		if err := rows.Scan(&tier, &total); err != nil {
			return nil, err
		}
		out[models.Tier(tier)] = total
	}
	return out, rows.Err()
}

func scanBlobs(rows *sql.Rows) ([]models.Blob, error) {
	blobs := []models.Blob{}
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		if blob != nil {
			blobs = append(blobs, *blob)
		}
	}
	return blobs, rows.Err()
}

func scanBlob(scanner interface {
	Scan(dest ...any) error
}) (*models.Blob, error) {
	blob := models.Blob{}
	var tier, createdAt string
	var pinned, quarantined int

	err := scanner.Scan(&blob.Hash, &blob.SizeBytes, &tier, &blob.RefCount, &pinned, &quarantined, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	blob.Tier = models.Tier(tier)
	blob.Pinned = pinned != 0
	blob.Quarantined = quarantined != 0

	parsedCreated, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	blob.CreatedAt = parsedCreated
	return &blob, nil
}
