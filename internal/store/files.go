package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"strata/internal/models"
)

const fileColumns = "id, filename, namespace, mime_type, blob_hash, size_bytes, tier, meta_json, access_count, migration_pending, created_at, last_accessed_at"
const qualifiedFileColumns = "files.id, files.filename, files.namespace, files.mime_type, files.blob_hash, files.size_bytes, files.tier, files.meta_json, files.access_count, files.migration_pending, files.created_at, files.last_accessed_at"

// FileFilter selects file records. Dimensions combine with AND; Tags
// match when any listed tag is present.
type FileFilter struct {
	Query         string
	Namespace     string
	Tags          []string
	Tier          models.Tier
	MimeType      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// FindFileTx returns the record matching the ingestion identity triple.
func FindFileTx(ctx context.Context, q querier, namespace, filename, hash string) (*models.FileRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE namespace = ? AND filename = ? AND blob_hash = ?`,
		namespace, filename, hash,
	)
	file, err := scanFile(row)
	if err != nil || file == nil {
		return file, err
	}
	return file, attachFileTags(ctx, q, []*models.FileRecord{file})
}

// InsertFileTx inserts a file row and its tags and sets file.ID.
func InsertFileTx(ctx context.Context, tx *sql.Tx, file *models.FileRecord) error {
	if file == nil {
		return fmt.Errorf("file record is required")
	}
	metaJSON, err := metaToJSON(file.Metadata)
	if err != nil {
		return err
	}
	if file.LastAccessedAt.IsZero() {
		file.LastAccessedAt = file.CreatedAt
	}

	var res sql.Result
	if file.ID > 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			file.ID, file.Filename, file.Namespace, nullIfEmpty(file.MimeType), file.BlobHash, file.SizeBytes,
			string(file.Tier), metaJSON, file.AccessCount, boolToInt(file.MigrationPending),
			formatTime(file.CreatedAt), formatTime(file.LastAccessedAt),
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO files (filename, namespace, mime_type, blob_hash, size_bytes, tier, meta_json, access_count, migration_pending, created_at, last_accessed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			file.Filename, file.Namespace, nullIfEmpty(file.MimeType), file.BlobHash, file.SizeBytes,
			string(file.Tier), metaJSON, file.AccessCount, boolToInt(file.MigrationPending),
			formatTime(file.CreatedAt), formatTime(file.LastAccessedAt),
		)
	}
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	file.ID = id
	return insertTagsTx(ctx, tx, "file_tags", "file_id", id, file.Tags)
}

// GetFile returns one file record with tags, or nil when absent.
func (s *Store) GetFile(ctx context.Context, id int64) (*models.FileRecord, error) {
	return GetFileTx(ctx, s.db, id)
}

// GetFileTx reads one file record through q.
func GetFileTx(ctx context.Context, q querier, id int64) (*models.FileRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	file, err := scanFile(row)
	if err != nil || file == nil {
		return file, err
	}
	return file, attachFileTags(ctx, q, []*models.FileRecord{file})
}

// DeleteFileTx removes a file row; tags cascade.
func DeleteFileTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	return err
}

// SetFileTierTx records the desired tier of one file and clears its
// pending flag.
func SetFileTierTx(ctx context.Context, tx *sql.Tx, id int64, tier models.Tier) error {
	_, err := tx.ExecContext(ctx, `UPDATE files SET tier = ?, migration_pending = 0 WHERE id = ?`, string(tier), id)
	return err
}

// SetMigrationPendingTx flags or clears a file whose move keeps failing.
func SetMigrationPendingTx(ctx context.Context, tx *sql.Tx, id int64, pending bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE files SET migration_pending = ? WHERE id = ?`, boolToInt(pending), id)
	return err
}

// TouchFileTx records one access.
func TouchFileTx(ctx context.Context, tx *sql.Tx, id int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE files SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		formatTime(now), id,
	)
	return err
}

// ListFiles lists file records matching filter.
func (s *Store) ListFiles(ctx context.Context, filter FileFilter) ([]models.FileRecord, error) {
	query, args := buildFileQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}
	return files, attachFileTagValues(ctx, s.db, files)
}

// ListFilesPage lists records with afterID < id <= maxID in id order.
func (s *Store) ListFilesPage(ctx context.Context, afterID, maxID int64, limit int) ([]models.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id > ? AND id <= ? ORDER BY id LIMIT ?`,
		afterID, maxID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}
	return files, attachFileTagValues(ctx, s.db, files)
}

// MaxFileID returns the highest file id, or 0.
func (s *Store) MaxFileID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM files`).Scan(&id)
	return id, err
}

// ListFilesTx lists every file record, used for snapshots.
func ListFilesTx(ctx context.Context, q querier) ([]models.FileRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+fileColumns+` FROM files ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}
	return files, attachFileTagValues(ctx, q, files)
}

func scanFiles(rows *sql.Rows) ([]models.FileRecord, error) {
	files := []models.FileRecord{}
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		if file != nil {
			files = append(files, *file)
		}
	}
	return files, rows.Err()
}

func attachFileTagValues(ctx context.Context, q querier, files []models.FileRecord) error {
	ptrs := make([]*models.FileRecord, len(files))
	for i := range files {
		ptrs[i] = &files[i]
	}
	return attachFileTags(ctx, q, ptrs)
}

func attachFileTags(ctx context.Context, q querier, files []*models.FileRecord) error {
	if len(files) == 0 {
		return nil
	}
	ids := make([]int64, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	tags, err := listTags(ctx, q, "file_tags", "file_id", ids)
	if err != nil {
		return err
	}
	for _, f := range files {
		f.Tags = tags[f.ID]
	}
	return nil
}

func scanFile(scanner interface {
	Scan(dest ...any) error
}) (*models.FileRecord, error) {
	file := models.FileRecord{}
	var mimeType, metaJSON sql.NullString
	var tier, createdAt, lastAccessedAt string
	var pending int

	err := scanner.Scan(
		&file.ID,
		&file.Filename,
		&file.Namespace,
		&mimeType,
		&file.BlobHash,
		&file.SizeBytes,
		&tier,
		&metaJSON,
		&file.AccessCount,
		&pending,
		&createdAt,
		&lastAccessedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	file.MimeType = mimeType.String
	file.Tier = models.Tier(tier)
	file.MigrationPending = pending != 0

	if file.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if file.LastAccessedAt, err = parseTime(lastAccessedAt); err != nil {
		return nil, err
	}
	if metaJSON.Valid {
		if file.Metadata, err = metaFromJSON(metaJSON.String); err != nil {
			return nil, err
		}
	}
	return &file, nil
}
