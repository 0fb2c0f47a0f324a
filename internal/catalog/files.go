package catalog

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"strata/internal/errs"
	"strata/internal/models"
	"strata/internal/store"
)

const sniffLen = 512

// UploadInput describes one file upload.
type UploadInput struct {
	Filename  string
	Namespace string
	Tags      []string
	Tier      models.Tier
	MimeType  string
	Metadata  map[string]any
}

// FileQuery selects file records. FilenameGlob is matched against the
// filename after the catalog filter runs.
type FileQuery struct {
	store.FileFilter
	FilenameGlob string
}

// Upload stores content and creates its file record. Uploading the same
// bytes under the same namespace and filename returns the existing record
// without taking another reference.
func (s *Service) Upload(ctx context.Context, in UploadInput, r io.Reader) (*models.FileRecord, error) {
	if r == nil {
		return nil, errs.InvalidCode(fmt.Errorf("content is required"), errs.CodeMissingRequired)
	}
	record, err := s.prepareUpload(in)
	if err != nil {
		return nil, err
	}
	body := s.limitUpload(r)
	if record.MimeType == "" {
		if body, record.MimeType, err = sniffMimeType(body); err != nil {
			return nil, err
		}
	}
	if err := s.validateAllowedMimeType(record.MimeType); err != nil {
		return nil, err
	}

	var stored *models.FileRecord
	blob, err := s.content.Ingest(ctx, body, func(ctx context.Context, tx *sql.Tx, blob *models.Blob) (bool, error) {
		existing, err := store.FindFileTx(ctx, tx, record.Namespace, record.Filename, blob.Hash)
		if err != nil {
			return false, err
		}
		if existing != nil {
			stored = existing
			return false, nil
		}

		record.BlobHash = blob.Hash
		record.SizeBytes = blob.SizeBytes
		if err := store.InsertFileTx(ctx, tx, record); err != nil {
			return false, err
		}
		if err := store.IndexTx(ctx, tx, store.EntityFile, record.ID, store.FileSearchBody(record.Filename, record.Namespace, record.MimeType), record.Tags); err != nil {
			return false, err
		}
		if record.Tier == models.TierVault {
			if err := store.SetBlobPinnedTx(ctx, tx, blob.Hash, true); err != nil {
				return false, err
			}
		}
		stored = record
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if stored.ID == record.ID {
		s.logger.Info("file uploaded", "id", stored.ID, "filename", stored.Filename, "namespace", stored.Namespace, "hash", blob.Hash, "size", blob.SizeBytes, "tier", stored.Tier)
		if _, err := s.content.Reconcile(ctx, blob.Hash); err != nil {
			// The record is committed; the next files sweep retries placement.
			s.logger.Warn("place uploaded blob", "id", stored.ID, "hash", blob.Hash, "tier", stored.Tier, "err", err)
		}
	}
	return s.GetFile(ctx, stored.ID)
}

func (s *Service) prepareUpload(in UploadInput) (*models.FileRecord, error) {
	filename := strings.TrimSpace(in.Filename)
	if filename == "" {
		return nil, errs.InvalidCode(fmt.Errorf("filename is required"), errs.CodeMissingRequired)
	}
	if len(filename) > maxFilenameLength || strings.ContainsAny(filename, "/\\\x00") {
		return nil, errs.InvalidCode(fmt.Errorf("invalid filename: %q", filename), errs.CodeInvalidArgument)
	}
	namespace := strings.ToLower(strings.TrimSpace(in.Namespace))
	if namespace == "" {
		namespace = models.DefaultNamespace
	}
	if len(namespace) > maxNamespaceLength || strings.ContainsAny(namespace, " \t\n/") {
		return nil, errs.InvalidCode(fmt.Errorf("invalid namespace: %q", namespace), errs.CodeInvalidArgument)
	}
	tags, err := normalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}
	tier, err := parseTier(in.Tier, models.TierHot)
	if err != nil {
		return nil, err
	}
	mimeType, err := normalizeMimeType(in.MimeType)
	if err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType, _ = normalizeMimeType(mime.TypeByExtension(filepath.Ext(filename)))
	}
	meta, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	return &models.FileRecord{
		Filename:       filename,
		Namespace:      namespace,
		Tags:           tags,
		MimeType:       mimeType,
		Tier:           tier,
		Metadata:       meta,
		CreatedAt:      now,
		LastAccessedAt: now,
	}, nil
}

// GetFile returns one file record.
func (s *Service) GetFile(ctx context.Context, id int64) (*models.FileRecord, error) {
	file, err := s.db.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, errs.NotFoundf(errs.CodeFileNotFound, "file %d not found", id)
	}
	return file, nil
}

// OpenFile returns a reader over the content of one record and records
// the access.
func (s *Service) OpenFile(ctx context.Context, id int64) (io.ReadCloser, *models.FileRecord, error) {
	file, err := s.GetFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.content.Open(ctx, file.BlobHash)
	if err != nil {
		return nil, nil, err
	}
	if err := s.touchFile(ctx, file); err != nil {
		rc.Close()
		return nil, nil, err
	}
	return rc, file, nil
}

// Download returns the full content of one record and records the access.
func (s *Service) Download(ctx context.Context, id int64) ([]byte, *models.FileRecord, error) {
	rc, file, err := s.OpenFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, err
	}
	return data, file, nil
}

func (s *Service) touchFile(ctx context.Context, file *models.FileRecord) error {
	now := s.clock()
	if err := s.db.Write(ctx, func(tx *sql.Tx) error {
		return store.TouchFileTx(ctx, tx, file.ID, now)
	}); err != nil {
		return err
	}
	file.AccessCount++
	file.LastAccessedAt = now
	return nil
}

// SearchFiles returns ranked records matching q.
func (s *Service) SearchFiles(ctx context.Context, q FileQuery) ([]models.FileRecord, error) {
	filter, err := s.normalizeFileFilter(q.FileFilter)
	if err != nil {
		return nil, err
	}
	pattern := strings.TrimSpace(q.FilenameGlob)
	if pattern == "" {
		return s.db.ListFiles(ctx, filter)
	}

	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, errs.InvalidCode(fmt.Errorf("invalid filename glob %q: %w", pattern, err), errs.CodeInvalidArgument)
	}
	limit, offset := filter.Limit, filter.Offset
	filter.Limit, filter.Offset = 0, 0
	files, err := s.db.ListFiles(ctx, filter)
	if err != nil {
		return nil, err
	}

	matched := make([]models.FileRecord, 0, len(files))
	for _, file := range files {
		if matcher.Match(file.Filename) {
			matched = append(matched, file)
		}
	}
	if offset >= len(matched) {
		return []models.FileRecord{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Service) normalizeFileFilter(filter store.FileFilter) (store.FileFilter, error) {
	tags, err := normalizeTags(filter.Tags)
	if err != nil {
		return filter, err
	}
	filter.Tags = tags
	filter.Namespace = strings.ToLower(strings.TrimSpace(filter.Namespace))
	if filter.Tier != "" {
		if filter.Tier, err = parseTier(filter.Tier, ""); err != nil {
			return filter, err
		}
	}
	mimeType := strings.ToLower(strings.TrimSpace(filter.MimeType))
	if mimeType != "" && !strings.HasSuffix(mimeType, "/*") {
		if mimeType, err = normalizeMimeType(mimeType); err != nil {
			return filter, err
		}
	}
	filter.MimeType = mimeType
	if filter.Limit < 0 || filter.Offset < 0 {
		return filter, errs.InvalidCode(fmt.Errorf("limit and offset must not be negative"), errs.CodeInvalidArgument)
	}
	if filter.Limit == 0 {
		filter.Limit = defaultSearchLimit
	}
	if filter.CreatedAfter != nil && filter.CreatedBefore != nil && !filter.CreatedAfter.Before(*filter.CreatedBefore) {
		return filter, errs.InvalidCode(fmt.Errorf("created_after must be before created_before"), errs.CodeInvalidTime)
	}
	return filter, nil
}

// SetTier records the desired tier of one record and places the shared
// blob in the hottest tier any live record asks for. The record update is
// kept even when placement fails; the files sweep retries it.
func (s *Service) SetTier(ctx context.Context, id int64, tier models.Tier) (*models.FileRecord, error) {
	tier, err := parseTier(tier, "")
	if err != nil {
		return nil, err
	}
	file, err := s.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}

	if file.Tier != tier || file.MigrationPending {
		unlock, err := s.content.Lock(file.BlobHash)
		if err != nil {
			return nil, err
		}
		err = s.db.Write(ctx, func(tx *sql.Tx) error {
			if err := store.SetFileTierTx(ctx, tx, id, tier); err != nil {
				return err
			}
			if err := store.ClearMigrationAttemptsTx(ctx, tx, id); err != nil {
				return err
			}
			return syncVaultPinTx(ctx, tx, file.BlobHash)
		})
		unlock()
		if err != nil {
			return nil, err
		}
		s.logger.Info("file tier set", "id", id, "from", file.Tier, "to", tier)
	}

	if _, err := s.content.Reconcile(ctx, file.BlobHash); err != nil {
		return nil, err
	}
	return s.GetFile(ctx, id)
}

// Reconcile re-places the blob of one record without changing it.
func (s *Service) Reconcile(ctx context.Context, file *models.FileRecord) (*models.Blob, error) {
	return s.content.Reconcile(ctx, file.BlobHash)
}

// DeleteFile removes one record and releases its blob reference. Vault
// records require confirm.
func (s *Service) DeleteFile(ctx context.Context, id int64, confirm bool) error {
	file, err := s.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if file.Tier == models.TierVault && !confirm {
		return errs.PermissionDenied(fmt.Errorf("file %d is in the vault; deletion requires confirmation", id), errs.CodeVaultUnconfirmed)
	}

	blob, err := s.content.Unreference(ctx, file.BlobHash, func(ctx context.Context, tx *sql.Tx) error {
		current, err := store.GetFileTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return errs.NotFoundf(errs.CodeFileNotFound, "file %d not found", id)
		}
		if current.Tier == models.TierVault && !confirm {
			return errs.PermissionDenied(fmt.Errorf("file %d is in the vault; deletion requires confirmation", id), errs.CodeVaultUnconfirmed)
		}
		if err := store.DeleteFileTx(ctx, tx, id); err != nil {
			return err
		}
		if err := store.UnindexTx(ctx, tx, store.EntityFile, id); err != nil {
			return err
		}
		return syncVaultPinTx(ctx, tx, file.BlobHash)
	})
	if err != nil {
		return err
	}
	s.logger.Info("file deleted", "id", id, "hash", file.BlobHash, "refs", blob.RefCount)

	if blob.Deletable() {
		return nil
	}
	if _, err := s.content.Reconcile(ctx, file.BlobHash); err != nil {
		s.logger.Warn("re-place shared blob after delete", "hash", file.BlobHash, "err", err)
	}
	return nil
}

// sniffMimeType detects the media type from the first bytes of r and
// returns a reader that still yields them.
func sniffMimeType(r io.Reader) (io.Reader, string, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, "", err
	}
	mimeType, _ := normalizeMimeType(http.DetectContentType(head))
	return br, mimeType, nil
}

// limitUpload fails the read once more than MaxUploadBytes arrive.
func (s *Service) limitUpload(r io.Reader) io.Reader {
	if s.maxUploadBytes <= 0 {
		return r
	}
	return &uploadLimitReader{r: r, remaining: s.maxUploadBytes}
}

type uploadLimitReader struct {
	r         io.Reader
	remaining int64
}

func (l *uploadLimitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errs.InvalidCode(fmt.Errorf("upload exceeds the size limit"), errs.CodeTooLarge)
	}
	return n, err
}

// FileAge is the time since the last access of file.
func FileAge(file models.FileRecord, now time.Time) time.Duration {
	last := file.LastAccessedAt
	if last.IsZero() || last.Before(file.CreatedAt) {
		last = file.CreatedAt
	}
	return now.Sub(last)
}
