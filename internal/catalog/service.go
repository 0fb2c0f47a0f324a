// Package catalog is the metadata service: file records, memory entries
// and their search index entries. Every mutation runs through the store's
// single writer, and index updates share the catalog transaction.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"strata/internal/content"
	"strata/internal/errs"
	"strata/internal/models"
	"strata/internal/store"
)

const (
	maxFilenameLength  = 255
	maxNamespaceLength = 64
	defaultSearchLimit = 50
)

// Options configures a Service.
type Options struct {
	// MaxUploadBytes rejects larger uploads; zero means unlimited.
	MaxUploadBytes int64
	// AllowedMimeTypes restricts uploads to the listed media types.
	AllowedMimeTypes []string
	Logger           *slog.Logger
	Now              func() time.Time
}

// Service orchestrates catalog workflows and validation.
type Service struct {
	db      *store.Store
	content *content.Store

	maxUploadBytes   int64
	allowedMimeTypes map[string]struct{}
	logger           *slog.Logger
	now              func() time.Time
}

// New constructs a Service.
func New(db *store.Store, contentStore *content.Store, opts Options) *Service {
	s := &Service{
		db:             db,
		content:        contentStore,
		maxUploadBytes: opts.MaxUploadBytes,
		logger:         opts.Logger,
		now:            opts.Now,
	}
	s.ConfigurePolicy(opts.AllowedMimeTypes, opts.MaxUploadBytes)
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "catalog")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ConfigurePolicy overrides the upload media and size policy.
func (s *Service) ConfigurePolicy(allowedMimeTypes []string, maxUploadBytes int64) {
	normalized := map[string]struct{}{}
	for _, raw := range allowedMimeTypes {
		mimeType, err := normalizeMimeType(raw)
		if err != nil || mimeType == "" {
			continue
		}
		normalized[mimeType] = struct{}{}
	}
	if len(normalized) == 0 {
		s.allowedMimeTypes = nil
	} else {
		s.allowedMimeTypes = normalized
	}
	if maxUploadBytes < 0 {
		maxUploadBytes = 0
	}
	s.maxUploadBytes = maxUploadBytes
}

// Stats returns catalog counts and per-tier blob usage.
func (s *Service) Stats(ctx context.Context) (*store.StoreInfo, error) {
	return s.db.StoreInfo(ctx)
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func normalizeMimeType(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	parsed, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", errs.InvalidCode(fmt.Errorf("invalid mime_type: %s", raw), errs.CodeInvalidArgument)
	}
	return strings.ToLower(strings.TrimSpace(parsed)), nil
}

func (s *Service) validateAllowedMimeType(mimeType string) error {
	if mimeType == "" || len(s.allowedMimeTypes) == 0 {
		return nil
	}
	if _, ok := s.allowedMimeTypes[mimeType]; ok {
		return nil
	}
	return errs.InvalidCode(fmt.Errorf("mime_type is not allowed: %s", mimeType), errs.CodeInvalidArgument)
}

func normalizeTags(values []string) ([]string, error) {
	tags, err := models.NormalizeTags(values)
	if err != nil {
		return nil, errs.InvalidCode(err, errs.CodeInvalidTag)
	}
	return tags, nil
}

func normalizeMetadata(meta map[string]any) (map[string]any, error) {
	out, err := models.ValidateMetadata(meta)
	if err != nil {
		return nil, errs.InvalidCode(err, errs.CodeInvalidMetadata)
	}
	return out, nil
}

func parseTier(raw models.Tier, fallback models.Tier) (models.Tier, error) {
	if strings.TrimSpace(string(raw)) == "" {
		return fallback, nil
	}
	tier, err := models.ParseTier(string(raw))
	if err != nil {
		return "", errs.InvalidCode(err, errs.CodeInvalidTier)
	}
	return tier, nil
}

// syncVaultPinTx keeps a blob pinned exactly while some live record asks
// for the vault.
func syncVaultPinTx(ctx context.Context, tx *sql.Tx, hash string) error {
	tiers, err := store.DesiredTiersTx(ctx, tx, hash)
	if err != nil {
		return err
	}
	vaulted := false
	for _, tier := range tiers {
		if tier == models.TierVault {
			vaulted = true
			break
		}
	}
	return store.SetBlobPinnedTx(ctx, tx, hash, vaulted)
}
