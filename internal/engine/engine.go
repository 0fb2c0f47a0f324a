// Package engine builds the storage services from configuration and
// exposes the operations the CLI and server call.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"strata/internal/backup"
	"strata/internal/blobstore"
	"strata/internal/catalog"
	"strata/internal/config"
	"strata/internal/content"
	"strata/internal/maintenance"
	"strata/internal/metrics"
	"strata/internal/models"
	"strata/internal/retention"
	"strata/internal/store"
	"strata/internal/worker"
)

// Options overrides engine collaborators, mainly for tests.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Engine owns every service of one archive root.
type Engine struct {
	cfg       config.Config
	db        *store.Store
	content   *content.Store
	catalog   *catalog.Service
	retention *retention.Engine
	backups   *backup.Manager
	runner    *maintenance.Runner
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Open creates the on-disk layout under cfg.Root, opens the catalog and
// wires the services.
func Open(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	cas, err := blobstore.NewLocalCAS(cfg.TierRoot(), blobstore.Options{
		QuarantineDir: filepath.Join(cfg.Root, "quarantine"),
		IOMBPS:        cfg.Maintenance.IOMBPS,
	})
	if err != nil {
		return nil, fmt.Errorf("open tiers: %w", err)
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	pool := worker.NewPool(cfg.Maintenance.Workers)
	contentStore := content.New(cas, db, content.Options{
		CopyTimeout: cfg.Maintenance.CopyTimeout.Duration,
		Capacity:    cfg.Capacity(),
		LockDir:     filepath.Join(cfg.LockRoot(), "blobs"),
		Metrics:     m,
		Logger:      logger,
		Now:         opts.Now,
	})
	cat := catalog.New(db, contentStore, catalog.Options{
		MaxUploadBytes:   cfg.Ingest.MaxUploadBytes,
		AllowedMimeTypes: cfg.Ingest.AllowedMimeTypes,
		Logger:           logger,
		Now:              opts.Now,
	})
	backups, err := backup.New(cfg.BackupRoot(), db, contentStore, backup.Options{
		Pool:    pool,
		Metrics: m,
		Logger:  logger,
		Now:     opts.Now,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open backups: %w", err)
	}
	sweeps := retention.New(db, cat, contentStore, retention.Options{
		Policy: retention.Policy{
			WarmAfter:     cfg.WarmAfter(),
			ColdAfter:     cfg.ColdAfter(),
			ArchiveAfter:  cfg.ArchiveAfter(),
			MaxAttempts:   cfg.Tiers.MaxAttempts,
			PageSize:      cfg.Maintenance.SweepPageSize,
			BackupKeep:    cfg.Maintenance.BackupKeep,
			StagingMaxAge: cfg.Maintenance.StagingMaxAge.Duration,
		},
		Backups: backups,
		Pool:    pool,
		Metrics: m,
		Logger:  logger,
		Now:     opts.Now,
	})
	runner := maintenance.NewRunner(db, sweeps, backups, maintenance.Options{
		Locks:   worker.NewScopeLocks(cfg.LockRoot()),
		Metrics: m,
		Logger:  logger,
		Now:     opts.Now,
	})

	logger.Debug("engine opened", "root", cfg.Root, "db", cfg.DBPath, "workers", pool.Size())
	return &Engine{
		cfg:       *cfg,
		db:        db,
		content:   contentStore,
		catalog:   cat,
		retention: sweeps,
		backups:   backups,
		runner:    runner,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Close releases the catalog database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// UploadRequest is one file to ingest.
type UploadRequest struct {
	Content   io.Reader
	Filename  string
	Namespace string
	Tags      []string
	Tier      models.Tier
	MimeType  string
	Metadata  map[string]any
}

// Upload stores content and records it in the catalog.
func (e *Engine) Upload(ctx context.Context, req UploadRequest) (*models.FileRecord, error) {
	return e.catalog.Upload(ctx, catalog.UploadInput{
		Filename:  req.Filename,
		Namespace: req.Namespace,
		Tags:      req.Tags,
		Tier:      req.Tier,
		MimeType:  req.MimeType,
		Metadata:  req.Metadata,
	}, req.Content)
}

// Download returns the bytes and record of file id.
func (e *Engine) Download(ctx context.Context, id int64) ([]byte, *models.FileRecord, error) {
	return e.catalog.Download(ctx, id)
}

// OpenFile streams the bytes of file id.
func (e *Engine) OpenFile(ctx context.Context, id int64) (io.ReadCloser, *models.FileRecord, error) {
	return e.catalog.OpenFile(ctx, id)
}

// GetFile returns one file record without counting an access.
func (e *Engine) GetFile(ctx context.Context, id int64) (*models.FileRecord, error) {
	return e.catalog.GetFile(ctx, id)
}

// SearchFiles lists file records matching q.
func (e *Engine) SearchFiles(ctx context.Context, q catalog.FileQuery) ([]models.FileRecord, error) {
	return e.catalog.SearchFiles(ctx, q)
}

// SetTier changes the requested tier of file id.
func (e *Engine) SetTier(ctx context.Context, id int64, tier models.Tier) (*models.FileRecord, error) {
	return e.catalog.SetTier(ctx, id, tier)
}

// DeleteFile removes file id; vault records need confirm.
func (e *Engine) DeleteFile(ctx context.Context, id int64, confirm bool) error {
	return e.catalog.DeleteFile(ctx, id, confirm)
}

// StoreMemory records a memory entry and returns its id.
func (e *Engine) StoreMemory(ctx context.Context, in catalog.MemoryInput) (int64, error) {
	return e.catalog.StoreMemory(ctx, in)
}

// GetMemory returns memory entry id and counts the access.
func (e *Engine) GetMemory(ctx context.Context, id int64) (*models.MemoryEntry, error) {
	return e.catalog.GetMemory(ctx, id)
}

// UpdateMemory replaces the content of memory entry id.
func (e *Engine) UpdateMemory(ctx context.Context, id int64, body string) (*models.MemoryEntry, error) {
	return e.catalog.UpdateMemoryContent(ctx, id, body)
}

// SearchMemory runs a full-text query over memory entries.
func (e *Engine) SearchMemory(ctx context.Context, query string, filter store.MemoryFilter) ([]models.MemoryEntry, error) {
	filter.Query = query
	return e.catalog.SearchMemory(ctx, filter)
}

// ArchiveMemory hides entry id from default searches.
func (e *Engine) ArchiveMemory(ctx context.Context, id int64) error {
	return e.catalog.ArchiveMemory(ctx, id)
}

// UnarchiveMemory restores entry id to default searches.
func (e *Engine) UnarchiveMemory(ctx context.Context, id int64) error {
	return e.catalog.UnarchiveMemory(ctx, id)
}

// PruneMemory deletes archived entries, or active ones with force.
func (e *Engine) PruneMemory(ctx context.Context, ids []int64, force bool) (int, error) {
	return e.catalog.PruneMemory(ctx, ids, force)
}

// RunMaintenance executes one prune, backup, restore or gc job.
func (e *Engine) RunMaintenance(ctx context.Context, req maintenance.Request) (models.MaintenanceReport, error) {
	return e.runner.Run(ctx, req)
}

// PruneCandidates previews the records a prune of scope would demote or
// archive, ranked for review.
func (e *Engine) PruneCandidates(ctx context.Context, scope string) ([]models.PruneCandidate, error) {
	return e.retention.Candidates(ctx, strings.ToLower(strings.TrimSpace(scope)))
}

// MaintenanceHistory returns recent audited maintenance runs.
func (e *Engine) MaintenanceHistory(ctx context.Context, limit int) ([]store.MaintenanceRun, error) {
	return e.runner.History(ctx, limit)
}

// ListBackups returns every backup manifest, newest first.
func (e *Engine) ListBackups(ctx context.Context) ([]models.BackupManifest, error) {
	return e.backups.List(ctx)
}

// VerifyBackup rehashes the snapshot and payload of backup id.
func (e *Engine) VerifyBackup(ctx context.Context, id string) (*backup.VerifyResult, error) {
	return e.backups.Verify(ctx, id)
}

// Scheduler returns a scheduler for the configured periodic jobs.
func (e *Engine) Scheduler() *maintenance.Scheduler {
	return maintenance.NewScheduler(e.runner, e.logger, maintenance.DefaultJobs(
		e.cfg.Maintenance.SweepInterval.Duration,
		e.cfg.Maintenance.BackupInterval.Duration,
	)...)
}

// Info combines catalog counts with per-tier storage usage.
type Info struct {
	Root    string                            `json:"root"`
	DBPath  string                            `json:"db_path"`
	Catalog *store.StoreInfo                  `json:"catalog"`
	Tiers   map[models.Tier]content.TierStats `json:"tiers"`
	Locks   []string                          `json:"maintenance_locks,omitempty"`
}

// Info reports catalog and tier statistics and refreshes the tier gauges.
func (e *Engine) Info(ctx context.Context) (*Info, error) {
	catalogInfo, err := e.catalog.Stats(ctx)
	if err != nil {
		return nil, err
	}
	tiers, err := e.content.Stats(ctx)
	if err != nil {
		return nil, err
	}
	for tier, stats := range tiers {
		e.metrics.TierBytes(string(tier), stats.LogicalBytes)
	}
	return &Info{
		Root:    e.cfg.Root,
		DBPath:  e.cfg.DBPath,
		Catalog: catalogInfo,
		Tiers:   tiers,
		Locks:   e.runner.Locks().Held(),
	}, nil
}
