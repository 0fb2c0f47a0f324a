// Package retention runs the checkpointed lifecycle sweeps: file tier
// demotion, memory archival, backup retention and garbage collection.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"strata/internal/catalog"
	"strata/internal/content"
	"strata/internal/metrics"
	"strata/internal/models"
	"strata/internal/store"
	"strata/internal/worker"
)

// Sweep scopes.
const (
	ScopeFiles   = "files"
	ScopeMemory  = "memory"
	ScopeBackups = "backups"
	ScopeGC      = "gc"
)

const (
	defaultPageSize      = 200
	defaultMaxAttempts   = 3
	defaultStagingMaxAge = 24 * time.Hour
	orphanGrace          = 10 * time.Minute
	day                  = 24 * time.Hour
)

// Policy holds the lifecycle thresholds.
type Policy struct {
	WarmAfter    time.Duration
	ColdAfter    time.Duration
	ArchiveAfter time.Duration
	MaxAttempts  int
	PageSize     int
	BackupKeep   int
	// StagingMaxAge is the age after which gc removes staging files.
	StagingMaxAge time.Duration
}

// DefaultPolicy returns the stock thresholds: warm after 7 days, cold
// after 30, memory archived after 90.
func DefaultPolicy() Policy {
	return Policy{
		WarmAfter:     7 * day,
		ColdAfter:     30 * day,
		ArchiveAfter:  90 * day,
		MaxAttempts:   defaultMaxAttempts,
		PageSize:      defaultPageSize,
		BackupKeep:    7,
		StagingMaxAge: defaultStagingMaxAge,
	}
}

// BackupPruner applies backup retention.
type BackupPruner interface {
	Prune(ctx context.Context, keep int) (int, error)
}

// Options wires an Engine.
type Options struct {
	Policy  Policy
	Backups BackupPruner
	Pool    *worker.Pool
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Engine runs sweeps.
type Engine struct {
	db      *store.Store
	catalog *catalog.Service
	content *content.Store
	backups BackupPruner
	pool    *worker.Pool
	policy  Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs an Engine.
func New(db *store.Store, cat *catalog.Service, contentStore *content.Store, opts Options) *Engine {
	e := &Engine{
		db:      db,
		catalog: cat,
		content: contentStore,
		backups: opts.Backups,
		pool:    opts.Pool,
		policy:  opts.Policy,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if e.policy.PageSize <= 0 {
		e.policy.PageSize = defaultPageSize
	}
	if e.policy.MaxAttempts <= 0 {
		e.policy.MaxAttempts = defaultMaxAttempts
	}
	if e.pool == nil {
		e.pool = worker.NewPool(0)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "retention")
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// SetBackups attaches the backup pruner after construction.
func (e *Engine) SetBackups(b BackupPruner) {
	e.backups = b
}

// Policy returns the active thresholds.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Run executes one scope. A canceled context stops the sweep between
// records and keeps the checkpoint for the next run.
func (e *Engine) Run(ctx context.Context, runID, scope string) (models.MaintenanceReport, error) {
	switch scope {
	case ScopeFiles:
		return e.SweepFiles(ctx, runID)
	case ScopeMemory:
		return e.SweepMemory(ctx, runID)
	case ScopeBackups:
		return e.SweepBackups(ctx, runID)
	case ScopeGC:
		return e.CollectGarbage(ctx, runID, false)
	default:
		return models.MaintenanceReport{}, fmt.Errorf("unknown sweep scope: %s", scope)
	}
}

// cursor tracks one checkpointed pass over an id range. Every record up
// to afterID is visited; done holds the visited ids above it, which
// workers finishing out of order leave behind.
type cursor struct {
	scope   string
	runID   string
	afterID int64
	maxID   int64
	started time.Time
	resumed bool

	mu   sync.Mutex
	done map[int64]bool
	page []int64
	next int
}

// startPage sets the ids of the page being swept.
func (c *cursor) startPage(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.page, c.next = ids, 0
	c.advanceLocked()
}

// visited reports whether id was already swept in this pass.
func (c *cursor) visited(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id <= c.afterID || c.done[id]
}

func (c *cursor) advanceLocked() {
	for c.next < len(c.page) && (c.page[c.next] <= c.afterID || c.done[c.page[c.next]]) {
		if id := c.page[c.next]; id > c.afterID {
			c.afterID = id
		}
		delete(c.done, c.page[c.next])
		c.next++
	}
}

func (e *Engine) openCursor(ctx context.Context, scope, runID string, maxID func(context.Context) (int64, error)) (*cursor, error) {
	cp, err := e.db.GetCheckpoint(ctx, scope)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		e.logger.Info("resuming sweep", "scope", scope, "run_id", cp.RunID, "last_id", cp.LastID, "max_id", cp.MaxID, "visited_ahead", len(cp.Done))
		c := &cursor{scope: scope, runID: cp.RunID, afterID: cp.LastID, maxID: cp.MaxID, started: cp.StartedAt, resumed: true, done: make(map[int64]bool, len(cp.Done))}
		for _, id := range cp.Done {
			c.done[id] = true
		}
		return c, nil
	}

	high, err := maxID(ctx)
	if err != nil {
		return nil, err
	}
	c := &cursor{scope: scope, runID: runID, maxID: high, started: e.now().UTC(), done: make(map[int64]bool)}
	return c, e.saveCursor(ctx, c)
}

// complete marks id visited and persists the cursor before returning, so
// a restarted sweep never visits id again.
func (e *Engine) complete(ctx context.Context, c *cursor, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done[id] = true
	c.advanceLocked()
	return e.saveCursorLocked(ctx, c)
}

func (e *Engine) saveCursor(ctx context.Context, c *cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.saveCursorLocked(ctx, c)
}

func (e *Engine) saveCursorLocked(ctx context.Context, c *cursor) error {
	done := make([]int64, 0, len(c.done))
	for id := range c.done {
		done = append(done, id)
	}
	sort.Slice(done, func(i, j int) bool { return done[i] < done[j] })
	return e.db.SaveCheckpoint(context.WithoutCancel(ctx), store.Checkpoint{
		Scope:     c.scope,
		RunID:     c.runID,
		LastID:    c.afterID,
		MaxID:     c.maxID,
		Done:      done,
		StartedAt: c.started,
		UpdatedAt: e.now().UTC(),
	})
}

func newReport(runID, scope string, kind models.MaintenanceKind, started time.Time) models.MaintenanceReport {
	return models.MaintenanceReport{
		RunID:     runID,
		Kind:      kind,
		Scope:     scope,
		Status:    models.MaintenanceRunning,
		StartedAt: started,
	}
}

func finish(report *models.MaintenanceReport, now time.Time, err error) {
	report.FinishedAt = now
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		report.Status = models.MaintenanceCanceled
	case err != nil:
		report.Status = models.MaintenanceFailed
		report.Errors = append(report.Errors, err.Error())
	case report.Failed > 0:
		report.Status = models.MaintenancePartial
	default:
		report.Status = models.MaintenanceSucceeded
	}
}

// reportSink serializes report updates from pool workers.
type reportSink struct {
	mu     sync.Mutex
	report *models.MaintenanceReport
}

func (r *reportSink) update(fn func(*models.MaintenanceReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.report)
}
