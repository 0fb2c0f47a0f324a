// Package maintenance runs prune, backup, restore and gc jobs under
// per-scope locks and records every run in the audit table.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"strata/internal/backup"
	"strata/internal/errs"
	"strata/internal/metrics"
	"strata/internal/models"
	"strata/internal/retention"
	"strata/internal/store"
	"strata/internal/worker"
)

// Request selects one maintenance job.
type Request struct {
	Kind models.MaintenanceKind
	// Scope is a sweep scope for prune (empty runs files, memory and
	// backups) or a backup scope for backup.
	Scope    string
	Mode     models.BackupMode
	BackupID string
	DryRun   bool
}

// Options wires a Runner.
type Options struct {
	Locks   *worker.ScopeLocks
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Runner executes maintenance requests.
type Runner struct {
	db        *store.Store
	retention *retention.Engine
	backups   *backup.Manager
	locks     *worker.ScopeLocks
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner constructs a Runner.
func NewRunner(db *store.Store, engine *retention.Engine, backups *backup.Manager, opts Options) *Runner {
	r := &Runner{
		db:        db,
		retention: engine,
		backups:   backups,
		locks:     opts.Locks,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if r.locks == nil {
		r.locks = &worker.ScopeLocks{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "maintenance")
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Locks returns the scope locks shared by every job of this runner.
func (r *Runner) Locks() *worker.ScopeLocks {
	return r.locks
}

// Run executes req. Maintenance failures are reported and audited, and
// the returned error carries the cause.
func (r *Runner) Run(ctx context.Context, req Request) (models.MaintenanceReport, error) {
	kind, err := models.ParseMaintenanceKind(string(req.Kind))
	if err != nil {
		return models.MaintenanceReport{}, errs.InvalidCode(err, errs.CodeInvalidArgument)
	}
	req.Kind = kind
	req.Scope = strings.ToLower(strings.TrimSpace(req.Scope))

	resources, err := r.resources(req)
	if err != nil {
		return models.MaintenanceReport{}, err
	}

	runID := uuid.NewString()
	release, err := r.locks.Acquire(string(kind)+":"+runID, resources...)
	if err != nil {
		return models.MaintenanceReport{}, err
	}
	defer release()

	started := r.now().UTC()
	if err := r.db.InsertRun(ctx, store.MaintenanceRun{
		ID:        runID,
		Kind:      string(kind),
		Scope:     req.Scope,
		Status:    string(models.MaintenanceRunning),
		StartedAt: started,
	}); err != nil {
		r.logger.Error("record maintenance start", "run_id", runID, "err", err)
	}
	r.logger.Info("maintenance started", "run_id", runID, "kind", kind, "scope", req.Scope, "locks", strings.Join(resources, ","))

	report, runErr := r.dispatch(ctx, runID, req)
	report.RunID = runID
	report.Kind = kind
	if report.Scope == "" {
		report.Scope = req.Scope
	}
	report.StartedAt = started
	report.FinishedAt = r.now().UTC()
	if report.Status == "" || report.Status == models.MaintenanceRunning {
		report.Status = statusFor(runErr)
	}
	if runErr != nil && len(report.Errors) == 0 {
		report.Errors = []string{runErr.Error()}
	}

	r.audit(ctx, report, runErr)
	r.metrics.MaintenanceRun(string(kind), string(report.Status), time.Since(started))

	logArgs := []any{"run_id", runID, "kind", kind, "scope", report.Scope, "status", report.Status, "visited", report.Visited, "failed", report.Failed}
	switch report.Status {
	case models.MaintenanceFailed:
		r.logger.Error("maintenance failed", append(logArgs, "err", runErr)...)
	case models.MaintenancePartial, models.MaintenanceCanceled:
		r.logger.Warn("maintenance incomplete", logArgs...)
	default:
		r.logger.Info("maintenance finished", logArgs...)
	}
	return report, runErr
}

func (r *Runner) dispatch(ctx context.Context, runID string, req Request) (models.MaintenanceReport, error) {
	switch req.Kind {
	case models.MaintenancePrune:
		return r.prune(ctx, runID, req.Scope)
	case models.MaintenanceGC:
		return r.retention.CollectGarbage(ctx, runID, req.DryRun)
	case models.MaintenanceBackup:
		return r.backup(ctx, req)
	case models.MaintenanceRestore:
		return r.restore(ctx, req)
	default:
		return models.MaintenanceReport{}, errs.Invalidf("unsupported maintenance kind: %s", req.Kind)
	}
}

// prune runs every requested sweep scope in order. A failing scope does
// not stop the others; cancellation does.
func (r *Runner) prune(ctx context.Context, runID, scope string) (models.MaintenanceReport, error) {
	scopes := []string{scope}
	if scope == "" {
		scopes = []string{retention.ScopeFiles, retention.ScopeMemory, retention.ScopeBackups}
	}

	total := models.MaintenanceReport{Scope: strings.Join(scopes, ",")}
	var failed []error
	statuses := make([]models.MaintenanceStatus, 0, len(scopes))
	for _, s := range scopes {
		report, err := r.retention.Run(ctx, runID, s)
		total.Merge(report)
		statuses = append(statuses, report.Status)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			total.Status = models.MaintenanceCanceled
			return total, err
		}
		failed = append(failed, fmt.Errorf("%s: %w", s, err))
		if report.Status == "" {
			statuses[len(statuses)-1] = models.MaintenanceFailed
			total.Errors = append(total.Errors, fmt.Sprintf("%s: %v", s, err))
		}
	}
	total.Status = combine(statuses)
	return total, errors.Join(failed...)
}

func (r *Runner) backup(ctx context.Context, req Request) (models.MaintenanceReport, error) {
	if r.backups == nil {
		return models.MaintenanceReport{}, errs.Invalidf("backups are not configured")
	}
	manifest, err := r.backups.Create(ctx, models.BackupScope(req.Scope), req.Mode)
	if err != nil {
		return models.MaintenanceReport{}, err
	}
	return models.MaintenanceReport{
		Scope:    string(manifest.Scope),
		Status:   models.MaintenanceSucceeded,
		Visited:  len(manifest.Blobs),
		BackupID: manifest.ID,
	}, nil
}

func (r *Runner) restore(ctx context.Context, req Request) (models.MaintenanceReport, error) {
	result, err := r.backups.Restore(ctx, req.BackupID)
	if result == nil {
		return models.MaintenanceReport{BackupID: req.BackupID}, err
	}
	report := models.MaintenanceReport{
		Scope:          string(result.Manifest.Scope),
		BackupID:       result.Manifest.ID,
		RestoredFiles:  result.Files,
		RestoredMemory: result.Memories,
		BlobsRecovered: result.BlobsRecovered,
	}
	if err != nil {
		report.Status = models.MaintenancePartial
	}
	return report, err
}

// resources lists the scope locks a request needs.
func (r *Runner) resources(req Request) ([]string, error) {
	switch req.Kind {
	case models.MaintenancePrune:
		switch req.Scope {
		case "":
			return []string{worker.ResourceFiles, worker.ResourceMemory, worker.ResourceBackups}, nil
		case retention.ScopeFiles:
			return []string{worker.ResourceFiles}, nil
		case retention.ScopeMemory:
			return []string{worker.ResourceMemory}, nil
		case retention.ScopeBackups:
			return []string{worker.ResourceBackups}, nil
		default:
			return nil, errs.InvalidCode(fmt.Errorf("invalid prune scope: %s", req.Scope), errs.CodeInvalidScope)
		}
	case models.MaintenanceGC:
		return []string{worker.ResourceFiles}, nil
	case models.MaintenanceBackup:
		scope, err := models.ParseBackupScope(req.Scope)
		if err != nil {
			return nil, errs.InvalidCode(err, errs.CodeInvalidScope)
		}
		if _, err := models.ParseBackupMode(string(req.Mode)); err != nil {
			return nil, errs.InvalidCode(err, errs.CodeInvalidArgument)
		}
		return backupResources(scope), nil
	case models.MaintenanceRestore:
		if r.backups == nil {
			return nil, errs.Invalidf("backups are not configured")
		}
		if strings.TrimSpace(req.BackupID) == "" {
			return nil, errs.InvalidCode(fmt.Errorf("backup id is required"), errs.CodeMissingRequired)
		}
		manifest, err := r.backups.Get(req.BackupID)
		if err != nil {
			return nil, err
		}
		return backupResources(manifest.Scope), nil
	default:
		return nil, errs.Invalidf("unsupported maintenance kind: %s", req.Kind)
	}
}

func backupResources(scope models.BackupScope) []string {
	out := []string{worker.ResourceBackups}
	if scope.IncludesFiles() {
		out = append(out, worker.ResourceFiles)
	}
	if scope.IncludesMemory() {
		out = append(out, worker.ResourceMemory)
	}
	return out
}

func (r *Runner) audit(ctx context.Context, report models.MaintenanceReport, runErr error) {
	data, err := json.Marshal(report)
	if err != nil {
		r.logger.Error("encode maintenance report", "run_id", report.RunID, "err", err)
	}
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := r.db.FinishRun(context.WithoutCancel(ctx), report.RunID, string(report.Status), report.FinishedAt, string(data), errMsg); err != nil {
		r.logger.Error("record maintenance outcome", "run_id", report.RunID, "err", err)
	}
}

// History returns the most recent audited runs.
func (r *Runner) History(ctx context.Context, limit int) ([]store.MaintenanceRun, error) {
	return r.db.ListRuns(ctx, limit)
}

func statusFor(err error) models.MaintenanceStatus {
	switch {
	case err == nil:
		return models.MaintenanceSucceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.MaintenanceCanceled
	default:
		return models.MaintenanceFailed
	}
}

// combine folds per-scope statuses: all failed is failed, any failure or
// partial scope is partial.
func combine(statuses []models.MaintenanceStatus) models.MaintenanceStatus {
	failed, partial := 0, 0
	for _, s := range statuses {
		switch s {
		case models.MaintenanceCanceled:
			return models.MaintenanceCanceled
		case models.MaintenanceFailed:
			failed++
		case models.MaintenancePartial:
			partial++
		}
	}
	switch {
	case len(statuses) > 0 && failed == len(statuses):
		return models.MaintenanceFailed
	case failed > 0 || partial > 0:
		return models.MaintenancePartial
	default:
		return models.MaintenanceSucceeded
	}
}
