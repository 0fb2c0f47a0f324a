package retention

import (
	"context"
	"fmt"
	"time"

	"strata/internal/content"
	"strata/internal/models"
)

// SweepMemory archives entries idle for ArchiveAfter. Archival is
// reversible through UnarchiveMemory; nothing is deleted here.
func (e *Engine) SweepMemory(ctx context.Context, runID string) (models.MaintenanceReport, error) {
	cur, err := e.openCursor(ctx, ScopeMemory, runID, e.db.MaxMemoryID)
	if err != nil {
		return models.MaintenanceReport{}, err
	}
	report := newReport(runID, ScopeMemory, models.MaintenancePrune, e.now().UTC())
	report.Resumed = cur.resumed
	now := e.now().UTC()

	for {
		if err := ctx.Err(); err != nil {
			finish(&report, e.now().UTC(), err)
			return report, err
		}
		page, err := e.db.ListMemoriesPage(ctx, cur.afterID, cur.maxID, e.policy.PageSize)
		if err != nil {
			finish(&report, e.now().UTC(), err)
			return report, err
		}
		if len(page) == 0 {
			break
		}

		ids := make([]int64, len(page))
		for i, entry := range page {
			ids[i] = entry.ID
		}
		cur.startPage(ids)
		for _, entry := range page {
			if err := ctx.Err(); err != nil {
				finish(&report, e.now().UTC(), err)
				return report, err
			}
			if cur.visited(entry.ID) {
				continue
			}
			report.Visited++
			outcome := outcomeUnchanged
			if !entry.Archived && e.policy.ArchiveAfter > 0 {
				archived, err := e.catalog.ArchiveIfIdle(context.WithoutCancel(ctx), entry.ID, now, e.policy.ArchiveAfter)
				switch {
				case err != nil:
					e.logger.Warn("archive memory", "id", entry.ID, "err", err)
					report.Failed++
					report.Errors = append(report.Errors, fmt.Sprintf("memory %d: %v", entry.ID, err))
					outcome = outcomeFailed
				case archived:
					report.Archived++
					outcome = outcomeArchived
				}
			}
			e.metrics.SweepRecord(ScopeMemory, outcome)

			if err := e.complete(ctx, cur, entry.ID); err != nil {
				finish(&report, e.now().UTC(), err)
				return report, err
			}
		}
	}

	if err := e.db.ClearCheckpoint(context.WithoutCancel(ctx), ScopeMemory); err != nil {
		finish(&report, e.now().UTC(), err)
		return report, err
	}
	finish(&report, e.now().UTC(), nil)
	e.logger.Info("memory sweep finished", "run_id", report.RunID, "visited", report.Visited, "archived", report.Archived, "resumed", report.Resumed)
	return report, nil
}

// SweepBackups keeps the BackupKeep newest complete backups and prunes
// the rest. Pruning is idempotent, so an interrupted run simply repeats.
func (e *Engine) SweepBackups(ctx context.Context, runID string) (models.MaintenanceReport, error) {
	report := newReport(runID, ScopeBackups, models.MaintenancePrune, e.now().UTC())
	if e.backups == nil || e.policy.BackupKeep <= 0 {
		finish(&report, e.now().UTC(), nil)
		return report, nil
	}
	pruned, err := e.backups.Prune(ctx, e.policy.BackupKeep)
	report.BackupsPruned = pruned
	finish(&report, e.now().UTC(), err)
	if err != nil {
		return report, err
	}
	e.metrics.SweepRecord(ScopeBackups, "pruned")
	e.logger.Info("backup retention finished", "run_id", runID, "pruned", pruned, "keep", e.policy.BackupKeep)
	return report, nil
}

// CollectGarbage reclaims unreferenced blobs, orphan bytes and stale
// staging files.
func (e *Engine) CollectGarbage(ctx context.Context, runID string, dryRun bool) (models.MaintenanceReport, error) {
	report := newReport(runID, ScopeGC, models.MaintenanceGC, e.now().UTC())
	res, err := e.content.GC(ctx, content.GCOptions{
		BatchSize:     e.policy.PageSize,
		// Staging files carry wall-clock mtimes.
		StagingCutoff: content.StaleStagingCutoff(time.Now(), e.policy.StagingMaxAge),
		OrphanCutoff:  content.StaleStagingCutoff(time.Now(), orphanGrace),
		DryRun:        dryRun,
	})
	report.Visited = res.CandidateCount + res.OrphanFiles
	report.BlobsReclaimed = res.DeletedCount
	report.BytesReclaimed = res.ReclaimedBytes
	report.StagingRemoved = res.StagingRemoved
	report.Failed = res.FailedCount
	finish(&report, e.now().UTC(), err)
	return report, err
}
