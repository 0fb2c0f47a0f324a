package retention

import (
	"context"
	"database/sql"
	"time"

	"strata/internal/catalog"
	"strata/internal/models"
	"strata/internal/store"
	"strata/internal/worker"
)

const (
	outcomeUnchanged = "unchanged"
	outcomeMigrated  = "migrated"
	outcomeFailed    = "failed"
	outcomePending   = "pending"
	outcomeSkipped   = "skipped"
	outcomeArchived  = "archived"
)

// SweepFiles demotes idle file records hot to warm to cold and keeps each
// blob in the hottest tier its records ask for. Records are visited in id
// order up to the id high-water mark taken when the sweep started. The
// checkpoint is saved after every record, so a restarted sweep resumes
// without visiting any record twice.
func (e *Engine) SweepFiles(ctx context.Context, runID string) (models.MaintenanceReport, error) {
	cur, err := e.openCursor(ctx, ScopeFiles, runID, e.db.MaxFileID)
	if err != nil {
		return models.MaintenanceReport{}, err
	}
	report := newReport(runID, ScopeFiles, models.MaintenancePrune, e.now().UTC())
	report.Resumed = cur.resumed
	sink := &reportSink{report: &report}
	now := e.now().UTC()

	for {
		if err := ctx.Err(); err != nil {
			finish(&report, e.now().UTC(), err)
			return report, err
		}
		page, err := e.db.ListFilesPage(ctx, cur.afterID, cur.maxID, e.policy.PageSize)
		if err != nil {
			finish(&report, e.now().UTC(), err)
			return report, err
		}
		if len(page) == 0 {
			break
		}

		ids := make([]int64, len(page))
		for i, file := range page {
			ids[i] = file.ID
		}
		cur.startPage(ids)
		todo := make([]models.FileRecord, 0, len(page))
		for _, file := range page {
			if !cur.visited(file.ID) {
				todo = append(todo, file)
			}
		}

		err = worker.Each(ctx, e.pool, todo, func(ctx context.Context, file models.FileRecord) error {
			// A started record runs to completion; cancellation only stops
			// scheduling.
			outcome, pending := e.sweepFile(context.WithoutCancel(ctx), file, now)
			e.metrics.SweepRecord(ScopeFiles, outcome)
			sink.update(func(r *models.MaintenanceReport) {
				r.Visited++
				switch outcome {
				case outcomeMigrated:
					r.Migrated++
				case outcomeFailed:
					r.Failed++
				case outcomePending:
					r.Failed++
					r.PendingMigration = append(r.PendingMigration, *pending)
				}
			})
			return e.complete(ctx, cur, file.ID)
		})
		if err != nil {
			finish(&report, e.now().UTC(), err)
			return report, err
		}
	}

	if err := e.db.ClearCheckpoint(context.WithoutCancel(ctx), ScopeFiles); err != nil {
		finish(&report, e.now().UTC(), err)
		return report, err
	}
	finish(&report, e.now().UTC(), nil)
	e.logger.Info("files sweep finished", "run_id", report.RunID, "visited", report.Visited, "migrated", report.Migrated, "failed", report.Failed, "resumed", report.Resumed)
	return report, nil
}

// DueTier is the tier an idle file should occupy at now. Vault and cold
// are terminal, and the sweep never promotes.
func (e *Engine) DueTier(file models.FileRecord, now time.Time) models.Tier {
	if file.Tier == models.TierVault || file.Tier == models.TierCold {
		return file.Tier
	}
	age := catalog.FileAge(file, now)
	switch {
	case e.policy.ColdAfter > 0 && age >= e.policy.ColdAfter:
		return models.TierCold
	case e.policy.WarmAfter > 0 && age >= e.policy.WarmAfter && file.Tier == models.TierHot:
		return models.TierWarm
	default:
		return file.Tier
	}
}

func (e *Engine) sweepFile(ctx context.Context, file models.FileRecord, now time.Time) (string, *models.PendingMigration) {
	if file.MigrationPending {
		return outcomeSkipped, nil
	}
	target := e.DueTier(file, now)

	var err error
	outcome := outcomeUnchanged
	if target != file.Tier {
		_, err = e.catalog.SetTier(ctx, file.ID, target)
		outcome = outcomeMigrated
	} else {
		_, err = e.catalog.Reconcile(ctx, &file)
	}
	if err == nil {
		if clearErr := e.db.Write(ctx, func(tx *sql.Tx) error {
			return store.ClearMigrationAttemptsTx(ctx, tx, file.ID)
		}); clearErr != nil {
			e.logger.Warn("clear migration attempts", "id", file.ID, "err", clearErr)
		}
		return outcome, nil
	}

	e.logger.Warn("file migration failed", "id", file.ID, "from", file.Tier, "to", target, "err", err)
	attempts := 0
	pending := false
	recordErr := e.db.Write(ctx, func(tx *sql.Tx) error {
		var err2 error
		attempts, err2 = store.RecordMigrationFailureTx(ctx, tx, file.ID, target, err.Error(), now)
		if err2 != nil {
			return err2
		}
		if attempts >= e.policy.MaxAttempts {
			pending = true
			return store.SetMigrationPendingTx(ctx, tx, file.ID, true)
		}
		return nil
	})
	if recordErr != nil {
		e.logger.Error("record migration failure", "id", file.ID, "err", recordErr)
		return outcomeFailed, nil
	}
	if !pending {
		return outcomeFailed, nil
	}
	e.logger.Error("file migration pending after retries", "id", file.ID, "to", target, "attempts", attempts, "err", err)
	return outcomePending, &models.PendingMigration{FileID: file.ID, From: file.Tier, To: target, Error: err.Error()}
}
