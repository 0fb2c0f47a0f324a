package content

import (
	"context"
	"database/sql"
	"time"

	"strata/internal/blobstore"
	"strata/internal/store"
)

const defaultGCBatchSize = 500

// GCOptions controls one garbage collection pass.
type GCOptions struct {
	BatchSize int
	// StagingCutoff removes staging files last modified before it. Zero
	// skips staging cleanup.
	StagingCutoff time.Time
	// OrphanCutoff spares row-less bytes modified after it, which may
	// belong to an upload another process has not committed yet. Zero
	// removes every orphan.
	OrphanCutoff time.Time
	DryRun       bool
}

// GCResult reports one garbage collection pass.
type GCResult struct {
	CandidateCount int   `json:"candidate_count"`
	DeletedCount   int   `json:"deleted_count"`
	FailedCount    int   `json:"failed_count"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
	OrphanFiles    int   `json:"orphan_files"`
	StagingRemoved int   `json:"staging_removed"`
	DryRun         bool  `json:"dry_run"`
}

// GC deletes unreferenced, unpinned blob rows and their bytes, removes
// stored bytes no row accounts for, collapses stray duplicate copies, and
// clears stale staging files. Candidates are rechecked under the hash lock
// so a concurrent upload that revives a blob is never lost.
func (s *Store) GC(ctx context.Context, opts GCOptions) (GCResult, error) {
	result := GCResult{DryRun: opts.DryRun}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultGCBatchSize
	}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		blobs, err := s.db.ListReclaimableBlobs(ctx, after, batch)
		if err != nil {
			return result, err
		}
		if len(blobs) == 0 {
			break
		}
		after = blobs[len(blobs)-1].Hash
		result.CandidateCount += len(blobs)

		for _, blob := range blobs {
			if opts.DryRun {
				result.ReclaimedBytes += blob.SizeBytes
				continue
			}
			deleted, err := s.reclaim(ctx, blob.Hash)
			if err != nil {
				s.logger.Warn("gc reclaim blob", "hash", blob.Hash, "err", err)
				result.FailedCount++
				continue
			}
			if deleted {
				result.DeletedCount++
				result.ReclaimedBytes += blob.SizeBytes
				s.metrics.BlobReclaimed(blob.SizeBytes)
			}
		}
	}

	if err := s.collectOrphans(ctx, opts, &result); err != nil {
		return result, err
	}

	if !opts.DryRun && !opts.StagingCutoff.IsZero() {
		n, err := s.cas.CleanStaging(opts.StagingCutoff)
		if err != nil {
			return result, err
		}
		result.StagingRemoved = n
	}

	s.logger.Info("gc finished",
		"candidates", result.CandidateCount,
		"deleted", result.DeletedCount,
		"failed", result.FailedCount,
		"orphans", result.OrphanFiles,
		"staging", result.StagingRemoved,
		"dry_run", result.DryRun,
	)
	return result, nil
}

func (s *Store) reclaim(ctx context.Context, hash string) (bool, error) {
	unlock, err := s.locks.Lock(hash)
	if err != nil {
		return false, err
	}
	defer unlock()

	deleted := false
	err = s.db.Write(ctx, func(tx *sql.Tx) error {
		blob, err := store.GetBlobTx(ctx, tx, hash)
		if err != nil || blob == nil {
			return err
		}
		tiers, err := store.DesiredTiersTx(ctx, tx, hash)
		if err != nil {
			return err
		}
		if !blob.Deletable() || len(tiers) > 0 {
			return nil
		}
		deleted = true
		return store.DeleteBlobTx(ctx, tx, hash)
	})
	if err != nil || !deleted {
		return false, err
	}
	return true, s.removeAll(context.WithoutCancel(ctx), hash)
}

// collectOrphans walks every stored object. Bytes without a row are
// removed; a copy outside the recorded tier is dropped when the recorded
// copy exists, otherwise the row is pointed at it.
func (s *Store) collectOrphans(ctx context.Context, opts GCOptions, result *GCResult) error {
	var objects []blobstore.Object
	if err := s.cas.Walk(ctx, func(obj blobstore.Object) error {
		objects = append(objects, obj)
		return nil
	}); err != nil {
		return err
	}

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.collectOrphan(ctx, obj, opts, result); err != nil {
			s.logger.Warn("gc orphan", "hash", obj.Hash, "tier", obj.Tier, "err", err)
			result.FailedCount++
		}
	}
	return nil
}

func (s *Store) collectOrphan(ctx context.Context, obj blobstore.Object, opts GCOptions, result *GCResult) error {
	dryRun := opts.DryRun
	unlock, err := s.locks.Lock(obj.Hash)
	if err != nil {
		return err
	}
	defer unlock()

	blob, err := s.db.GetBlob(ctx, obj.Hash)
	if err != nil {
		return err
	}
	if blob == nil {
		if !opts.OrphanCutoff.IsZero() && obj.ModTime.After(opts.OrphanCutoff) {
			return nil
		}
		result.OrphanFiles++
		if dryRun {
			return nil
		}
		s.logger.Info("removing orphan blob bytes", "hash", obj.Hash, "tier", obj.Tier)
		return s.cas.Remove(ctx, obj.Hash, obj.Tier)
	}
	if blob.Tier == obj.Tier {
		return nil
	}

	resident, err := s.cas.Exists(obj.Hash, blob.Tier)
	if err != nil {
		return err
	}
	result.OrphanFiles++
	if dryRun {
		return nil
	}
	if resident {
		return s.cas.Remove(ctx, obj.Hash, obj.Tier)
	}
	_, err = s.setTier(ctx, blob, obj.Tier)
	return err
}

// StaleStagingCutoff is the cutoff GC uses for staging files older than age.
func StaleStagingCutoff(now time.Time, age time.Duration) time.Time {
	if age <= 0 {
		return time.Time{}
	}
	return now.Add(-age)
}
