package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"strata/internal/errs"
	"strata/internal/models"
	"strata/internal/store"
)

const (
	moveOK        = "ok"
	moveFailed    = "failed"
	moveCorrupted = "corrupted"
)

// MoveTier places the single physical copy of hash in target. Calling it
// again for a blob already in target is a no-op. Concurrent calls for
// the same hash and target share one copy.
func (s *Store) MoveTier(ctx context.Context, hash string, target models.Tier) (*models.Blob, error) {
	if !target.Valid() {
		return nil, errs.InvalidCode(fmt.Errorf("invalid tier: %s", target), errs.CodeInvalidTier)
	}
	v, err, _ := s.moves.Do(hash+"|"+string(target), func() (any, error) {
		unlock, err := s.locks.Lock(hash)
		if err != nil {
			return nil, err
		}
		defer unlock()
		return s.moveLocked(ctx, hash, target)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Blob), nil
}

// Reconcile moves hash to the hottest tier requested by its live
// records. A blob with no live records stays where it is.
func (s *Store) Reconcile(ctx context.Context, hash string) (*models.Blob, error) {
	var tiers []models.Tier
	if err := s.db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		tiers, err = store.DesiredTiersTx(ctx, tx, hash)
		return err
	}); err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		return s.Stat(ctx, hash)
	}
	return s.MoveTier(ctx, hash, models.HottestTier(models.TierHot, tiers...))
}

func (s *Store) moveLocked(ctx context.Context, hash string, target models.Tier) (*models.Blob, error) {
	blob, err := s.Stat(ctx, hash)
	if err != nil {
		return nil, err
	}
	if blob.Quarantined {
		return nil, errs.Integrity(fmt.Errorf("blob %s is quarantined", hash))
	}

	source, err := s.residentTier(blob)
	if err != nil {
		return nil, err
	}
	if source == target {
		if blob.Tier != target {
			// Bytes were committed by an interrupted move; only the row lags.
			return s.setTier(ctx, blob, target)
		}
		return blob, nil
	}
	if err := s.checkCapacity(ctx, target, blob.SizeBytes); err != nil {
		s.metrics.BlobMoved(string(source), string(target), moveFailed, 0)
		return nil, err
	}

	start := time.Now()
	if err := s.copyWithRetry(ctx, blob, source, target); err != nil {
		var e *errs.Error
		if errors.As(err, &e) && e.Kind == errs.KindIntegrity {
			s.metrics.BlobMoved(string(source), string(target), moveCorrupted, time.Since(start))
			if qErr := s.quarantineLocked(context.WithoutCancel(ctx), blob, source, err); qErr != nil {
				return nil, errors.Join(err, qErr)
			}
			return nil, err
		}
		s.metrics.BlobMoved(string(source), string(target), moveFailed, time.Since(start))
		return nil, err
	}
	s.metrics.BlobMoved(string(source), string(target), moveOK, time.Since(start))

	moved, err := s.setTier(ctx, blob, target)
	if err != nil {
		return nil, err
	}
	s.logger.Info("blob moved", "hash", hash, "from", source, "to", target, "elapsed", time.Since(start))
	return moved, nil
}

// residentTier finds where the bytes of blob actually are, preferring the
// recorded tier.
func (s *Store) residentTier(blob *models.Blob) (models.Tier, error) {
	ok, err := s.cas.Exists(blob.Hash, blob.Tier)
	if err != nil {
		return "", err
	}
	if ok {
		return blob.Tier, nil
	}
	found, err := s.cas.Locate(blob.Hash)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", errs.NotFoundf(errs.CodeBlobNotFound, "blob %s has no stored bytes", blob.Hash)
	}
	return found[0], nil
}

// copyWithRetry runs one tier copy under a detached, bounded context so a
// canceled caller never leaves a half-written copy. Digest mismatches are
// retried IntegrityRetries times; other I/O failures back off
// exponentially.
func (s *Store) copyWithRetry(ctx context.Context, blob *models.Blob, from, to models.Tier) error {
	var lastErr error
	integrityLeft := s.integrityRetries
	backoff := transientBackoff
	for attempt := 0; attempt <= defaultTransientRetries+s.integrityRetries; attempt++ {
		copyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.copyTimeout)
		err := s.cas.Copy(copyCtx, blob.Hash, from, to)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case errs.Is(err, errs.KindIntegrity):
			if integrityLeft == 0 {
				return err
			}
			integrityLeft--
			s.logger.Warn("blob copy digest mismatch, retrying", "hash", blob.Hash, "from", from, "to", to)
			continue
		case errs.Is(err, errs.KindNotFound), errors.Is(err, context.DeadlineExceeded):
			return err
		}

		if attempt >= defaultTransientRetries {
			break
		}
		s.logger.Warn("blob copy failed, retrying", "hash", blob.Hash, "to", to, "err", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		}
		backoff *= 2
	}
	return lastErr
}

func (s *Store) setTier(ctx context.Context, blob *models.Blob, target models.Tier) (*models.Blob, error) {
	var updated *models.Blob
	wctx := context.WithoutCancel(ctx)
	err := s.db.Write(wctx, func(tx *sql.Tx) error {
		if err := store.SetBlobTierTx(wctx, tx, blob.Hash, target); err != nil {
			return err
		}
		var err error
		updated, err = store.GetBlobTx(wctx, tx, blob.Hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, errs.NotFoundf(errs.CodeBlobNotFound, "blob %s not found", blob.Hash)
	}
	return updated, nil
}
