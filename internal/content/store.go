// Package content owns blob bytes and reference counts. It pairs the
// tiered CAS with the blob rows of the catalog database and guarantees at
// most one physical copy per hash.
package content

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"strata/internal/blobstore"
	"strata/internal/errs"
	"strata/internal/metrics"
	"strata/internal/models"
	"strata/internal/store"
	"strata/internal/worker"
)

const (
	defaultCopyTimeout      = 2 * time.Minute
	defaultIntegrityRetries = 2
	defaultTransientRetries = 3
	transientBackoff        = 50 * time.Millisecond
)

// Options tunes a content Store.
type Options struct {
	// CopyTimeout bounds one tier copy. The copy is not interrupted by
	// caller cancellation, only by this timeout.
	CopyTimeout time.Duration
	// IntegrityRetries is how many extra copies are attempted after a
	// digest mismatch before the blob is quarantined.
	IntegrityRetries int
	// Capacity caps logical bytes per tier; zero means unlimited.
	Capacity map[models.Tier]int64
	// LockDir holds the per-hash lock files shared with other processes
	// opening the same archive. Empty keeps hash locks process local.
	LockDir string
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Store is the content store.
type Store struct {
	cas   *blobstore.LocalCAS
	db    *store.Store
	locks worker.HashLocks
	moves singleflight.Group

	copyTimeout      time.Duration
	integrityRetries int
	capacity         map[models.Tier]int64
	metrics          *metrics.Metrics
	logger           *slog.Logger
	now              func() time.Time
}

// IngestFunc runs inside the transaction that takes the blob reference.
// Returning reference=false skips taking it, for content that an
// identical record already references.
type IngestFunc func(ctx context.Context, tx *sql.Tx, blob *models.Blob) (reference bool, err error)

// New constructs a content Store.
func New(cas *blobstore.LocalCAS, db *store.Store, opts Options) *Store {
	s := &Store{
		cas:              cas,
		db:               db,
		locks:            worker.HashLocks{Dir: opts.LockDir},
		copyTimeout:      opts.CopyTimeout,
		integrityRetries: opts.IntegrityRetries,
		capacity:         opts.Capacity,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		now:              opts.Now,
	}
	if s.copyTimeout <= 0 {
		s.copyTimeout = defaultCopyTimeout
	}
	if s.integrityRetries < 0 {
		s.integrityRetries = 0
	} else if s.integrityRetries == 0 {
		s.integrityRetries = defaultIntegrityRetries
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "content")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CAS exposes the underlying byte store.
func (s *Store) CAS() *blobstore.LocalCAS {
	return s.cas
}

// Lock serializes work on one hash and returns the unlock function.
func (s *Store) Lock(hash string) (func(), error) {
	return s.locks.Lock(hash)
}

// Put stores r and takes one reference to its blob. Identical content is
// never written twice; it only gains a reference.
func (s *Store) Put(ctx context.Context, r io.Reader) (*models.Blob, error) {
	return s.Ingest(ctx, r, nil)
}

// Ingest writes r, then runs fn and the reference update in one catalog
// transaction while holding the hash lock, so concurrent uploads and
// releases of the same content never interleave.
func (s *Store) Ingest(ctx context.Context, r io.Reader, fn IngestFunc) (*models.Blob, error) {
	staged, err := s.cas.Stage(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("stage content: %w", err)
	}
	defer s.cas.Discard(staged)

	unlock, err := s.locks.Lock(staged.Hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.db.GetBlob(ctx, staged.Hash)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Quarantined {
		return nil, errs.Integrity(fmt.Errorf("blob %s is quarantined", staged.Hash))
	}

	tier := models.TierHot
	if existing != nil {
		tier = existing.Tier
	} else if err := s.checkCapacity(ctx, tier, staged.SizeBytes); err != nil {
		return nil, err
	}

	placed, err := s.place(staged, tier, existing)
	if err != nil {
		return nil, err
	}

	var blob *models.Blob
	referenced := true
	err = s.db.Write(ctx, func(tx *sql.Tx) error {
		candidate := &models.Blob{Hash: staged.Hash, SizeBytes: staged.SizeBytes, Tier: tier, CreatedAt: s.now().UTC()}
		if existing != nil {
			candidate = existing
		}
		if fn != nil {
			ref, err := fn(ctx, tx, candidate)
			if err != nil {
				return err
			}
			referenced = ref
		}
		if !referenced {
			blob = candidate
			return nil
		}
		acquired, _, err := store.AcquireBlobTx(ctx, tx, staged.Hash, staged.SizeBytes, tier, s.now())
		if err != nil {
			return err
		}
		blob = acquired
		return nil
	})
	if err != nil || !referenced {
		if placed && existing == nil {
			_ = s.cas.Remove(context.WithoutCancel(ctx), staged.Hash, tier)
		}
		if err != nil {
			return nil, err
		}
		return blob, nil
	}

	s.metrics.BlobPut(existing != nil)
	s.logger.Debug("blob stored", "hash", blob.Hash, "size", blob.SizeBytes, "tier", blob.Tier, "refs", blob.RefCount, "dedup", existing != nil)
	return blob, nil
}

// place commits staged bytes into tier unless a copy is already resident.
// An existing blob whose bytes went missing is repaired from the upload.
func (s *Store) place(staged *blobstore.Staged, tier models.Tier, existing *models.Blob) (bool, error) {
	if existing != nil {
		ok, err := s.cas.Exists(staged.Hash, tier)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
		if found, err := s.cas.Locate(staged.Hash); err != nil {
			return false, err
		} else if len(found) > 0 {
			return false, nil
		}
		s.logger.Warn("repairing missing blob bytes from upload", "hash", staged.Hash, "tier", tier)
	}
	placed, err := s.cas.Commit(staged, tier)
	if err != nil {
		return false, fmt.Errorf("commit content: %w", err)
	}
	return placed, nil
}

// Get returns the full content of hash.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	rc, _, err := s.Open(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Open returns a reader over the content of hash and its blob row.
func (s *Store) Open(ctx context.Context, hash string) (io.ReadCloser, *models.Blob, error) {
	if err := blobstore.ValidateHash(hash); err != nil {
		return nil, nil, err
	}
	blob, err := s.db.GetBlob(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	if blob == nil {
		return nil, nil, errs.NotFoundf(errs.CodeBlobNotFound, "blob %s not found", hash)
	}
	if blob.Quarantined {
		return nil, nil, errs.Integrity(fmt.Errorf("blob %s is quarantined", hash))
	}

	rc, err := s.cas.Open(ctx, hash, blob.Tier)
	if err == nil {
		return rc, blob, nil
	}
	if !errs.Is(err, errs.KindNotFound) {
		return nil, nil, err
	}

	// A move interrupted after commit leaves the bytes in the target tier
	// before the row is updated.
	found, locErr := s.cas.Locate(hash)
	if locErr != nil {
		return nil, nil, locErr
	}
	if len(found) == 0 {
		return nil, nil, errs.NotFoundf(errs.CodeBlobNotFound, "blob %s has no stored bytes", hash)
	}
	rc, err = s.cas.Open(ctx, hash, found[0])
	if err != nil {
		return nil, nil, err
	}
	return rc, blob, nil
}

// Stat returns the blob row of hash or a not-found error.
func (s *Store) Stat(ctx context.Context, hash string) (*models.Blob, error) {
	blob, err := s.db.GetBlob(ctx, hash)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, errs.NotFoundf(errs.CodeBlobNotFound, "blob %s not found", hash)
	}
	return blob, nil
}

// Release drops one reference to hash.
func (s *Store) Release(ctx context.Context, hash string) (*models.Blob, error) {
	return s.Unreference(ctx, hash, nil)
}

// Unreference runs fn and drops one reference to hash in the same
// transaction. When the count reaches zero and the blob is not pinned the
// row is deleted and, after commit, its bytes are unlinked.
func (s *Store) Unreference(ctx context.Context, hash string, fn func(ctx context.Context, tx *sql.Tx) error) (*models.Blob, error) {
	unlock, err := s.locks.Lock(hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var blob *models.Blob
	err = s.db.Write(ctx, func(tx *sql.Tx) error {
		if fn != nil {
			if err := fn(ctx, tx); err != nil {
				return err
			}
		}
		released, err := store.ReleaseBlobTx(ctx, tx, hash)
		if err != nil {
			return err
		}
		if released == nil {
			return errs.NotFoundf(errs.CodeBlobNotFound, "blob %s not found", hash)
		}
		blob = released
		if blob.Deletable() {
			return store.DeleteBlobTx(ctx, tx, hash)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if blob.Deletable() {
		if err := s.removeAll(context.WithoutCancel(ctx), hash); err != nil {
			// The row is gone; gc removes the orphaned bytes later.
			s.logger.Warn("remove released blob", "hash", hash, "err", err)
		}
		s.metrics.BlobReclaimed(blob.SizeBytes)
		s.logger.Debug("blob reclaimed", "hash", hash, "size", blob.SizeBytes)
	}
	return blob, nil
}

// Pin marks hash as never automatically deletable.
func (s *Store) Pin(ctx context.Context, hash string, pinned bool) error {
	unlock, err := s.locks.Lock(hash)
	if err != nil {
		return err
	}
	defer unlock()
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		return store.SetBlobPinnedTx(ctx, tx, hash, pinned)
	})
}

// Verify rehashes the resident bytes of hash.
func (s *Store) Verify(ctx context.Context, hash string) error {
	blob, err := s.Stat(ctx, hash)
	if err != nil {
		return err
	}
	return s.cas.Verify(ctx, hash, blob.Tier)
}

// Quarantine moves the bytes of hash out of the tier tree and flags the
// row so reads and moves refuse it.
func (s *Store) Quarantine(ctx context.Context, hash string) error {
	unlock, err := s.locks.Lock(hash)
	if err != nil {
		return err
	}
	defer unlock()
	blob, err := s.Stat(ctx, hash)
	if err != nil {
		return err
	}
	return s.quarantineLocked(ctx, blob, blob.Tier, fmt.Errorf("quarantined on request"))
}

func (s *Store) quarantineLocked(ctx context.Context, blob *models.Blob, tier models.Tier, cause error) error {
	path, err := s.cas.Quarantine(blob.Hash, tier)
	if err != nil && !errs.Is(err, errs.KindNotFound) {
		return err
	}
	if err := s.db.Write(ctx, func(tx *sql.Tx) error {
		return store.SetBlobQuarantinedTx(ctx, tx, blob.Hash, true)
	}); err != nil {
		return err
	}
	s.metrics.BlobQuarantined()
	s.logger.Error("blob quarantined", "hash", blob.Hash, "tier", tier, "path", path, "cause", cause)
	return nil
}

// Stats reports logical and physical usage per tier.
func (s *Store) Stats(ctx context.Context) (map[models.Tier]TierStats, error) {
	logical, err := s.db.TierUsage(ctx)
	if err != nil {
		return nil, err
	}
	physical, err := s.cas.Usage(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[models.Tier]TierStats, len(models.Tiers))
	for _, tier := range models.Tiers {
		st := TierStats{
			LogicalBytes:  logical[tier],
			Objects:       physical[tier].Objects,
			PhysicalBytes: physical[tier].Bytes,
			CapacityBytes: s.capacity[tier],
		}
		out[tier] = st
		s.metrics.TierBytes(string(tier), st.LogicalBytes)
	}
	return out, nil
}

// TierStats is the usage of one tier.
type TierStats struct {
	Objects       int   `json:"objects"`
	LogicalBytes  int64 `json:"logical_bytes"`
	PhysicalBytes int64 `json:"physical_bytes"`
	CapacityBytes int64 `json:"capacity_bytes,omitempty"`
}

func (s *Store) checkCapacity(ctx context.Context, tier models.Tier, size int64) error {
	limit := s.capacity[tier]
	if limit <= 0 {
		return nil
	}
	usage, err := s.db.TierUsage(ctx)
	if err != nil {
		return err
	}
	if usage[tier]+size > limit {
		return errs.Capacity(fmt.Errorf("tier %s is full: %d of %d bytes used, %d requested", tier, usage[tier], limit, size))
	}
	return nil
}

func (s *Store) removeAll(ctx context.Context, hash string) error {
	tiers, err := s.cas.Locate(hash)
	if err != nil {
		return err
	}
	for _, tier := range tiers {
		if err := s.cas.Remove(ctx, hash, tier); err != nil {
			return err
		}
	}
	return nil
}
