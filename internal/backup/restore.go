package backup

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync/atomic"

	"strata/internal/errs"
	"strata/internal/models"
	"strata/internal/worker"
)

// RestoreResult summarizes one restore.
type RestoreResult struct {
	Manifest       models.BackupManifest `json:"manifest"`
	Files          int                   `json:"files"`
	Memories       int                   `json:"memories"`
	BlobsRecovered int                   `json:"blobs_recovered"`
	// Skipped lists optional blobs that had no bytes anywhere.
	Skipped []string `json:"skipped,omitempty"`
}

// Restore replaces the catalog rows in the backup's scope with the
// snapshot and rematerializes blobs missing from the tiers. Every
// required blob must be available in the payload pool or the live tiers
// before anything is changed.
func (m *Manager) Restore(ctx context.Context, id string) (*RestoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	manifest, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if manifest.Status != models.ManifestComplete {
		return nil, errs.BackupIncomplete(fmt.Errorf("backup %s is %s", manifest.ID, manifest.Status))
	}
	snap, err := m.loadSnapshot(manifest.Snapshot)
	if err != nil {
		return nil, err
	}

	optional := make(map[string]bool, len(manifest.Optional))
	for _, hash := range manifest.Optional {
		optional[hash] = true
	}
	var missing, skipped, fromPool []string
	for _, hash := range manifest.Blobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		live, err := m.liveBytes(hash)
		if err != nil {
			return nil, err
		}
		if live {
			continue
		}
		pooled, err := m.hasPayload(hash)
		if err != nil {
			return nil, err
		}
		switch {
		case pooled:
			fromPool = append(fromPool, hash)
		case optional[hash]:
			skipped = append(skipped, hash)
		default:
			missing = append(missing, hash)
		}
	}
	if len(missing) > 0 {
		return nil, errs.BackupIncomplete(fmt.Errorf("backup %s is missing %d blob(s), first %s", manifest.ID, len(missing), missing[0]))
	}

	if err := m.db.ImportSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("apply snapshot: %w", err)
	}

	var recovered atomic.Int64
	err = worker.Each(context.WithoutCancel(ctx), m.pool, fromPool, func(ctx context.Context, hash string) error {
		if err := m.rematerialize(ctx, hash); err != nil {
			return fmt.Errorf("rematerialize %s: %w", hash, err)
		}
		recovered.Add(1)
		return nil
	})
	result := &RestoreResult{
		Manifest:       *manifest,
		Files:          len(snap.Files),
		Memories:       len(snap.Memories),
		BlobsRecovered: int(recovered.Load()),
		Skipped:        skipped,
	}
	if err != nil {
		m.logger.Error("restore left blobs unmaterialized", "id", manifest.ID, "err", err)
		return result, err
	}
	if len(skipped) > 0 {
		m.logger.Warn("restore skipped optional blobs", "id", manifest.ID, "count", len(skipped))
	}
	m.logger.Info("backup restored", "id", manifest.ID, "scope", manifest.Scope, "files", result.Files, "memories", result.Memories, "blobs_recovered", result.BlobsRecovered)
	return result, nil
}

func (m *Manager) liveBytes(hash string) (bool, error) {
	found, err := m.content.CAS().Locate(hash)
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// rematerialize feeds pooled bytes back through ingestion without taking
// a reference; the restored row already carries the reference count.
func (m *Manager) rematerialize(ctx context.Context, hash string) error {
	path, err := m.payloadPath(hash)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	blob, err := m.content.Ingest(ctx, f, func(context.Context, *sql.Tx, *models.Blob) (bool, error) {
		return false, nil
	})
	if err != nil {
		return err
	}
	if blob.Hash != hash {
		return errs.Integrity(fmt.Errorf("payload %s holds content %s", hash, blob.Hash))
	}
	return nil
}

// VerifyResult reports what a backup is missing.
type VerifyResult struct {
	ID       string   `json:"id"`
	Snapshot bool     `json:"snapshot_ok"`
	Missing  []string `json:"missing,omitempty"`
	Corrupt  []string `json:"corrupt,omitempty"`
}

// OK reports whether the backup can be restored from the pool alone.
func (v *VerifyResult) OK() bool {
	return v.Snapshot && len(v.Missing) == 0 && len(v.Corrupt) == 0
}

// Verify rehashes the snapshot and every pooled blob the backup needs.
func (m *Manager) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	manifest, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	result := &VerifyResult{ID: manifest.ID}
	if _, err := m.loadSnapshot(manifest.Snapshot); err == nil {
		result.Snapshot = true
	} else {
		m.logger.Warn("snapshot check failed", "id", manifest.ID, "snapshot", manifest.Snapshot, "err", err)
	}

	optional := make(map[string]bool, len(manifest.Optional))
	for _, hash := range manifest.Optional {
		optional[hash] = true
	}
	for _, hash := range manifest.Blobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if optional[hash] {
			continue
		}
		err := m.verifyPayload(hash)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			result.Missing = append(result.Missing, hash)
		case errs.Is(err, errs.KindIntegrity):
			result.Corrupt = append(result.Corrupt, hash)
		default:
			return nil, err
		}
	}
	return result, nil
}

func (m *Manager) verifyPayload(hash string) error {
	path, err := m.payloadPath(hash)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		return errs.Integrity(fmt.Errorf("payload %s hashes to %s", hash, got))
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.BackupIncomplete(fmt.Errorf("%s is missing", path))
	}
	return data, err
}
