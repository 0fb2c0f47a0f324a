package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"strata/internal/errs"
	"strata/internal/models"
	"strata/internal/store"
	"strata/internal/worker"
)

// Create takes a consistent snapshot of scope and copies the blob payload
// it needs. Full mode carries every referenced blob; incremental mode
// carries only blobs no earlier complete backup carries.
func (m *Manager) Create(ctx context.Context, scope models.BackupScope, mode models.BackupMode) (*models.BackupManifest, error) {
	scope, err := models.ParseBackupScope(string(scope))
	if err != nil {
		return nil, errs.InvalidCode(err, errs.CodeInvalidScope)
	}
	mode, err = models.ParseBackupMode(string(mode))
	if err != nil {
		return nil, errs.InvalidCode(err, errs.CodeInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.db.ExportSnapshot(ctx, scope, m.now())
	if err != nil {
		return nil, fmt.Errorf("export snapshot: %w", err)
	}
	snapData, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	snapID := digest(snapData)
	if err := writeFileAtomic(m.snapshotPath(snapID), snapData); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	manifest := &models.BackupManifest{
		Version:   models.ManifestVersion,
		CreatedAt: snap.TakenAt,
		Scope:     scope,
		Mode:      mode,
		Snapshot:  snapID,
		Blobs:     []string{},
		Payload:   []string{},
		SizeBytes: int64(len(snapData)),
		Status:    models.ManifestComplete,
	}

	carried := map[string]bool{}
	if mode == models.BackupModeIncremental {
		prior, err := m.completeManifests(ctx)
		if err != nil {
			return nil, err
		}
		if len(prior) > 0 {
			manifest.Base = prior[0].ID
		}
		for _, p := range prior {
			for _, hash := range p.Payload {
				carried[hash] = true
			}
		}
	}

	var todo []models.Blob
	for _, blob := range snap.Blobs {
		manifest.Blobs = append(manifest.Blobs, blob.Hash)
		if blob.Quarantined {
			manifest.Optional = append(manifest.Optional, blob.Hash)
			continue
		}
		if carried[blob.Hash] {
			continue
		}
		todo = append(todo, blob)
	}

	var (
		mu      sync.Mutex
		payload []string
		size    atomic.Int64
	)
	err = worker.Each(ctx, m.pool, todo, func(ctx context.Context, blob models.Blob) error {
		n, err := m.copyPayload(ctx, blob.Hash)
		if err != nil {
			return fmt.Errorf("copy blob %s: %w", blob.Hash, err)
		}
		size.Add(n)
		mu.Lock()
		payload = append(payload, blob.Hash)
		mu.Unlock()
		return nil
	})
	if err != nil {
		// Payload files already copied stay in the pool; the next backup
		// or prune run reuses or removes them.
		return nil, err
	}

	sort.Strings(manifest.Blobs)
	sort.Strings(payload)
	sort.Strings(manifest.Optional)
	manifest.Payload = append(manifest.Payload, payload...)
	manifest.SizeBytes += size.Load()

	if err := m.writeManifest(manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	m.metrics.BackupSize(manifest.SizeBytes)
	m.logger.Info("backup created",
		"id", manifest.ID,
		"scope", scope,
		"mode", mode,
		"blobs", len(manifest.Blobs),
		"payload", len(manifest.Payload),
		"optional", len(manifest.Optional),
		"size", manifest.SizeBytes,
	)
	return manifest, nil
}

// copyPayload copies the bytes of hash into the payload pool, verifying
// the digest, and returns the bytes it wrote. A blob already pooled is
// not copied again.
func (m *Manager) copyPayload(ctx context.Context, hash string) (int64, error) {
	path, err := m.payloadPath(hash)
	if err != nil {
		return 0, err
	}
	ok, err := m.hasPayload(hash)
	if err != nil || ok {
		return 0, err
	}

	rc, _, err := m.content.Open(ctx, hash)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	var written int64
	err = writeAtomic(path, func(w io.Writer) error {
		h := sha256.New()
		n, err := io.Copy(io.MultiWriter(w, h), rc)
		if err != nil {
			return err
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != hash {
			return errs.Integrity(fmt.Errorf("blob %s read back as %s", hash, got))
		}
		written = n
		return nil
	})
	return written, err
}

func (m *Manager) loadSnapshot(id string) (*store.Snapshot, error) {
	data, err := readFile(m.snapshotPath(id))
	if err != nil {
		return nil, err
	}
	if digest(data) != id {
		return nil, errs.Integrity(fmt.Errorf("snapshot %s does not match its content", id))
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}
