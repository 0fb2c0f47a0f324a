package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Prune keeps the keep newest complete backups and removes the rest,
// along with snapshots and pooled blobs no remaining backup references.
// It returns the number of manifests removed and is safe to repeat.
func (m *Manager) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	complete, err := m.completeManifests(ctx)
	if err != nil {
		return 0, err
	}
	if len(complete) <= keep {
		return 0, m.sweepPool(ctx)
	}

	removed := 0
	for _, manifest := range complete[keep:] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := os.Remove(m.manifestPath(manifest.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed++
		m.logger.Info("backup pruned", "id", manifest.ID, "created_at", manifest.CreatedAt)
	}
	return removed, m.sweepPool(ctx)
}

// sweepPool removes snapshots and payload files that no manifest on disk
// references. Blobs listed by a kept incremental backup stay even when
// an older, pruned backup carried them. A manifest that cannot be read
// stops the sweep, since its references are unknown.
func (m *Manager) sweepPool(ctx context.Context) error {
	remaining, err := m.list(ctx, true)
	if err != nil {
		return fmt.Errorf("backup payload kept: %w", err)
	}
	snapshots := map[string]bool{}
	blobs := map[string]bool{}
	for _, manifest := range remaining {
		snapshots[manifest.Snapshot] = true
		for _, hash := range manifest.Blobs {
			blobs[hash] = true
		}
		for _, hash := range manifest.Payload {
			blobs[hash] = true
		}
	}

	entries, err := os.ReadDir(filepath.Join(m.root, snapshotsDir))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		id := strings.TrimSuffix(entry.Name(), ".json")
		if entry.IsDir() || snapshots[id] {
			continue
		}
		if err := os.Remove(filepath.Join(m.root, snapshotsDir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	pruned := 0
	err = filepath.WalkDir(filepath.Join(m.root, payloadDir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || blobs[d.Name()] {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		pruned++
		return nil
	})
	if err != nil {
		return err
	}
	if pruned > 0 {
		m.logger.Info("backup payload pruned", "blobs", pruned)
	}
	return nil
}
