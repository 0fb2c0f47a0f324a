// Package backup writes point-in-time backups of the catalog and blob
// payload under one root:
//
//	<root>/manifests/<id>.yaml     immutable manifests, id = blake2b-256 of the YAML
//	<root>/snapshots/<digest>.json catalog rows in scope
//	<root>/payload/<aa>/<hash>     content-addressed blob pool shared by all backups
package backup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"strata/internal/blobstore"
	"strata/internal/content"
	"strata/internal/errs"
	"strata/internal/metrics"
	"strata/internal/models"
	"strata/internal/store"
	"strata/internal/worker"
)

const (
	manifestsDir = "manifests"
	snapshotsDir = "snapshots"
	payloadDir   = "payload"
)

// Options wires a Manager.
type Options struct {
	Pool    *worker.Pool
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager creates, restores, verifies and prunes backups.
type Manager struct {
	root    string
	db      *store.Store
	content *content.Store
	pool    *worker.Pool
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// mu serializes writers of the payload pool and manifest set.
	mu sync.Mutex
}

// New creates the backup layout under root.
func New(root string, db *store.Store, contentStore *content.Store, opts Options) (*Manager, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("backup root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{manifestsDir, snapshotsDir, payloadDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		root:    abs,
		db:      db,
		content: contentStore,
		pool:    opts.Pool,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if m.pool == nil {
		m.pool = worker.NewPool(0)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "backup")
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Root returns the backup root directory.
func (m *Manager) Root() string {
	return m.root
}

// List returns every readable manifest, newest first.
func (m *Manager) List(ctx context.Context) ([]models.BackupManifest, error) {
	return m.list(ctx, false)
}

// list loads the manifests on disk. Unreadable ones are skipped, or
// fail the call when strict is set.
func (m *Manager) list(ctx context.Context, strict bool) ([]models.BackupManifest, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, manifestsDir))
	if err != nil {
		return nil, err
	}
	out := make([]models.BackupManifest, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		manifest, err := m.Get(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			if strict {
				return nil, fmt.Errorf("read manifest %s: %w", name, err)
			}
			m.logger.Warn("skip unreadable manifest", "file", name, "err", err)
			continue
		}
		out = append(out, *manifest)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Get loads one manifest and checks that its content matches its id.
func (m *Manager) Get(id string) (*models.BackupManifest, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if !isDigest(id) {
		return nil, errs.InvalidCode(fmt.Errorf("invalid backup id: %q", id), errs.CodeInvalidID)
	}
	data, err := os.ReadFile(m.manifestPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.NotFoundf(errs.CodeBackupNotFound, "backup %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if digest(data) != id {
		return nil, errs.Integrity(fmt.Errorf("manifest %s does not match its content", id))
	}
	var manifest models.BackupManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", id, err)
	}
	if manifest.Version != models.ManifestVersion {
		return nil, errs.Invalidf("manifest %s has unsupported version %d", id, manifest.Version)
	}
	manifest.ID = id
	return &manifest, nil
}

func (m *Manager) completeManifests(ctx context.Context) ([]models.BackupManifest, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, manifest := range all {
		if manifest.Status == models.ManifestComplete {
			out = append(out, manifest)
		}
	}
	return out, nil
}

func (m *Manager) writeManifest(manifest *models.BackupManifest) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return err
	}
	manifest.ID = digest(data)
	return writeFileAtomic(m.manifestPath(manifest.ID), data)
}

func (m *Manager) manifestPath(id string) string {
	return filepath.Join(m.root, manifestsDir, id+".yaml")
}

func (m *Manager) snapshotPath(id string) string {
	return filepath.Join(m.root, snapshotsDir, id+".json")
}

func (m *Manager) payloadPath(hash string) (string, error) {
	if err := blobstore.ValidateHash(hash); err != nil {
		return "", err
	}
	return filepath.Join(m.root, payloadDir, hash[:2], hash), nil
}

func (m *Manager) hasPayload(hash string) (bool, error) {
	path, err := m.payloadPath(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func writeAtomic(path string, fill func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = fill(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func isDigest(id string) bool {
	if len(id) != blake2b.Size256*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
