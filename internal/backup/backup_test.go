package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/blobstore"
	"strata/internal/catalog"
	"strata/internal/content"
	"strata/internal/errs"
	"strata/internal/models"
	"strata/internal/store"
	"strata/internal/worker"
)

const helloHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

type testEnv struct {
	db      *store.Store
	content *content.Store
	catalog *catalog.Service
	backups *Manager
	now     time.Time
}

func newTestEnv(t *testing.T, backupRoot string) *testEnv {
	t.Helper()
	root := t.TempDir()
	cas, err := blobstore.NewLocalCAS(filepath.Join(root, "tiers"), blobstore.Options{})
	require.NoError(t, err)
	db, err := store.Open(filepath.Join(root, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{db: db, now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }
	env.content = content.New(cas, db, content.Options{Now: clock})
	env.catalog = catalog.New(db, env.content, catalog.Options{Now: clock})
	env.backups, err = New(backupRoot, db, env.content, Options{Pool: worker.NewPool(2), Now: clock})
	require.NoError(t, err)
	return env
}

func (e *testEnv) upload(t *testing.T, name, body string) *models.FileRecord {
	t.Helper()
	file, err := e.catalog.Upload(context.Background(), catalog.UploadInput{Filename: name, MimeType: "text/plain"}, strings.NewReader(body))
	require.NoError(t, err)
	return file
}

func (e *testEnv) create(t *testing.T, scope models.BackupScope, mode models.BackupMode) *models.BackupManifest {
	t.Helper()
	manifest, err := e.backups.Create(context.Background(), scope, mode)
	require.NoError(t, err)
	e.now = e.now.Add(time.Hour)
	return manifest
}

func TestRestoreIntoEmptyCatalog(t *testing.T) {
	backupRoot := t.TempDir()
	src := newTestEnv(t, backupRoot)
	ctx := context.Background()

	file := src.upload(t, "notes.txt", "hello")
	_, err := src.catalog.StoreMemory(ctx, catalog.MemoryInput{Content: "Q4 planning complete"})
	require.NoError(t, err)
	manifest := src.create(t, models.BackupScopeFull, models.BackupModeFull)
	assert.Equal(t, []string{helloHash}, manifest.Blobs)
	assert.Equal(t, []string{helloHash}, manifest.Payload)
	assert.Equal(t, models.ManifestComplete, manifest.Status)

	dst := newTestEnv(t, backupRoot)
	result, err := dst.backups.Restore(ctx, manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Files)
	assert.Equal(t, 1, result.Memories)
	assert.Equal(t, 1, result.BlobsRecovered)

	data, restored, err := dst.catalog.Download(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "notes.txt", restored.Filename)

	blob, err := dst.db.GetBlob(ctx, helloHash)
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.EqualValues(t, 1, blob.RefCount)

	hits, err := dst.catalog.SearchMemory(ctx, store.MemoryFilter{Query: "planning"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Q4 planning complete", hits[0].Content)
}

func TestRestoreRejectsIncompleteBackup(t *testing.T) {
	backupRoot := t.TempDir()
	src := newTestEnv(t, backupRoot)
	ctx := context.Background()

	src.upload(t, "notes.txt", "hello")
	manifest := src.create(t, models.BackupScopeFull, models.BackupModeFull)
	path, err := src.backups.payloadPath(helloHash)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	dst := newTestEnv(t, backupRoot)
	_, err = dst.backups.Restore(ctx, manifest.ID)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBackupIncomplete), "got %v", err)

	info, err := dst.db.StoreInfo(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.TotalFiles)
}

func TestRestoreUsesLiveBytes(t *testing.T) {
	src := newTestEnv(t, t.TempDir())
	ctx := context.Background()

	file := src.upload(t, "notes.txt", "hello")
	manifest := src.create(t, models.BackupScopeFiles, models.BackupModeFull)
	path, err := src.backups.payloadPath(helloHash)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	require.NoError(t, src.catalog.DeleteFile(ctx, file.ID, false))
	src.upload(t, "other.txt", "hello")

	result, err := src.backups.Restore(ctx, manifest.ID)
	require.NoError(t, err)
	assert.Zero(t, result.BlobsRecovered)

	files, err := src.catalog.SearchFiles(ctx, catalog.FileQuery{})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "notes.txt", files[0].Filename)
}

func TestIncrementalBackupCarriesOnlyNewBlobs(t *testing.T) {
	env := newTestEnv(t, t.TempDir())
	env.upload(t, "notes.txt", "hello")
	base := env.create(t, models.BackupScopeFull, models.BackupModeFull)

	extra := env.upload(t, "extra.txt", "world")
	inc := env.create(t, models.BackupScopeFull, models.BackupModeIncremental)
	assert.Equal(t, base.ID, inc.Base)
	assert.ElementsMatch(t, []string{helloHash, extra.BlobHash}, inc.Blobs)
	assert.Equal(t, []string{extra.BlobHash}, inc.Payload)

	list, err := env.backups.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, inc.ID, list[0].ID)
}

func TestPruneKeepsBlobsOfRemainingBackups(t *testing.T) {
	env := newTestEnv(t, t.TempDir())
	ctx := context.Background()

	env.upload(t, "notes.txt", "hello")
	env.create(t, models.BackupScopeFull, models.BackupModeFull)
	env.upload(t, "extra.txt", "world")
	inc := env.create(t, models.BackupScopeFull, models.BackupModeIncremental)

	removed, err := env.backups.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	list, err := env.backups.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, inc.ID, list[0].ID)

	verify, err := env.backups.Verify(ctx, inc.ID)
	require.NoError(t, err)
	assert.True(t, verify.OK(), "%+v", verify)

	removed, err = env.backups.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestPruneKeepsPayloadOfUnreadableManifest(t *testing.T) {
	env := newTestEnv(t, t.TempDir())
	ctx := context.Background()

	env.upload(t, "notes.txt", "hello")
	manifest := env.create(t, models.BackupScopeFull, models.BackupModeFull)
	manifestPath := filepath.Join(env.backups.Root(), manifestsDir, manifest.ID+".yaml")
	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, append(data, []byte("# edited\n")...), 0o644))

	_, err = env.backups.Prune(ctx, 1)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindIntegrity))

	_, err = os.Stat(filepath.Join(env.backups.Root(), payloadDir, helloHash[:2], helloHash))
	assert.NoError(t, err, "payload of an unreadable manifest must survive")
}

func TestVerifyDetectsCorruptPayload(t *testing.T) {
	env := newTestEnv(t, t.TempDir())
	env.upload(t, "notes.txt", "hello")
	manifest := env.create(t, models.BackupScopeFull, models.BackupModeFull)

	path, err := env.backups.payloadPath(helloHash)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("jello"), 0o644))

	verify, err := env.backups.Verify(context.Background(), manifest.ID)
	require.NoError(t, err)
	assert.False(t, verify.OK())
	assert.Equal(t, []string{helloHash}, verify.Corrupt)
}

func TestGetRejectsUnknownAndMalformedIDs(t *testing.T) {
	env := newTestEnv(t, t.TempDir())

	_, err := env.backups.Get("not-a-digest")
	assert.True(t, errs.Is(err, errs.KindInvalid), "got %v", err)

	_, err = env.backups.Get(strings.Repeat("ab", 32))
	assert.True(t, errs.Is(err, errs.KindNotFound), "got %v", err)
}

func TestMemoryBackupCarriesNoBlobs(t *testing.T) {
	env := newTestEnv(t, t.TempDir())
	env.upload(t, "notes.txt", "hello")
	_, err := env.catalog.StoreMemory(context.Background(), catalog.MemoryInput{Content: "remember the milk"})
	require.NoError(t, err)

	manifest := env.create(t, models.BackupScopeMemory, models.BackupModeFull)
	assert.Empty(t, manifest.Blobs)
	assert.Empty(t, manifest.Payload)
	assert.Equal(t, models.BackupScopeMemory, manifest.Scope)
}
