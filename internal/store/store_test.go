package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"strata/internal/models"
)

const (
	hashA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	hashB = "486ea46224d1bb4fb680f34f7c9ad96a8f24ec88be73ea8e5a6c65260e9cb8a7"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createFile(t *testing.T, st *Store, file *models.FileRecord) {
	t.Helper()
	ctx := context.Background()
	err := st.Write(ctx, func(tx *sql.Tx) error {
		if _, _, err := AcquireBlobTx(ctx, tx, file.BlobHash, file.SizeBytes, models.TierHot, file.CreatedAt); err != nil {
			return err
		}
		if err := InsertFileTx(ctx, tx, file); err != nil {
			return err
		}
		return IndexTx(ctx, tx, EntityFile, file.ID, FileSearchBody(file.Filename, file.Namespace, file.MimeType), file.Tags)
	})
	if err != nil {
		t.Fatalf("create file %s: %v", file.Filename, err)
	}
}

func createMemory(t *testing.T, st *Store, entry *models.MemoryEntry) {
	t.Helper()
	ctx := context.Background()
	err := st.Write(ctx, func(tx *sql.Tx) error {
		if err := InsertMemoryTx(ctx, tx, entry); err != nil {
			return err
		}
		return IndexTx(ctx, tx, EntityMemory, entry.ID, entry.Content, entry.Tags)
	})
	if err != nil {
		t.Fatalf("create memory: %v", err)
	}
}

func TestSQLiteDSNCarriesPragmas(t *testing.T) {
	dsn, err := sqliteDSN("/tmp/catalog.db")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	for _, want := range []string{"journal_mode%28WAL%29", "busy_timeout%285000%29", "foreign_keys%281%29"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("expected %q in dsn %q", want, dsn)
		}
	}
	if _, err := sqliteDSN(" "); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestBlobRefCounting(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var created bool
	err := st.Write(ctx, func(tx *sql.Tx) error {
		var err error
		_, created, err = AcquireBlobTx(ctx, tx, hashA, 5, models.TierHot, now)
		if err != nil {
			return err
		}
		_, _, err = AcquireBlobTx(ctx, tx, hashA, 5, models.TierHot, now)
		return err
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !created {
		t.Fatal("expected first acquire to create the blob")
	}

	blob, err := st.GetBlob(ctx, hashA)
	if err != nil || blob == nil {
		t.Fatalf("get blob: %v", err)
	}
	if blob.RefCount != 2 {
		t.Fatalf("expected ref_count 2, got %d", blob.RefCount)
	}

	for want := int64(1); want >= 0; want-- {
		err := st.Write(ctx, func(tx *sql.Tx) error {
			blob, err = ReleaseBlobTx(ctx, tx, hashA)
			return err
		})
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if blob.RefCount != want {
			t.Fatalf("expected ref_count %d, got %d", want, blob.RefCount)
		}
	}
	if !blob.Deletable() {
		t.Fatal("expected unreferenced blob to be deletable")
	}

	reclaimable, err := st.ListReclaimableBlobs(ctx, "", 10)
	if err != nil {
		t.Fatalf("list reclaimable: %v", err)
	}
	if len(reclaimable) != 1 || reclaimable[0].Hash != hashA {
		t.Fatalf("unexpected reclaimable blobs: %#v", reclaimable)
	}

	err = st.Write(ctx, func(tx *sql.Tx) error {
		_, _, err := AcquireBlobTx(ctx, tx, hashA, 6, models.TierHot, now)
		return err
	})
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestVaultBlobIsPinned(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	err := st.Write(ctx, func(tx *sql.Tx) error {
		if _, _, err := AcquireBlobTx(ctx, tx, hashA, 5, models.TierHot, time.Now()); err != nil {
			return err
		}
		return SetBlobTierTx(ctx, tx, hashA, models.TierVault)
	})
	if err != nil {
		t.Fatalf("set tier: %v", err)
	}
	blob, _ := st.GetBlob(ctx, hashA)
	if !blob.Pinned || blob.Tier != models.TierVault {
		t.Fatalf("expected pinned vault blob, got %#v", blob)
	}
}

func TestFileRecordRoundTripAndSearch(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	notes := &models.FileRecord{
		Filename: "notes.txt", Namespace: "media", Tags: []string{"draft"}, MimeType: "text/plain",
		BlobHash: hashA, SizeBytes: 5, Tier: models.TierHot, Metadata: map[string]any{"source": "camera"},
		CreatedAt: now,
	}
	report := &models.FileRecord{
		Filename: "q4-report.pdf", Namespace: "docs", Tags: []string{"finance", "q4"}, MimeType: "application/pdf",
		BlobHash: hashB, SizeBytes: 5, Tier: models.TierWarm, CreatedAt: now.Add(time.Minute),
	}
	createFile(t, st, notes)
	createFile(t, st, report)

	if notes.ID != 1 || report.ID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", notes.ID, report.ID)
	}

	got, err := st.GetFile(ctx, notes.ID)
	if err != nil || got == nil {
		t.Fatalf("get file: %v", err)
	}
	if got.Filename != "notes.txt" || got.Metadata["source"] != "camera" || len(got.Tags) != 1 {
		t.Fatalf("unexpected file: %#v", got)
	}
	if !got.LastAccessedAt.Equal(now) {
		t.Fatalf("expected last access to default to created_at, got %v", got.LastAccessedAt)
	}

	found, err := FindFileTx(ctx, st.db, "media", "notes.txt", hashA)
	if err != nil || found == nil || found.ID != notes.ID {
		t.Fatalf("find file: %#v %v", found, err)
	}

	tests := []struct {
		name   string
		filter FileFilter
		want   []int64
	}{
		{name: "all newest first", filter: FileFilter{}, want: []int64{2, 1}},
		{name: "text", filter: FileFilter{Query: "notes"}, want: []int64{1}},
		{name: "tag any", filter: FileFilter{Tags: []string{"draft", "q4"}}, want: []int64{2, 1}},
		{name: "tag and namespace", filter: FileFilter{Tags: []string{"draft", "q4"}, Namespace: "docs"}, want: []int64{2}},
		{name: "tier", filter: FileFilter{Tier: models.TierWarm}, want: []int64{2}},
		{name: "mime prefix", filter: FileFilter{MimeType: "text/*"}, want: []int64{1}},
		{name: "syntax is quoted", filter: FileFilter{Query: `"report*(`}, want: []int64{2}},
		{name: "limit offset", filter: FileFilter{Limit: 1, Offset: 1}, want: []int64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := st.ListFiles(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(files) != len(tt.want) {
				t.Fatalf("expected %d files, got %d", len(tt.want), len(files))
			}
			for i, id := range tt.want {
				if files[i].ID != id {
					t.Fatalf("position %d: expected id %d, got %d", i, id, files[i].ID)
				}
			}
		})
	}

	page, err := st.ListFilesPage(ctx, 1, 2, 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 1 || page[0].ID != 2 {
		t.Fatalf("unexpected page: %#v", page)
	}
}

func TestMemorySearchExcludesArchived(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &models.MemoryEntry{Owner: "default", EntryType: "note", Content: "Q4 planning complete", Tags: []string{"planning"}, Confidence: 1, CreatedAt: now}
	createMemory(t, st, entry)

	hits, err := st.Search(ctx, EntityMemory, "planning", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != entry.ID {
		t.Fatalf("unexpected hits: %#v", hits)
	}

	err = st.Write(ctx, func(tx *sql.Tx) error {
		return SetMemoryArchivedTx(ctx, tx, entry.ID, true, now)
	})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	active, err := st.ListMemories(ctx, MemoryFilter{Query: "planning"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected archived entry to be hidden, got %d", len(active))
	}
	all, err := st.ListMemories(ctx, MemoryFilter{Query: "planning", IncludeArchived: true})
	if err != nil {
		t.Fatalf("list archived: %v", err)
	}
	if len(all) != 1 || !all[0].Archived || all[0].Tags[0] != "planning" {
		t.Fatalf("unexpected entries: %#v", all)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	createFile(t, src, &models.FileRecord{Filename: "notes.txt", Namespace: "media", Tags: []string{"draft"}, BlobHash: hashA, SizeBytes: 5, Tier: models.TierHot, CreatedAt: now})
	createFile(t, src, &models.FileRecord{Filename: "notes_copy.txt", Namespace: "media", BlobHash: hashA, SizeBytes: 5, Tier: models.TierHot, CreatedAt: now})
	createMemory(t, src, &models.MemoryEntry{Owner: "default", EntryType: "note", Content: "remember the milk", Tags: []string{"errand"}, Confidence: 0.5, CreatedAt: now})

	snap, err := src.ExportSnapshot(ctx, models.BackupScopeFull, now)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(snap.Files) != 2 || len(snap.Blobs) != 1 || len(snap.Memories) != 1 {
		t.Fatalf("unexpected snapshot sizes: files=%d blobs=%d memories=%d", len(snap.Files), len(snap.Blobs), len(snap.Memories))
	}

	dst := testStore(t)
	if err := dst.ImportSnapshot(ctx, snap); err != nil {
		t.Fatalf("import: %v", err)
	}

	blob, err := dst.GetBlob(ctx, hashA)
	if err != nil || blob == nil {
		t.Fatalf("get blob: %v", err)
	}
	if blob.RefCount != 2 {
		t.Fatalf("expected recomputed ref_count 2, got %d", blob.RefCount)
	}
	files, err := dst.ListFiles(ctx, FileFilter{Query: "notes", Tags: []string{"draft"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 || files[0].ID != 1 {
		t.Fatalf("expected restored file #1 searchable, got %#v", files)
	}
	entries, err := dst.ListMemories(ctx, MemoryFilter{Query: "milk"})
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(entries) != 1 || entries[0].Confidence != 0.5 || entries[0].Tags[0] != "errand" {
		t.Fatalf("unexpected restored memories: %#v", entries)
	}
}

func TestMatchExpression(t *testing.T) {
	tests := map[string]string{
		"":                    "",
		"  ":                  "",
		"Q4 planning":         `"q4" "planning"`,
		`notes.txt" OR NEAR(`: `"notes" "txt" "or" "near"`,
	}
	for in, want := range tests {
		if got := MatchExpression(in); got != want {
			t.Fatalf("MatchExpression(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWritesFromTwoHandlesSerialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	t.Cleanup(func() { first.Close() })
	second, err := Open(path)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	t.Cleanup(func() { second.Close() })

	ctx := context.Background()
	const perHandle = 20
	errCh := make(chan error, 2*perHandle)
	run := func(st *Store, prefix string) {
		for i := 0; i < perHandle; i++ {
			errCh <- st.Write(ctx, func(tx *sql.Tx) error {
				var n int
				if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM maintenance_runs`).Scan(&n); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx, `INSERT INTO maintenance_runs (id, kind, scope, status, started_at) VALUES (?, 'gc', '', 'running', ?)`,
					prefix+"-"+strings.Repeat("x", n+1), formatTime(time.Now()))
				return err
			})
		}
	}
	done := make(chan struct{})
	go func() { run(second, "b"); close(done) }()
	run(first, "a")
	<-done
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	runs, err := first.ListRuns(ctx, 100)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2*perHandle {
		t.Fatalf("expected %d runs, got %d", 2*perHandle, len(runs))
	}
}

func TestImportSnapshotRecomputesPins(t *testing.T) {
	src := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	createFile(t, src, &models.FileRecord{Filename: "notes.txt", Namespace: "media", BlobHash: hashA, SizeBytes: 5, Tier: models.TierHot, CreatedAt: now})
	snap, err := src.ExportSnapshot(ctx, models.BackupScopeFiles, now)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	// The live catalog gained a vault record after the backup was taken.
	dst := testStore(t)
	createFile(t, dst, &models.FileRecord{Filename: "deed.pdf", Namespace: "media", BlobHash: hashB, SizeBytes: 5, Tier: models.TierVault, CreatedAt: now})
	if err := dst.Write(ctx, func(tx *sql.Tx) error {
		return SetBlobPinnedTx(ctx, tx, hashB, true)
	}); err != nil {
		t.Fatalf("pin: %v", err)
	}

	if err := dst.ImportSnapshot(ctx, snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	blob, err := dst.GetBlob(ctx, hashB)
	if err != nil || blob == nil {
		t.Fatalf("get blob: %v", err)
	}
	if blob.Pinned || blob.RefCount != 0 {
		t.Fatalf("expected unpinned unreferenced blob, got %#v", blob)
	}
	reclaimable, err := dst.ListReclaimableBlobs(ctx, "", 10)
	if err != nil {
		t.Fatalf("reclaimable: %v", err)
	}
	if len(reclaimable) != 1 || reclaimable[0].Hash != hashB {
		t.Fatalf("expected %s reclaimable, got %#v", hashB, reclaimable)
	}
}
