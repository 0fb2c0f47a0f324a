package catalog

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"strata/internal/blobstore"
	"strata/internal/content"
	"strata/internal/errs"
	"strata/internal/models"
	"strata/internal/store"
)

const helloHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

type testEnv struct {
	svc     *Service
	db      *store.Store
	content *content.Store
	now     time.Time
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	root := t.TempDir()
	cas, err := blobstore.NewLocalCAS(filepath.Join(root, "tiers"), blobstore.Options{})
	if err != nil {
		t.Fatalf("new cas: %v", err)
	}
	db, err := store.Open(filepath.Join(root, "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{db: db, now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }
	env.content = content.New(cas, db, content.Options{Now: clock})
	opts.Now = clock
	env.svc = New(db, env.content, opts)
	return env
}

func (e *testEnv) upload(t *testing.T, in UploadInput, body string) *models.FileRecord {
	t.Helper()
	file, err := e.svc.Upload(context.Background(), in, strings.NewReader(body))
	if err != nil {
		t.Fatalf("upload %s: %v", in.Filename, err)
	}
	return file
}

func (e *testEnv) blob(t *testing.T, hash string) *models.Blob {
	t.Helper()
	blob, err := e.db.GetBlob(context.Background(), hash)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	return blob
}

func (e *testEnv) hotObjects(t *testing.T) int {
	t.Helper()
	usage, err := e.content.CAS().Usage(context.Background())
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	return usage[models.TierHot].Objects
}

func TestNotesScenario(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	first := env.upload(t, UploadInput{Filename: "notes.txt", Tags: []string{"draft"}, Tier: models.TierHot}, "hello")
	if first.ID != 1 || first.BlobHash != helloHash {
		t.Fatalf("unexpected first record: %#v", first)
	}
	if blob := env.blob(t, helloHash); blob.RefCount != 1 {
		t.Fatalf("expected ref_count 1, got %d", blob.RefCount)
	}

	second := env.upload(t, UploadInput{Filename: "notes_copy.txt"}, "hello")
	if second.ID != 2 || second.BlobHash != helloHash {
		t.Fatalf("unexpected second record: %#v", second)
	}
	if blob := env.blob(t, helloHash); blob.RefCount != 2 {
		t.Fatalf("expected ref_count 2, got %d", blob.RefCount)
	}
	if got := env.hotObjects(t); got != 1 {
		t.Fatalf("expected one physical file, got %d", got)
	}

	if err := env.svc.DeleteFile(ctx, first.ID, false); err != nil {
		t.Fatalf("delete first: %v", err)
	}
	if blob := env.blob(t, helloHash); blob == nil || blob.RefCount != 1 {
		t.Fatalf("expected blob intact with one ref, got %#v", blob)
	}
	data, _, err := env.svc.Download(ctx, second.ID)
	if err != nil || string(data) != "hello" {
		t.Fatalf("download second: %q %v", data, err)
	}

	if err := env.svc.DeleteFile(ctx, second.ID, false); err != nil {
		t.Fatalf("delete second: %v", err)
	}
	if blob := env.blob(t, helloHash); blob != nil {
		t.Fatalf("expected blob row removed, got %#v", blob)
	}
	if got := env.hotObjects(t); got != 0 {
		t.Fatalf("expected hot tier empty, got %d", got)
	}
	if _, err := env.svc.GetFile(ctx, first.ID); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUploadIsIdempotentOnIdentity(t *testing.T) {
	env := newTestEnv(t, Options{})

	first := env.upload(t, UploadInput{Filename: "notes.txt", Namespace: "Docs"}, "hello")
	again := env.upload(t, UploadInput{Filename: "notes.txt", Namespace: "docs"}, "hello")
	if again.ID != first.ID {
		t.Fatalf("expected same record, got %d and %d", first.ID, again.ID)
	}
	if blob := env.blob(t, helloHash); blob.RefCount != 1 {
		t.Fatalf("idempotent upload must not add a reference, got %d", blob.RefCount)
	}
	if first.Namespace != "docs" || first.MimeType != "text/plain" {
		t.Fatalf("unexpected normalization: %#v", first)
	}
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t, Options{MaxUploadBytes: 4, AllowedMimeTypes: []string{"text/plain"}})
	ctx := context.Background()

	tests := []struct {
		name string
		in   UploadInput
		body string
		code int
	}{
		{name: "missing filename", in: UploadInput{}, body: "a", code: errs.CodeMissingRequired},
		{name: "path in filename", in: UploadInput{Filename: "../x.txt"}, body: "a", code: errs.CodeInvalidArgument},
		{name: "bad tier", in: UploadInput{Filename: "a.txt", Tier: "lukewarm"}, body: "a", code: errs.CodeInvalidTier},
		{name: "bad tag", in: UploadInput{Filename: "a.txt", Tags: []string{"two words"}}, body: "a", code: errs.CodeInvalidTag},
		{name: "bad metadata", in: UploadInput{Filename: "a.txt", Metadata: map[string]any{"": 1}}, body: "a", code: errs.CodeInvalidMetadata},
		{name: "mime not allowed", in: UploadInput{Filename: "a.png"}, body: "a", code: errs.CodeInvalidArgument},
		{name: "too large", in: UploadInput{Filename: "a.txt"}, body: "hello", code: errs.CodeTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Upload(ctx, tc.in, strings.NewReader(tc.body))
			if !errs.Is(err, errs.KindInvalid) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
			if got := errs.CodeOf(err); got != tc.code {
				t.Fatalf("expected code %d, got %d (%v)", tc.code, got, err)
			}
		})
	}

	usage, err := env.content.CAS().Usage(ctx)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	for tier, u := range usage {
		if u.Objects != 0 {
			t.Fatalf("rejected uploads left bytes in %s", tier)
		}
	}
}

func TestHottestReferenceWins(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	a := env.upload(t, UploadInput{Filename: "a.txt"}, "hello")
	b := env.upload(t, UploadInput{Filename: "b.txt", Tier: models.TierCold}, "hello")
	if blob := env.blob(t, helloHash); blob.Tier != models.TierHot {
		t.Fatalf("hot record must keep the blob hot, got %s", blob.Tier)
	}

	if _, err := env.svc.SetTier(ctx, a.ID, models.TierCold); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	if blob := env.blob(t, helloHash); blob.Tier != models.TierCold {
		t.Fatalf("expected cold once no hot record remains, got %s", blob.Tier)
	}

	if _, err := env.svc.SetTier(ctx, b.ID, models.TierVault); err != nil {
		t.Fatalf("set vault: %v", err)
	}
	if blob := env.blob(t, helloHash); blob.Tier != models.TierVault || !blob.Pinned {
		t.Fatalf("expected pinned vault blob, got %#v", blob)
	}

	err := env.svc.DeleteFile(ctx, b.ID, false)
	if !errs.Is(err, errs.KindPermissionDenied) || errs.CodeOf(err) != errs.CodeVaultUnconfirmed {
		t.Fatalf("expected unconfirmed vault delete to be denied, got %v", err)
	}
	if err := env.svc.DeleteFile(ctx, b.ID, true); err != nil {
		t.Fatalf("confirmed vault delete: %v", err)
	}
	blob := env.blob(t, helloHash)
	if blob.Tier != models.TierCold || blob.Pinned || blob.RefCount != 1 {
		t.Fatalf("expected unpinned cold blob with one ref, got %#v", blob)
	}
}

func TestSearchFiles(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.upload(t, UploadInput{Filename: "notes.txt", Tags: []string{"Draft"}}, "hello")
	env.upload(t, UploadInput{Filename: "photo.png", Namespace: "media", Tags: []string{"trip"}}, "png-bytes")
	env.now = env.now.Add(time.Hour)
	env.upload(t, UploadInput{Filename: "report.md", Namespace: "docs", Tags: []string{"draft", "q4"}}, "# report")

	tests := []struct {
		name  string
		query FileQuery
		want  []string
	}{
		{name: "text", query: FileQuery{FileFilter: store.FileFilter{Query: "notes"}}, want: []string{"notes.txt"}},
		{name: "tag any", query: FileQuery{FileFilter: store.FileFilter{Tags: []string{"DRAFT", "trip"}}}, want: []string{"report.md", "photo.png", "notes.txt"}},
		{name: "namespace and tag", query: FileQuery{FileFilter: store.FileFilter{Namespace: "docs", Tags: []string{"draft"}}}, want: []string{"report.md"}},
		{name: "mime family", query: FileQuery{FileFilter: store.FileFilter{MimeType: "image/*"}}, want: []string{"photo.png"}},
		{name: "glob", query: FileQuery{FilenameGlob: "*.txt"}, want: []string{"notes.txt"}},
		{name: "glob with paging", query: FileQuery{FilenameGlob: "*.*", FileFilter: store.FileFilter{Limit: 1, Offset: 1}}, want: []string{"photo.png"}},
		{name: "syntax-looking text", query: FileQuery{FileFilter: store.FileFilter{Query: `report" OR (`}}, want: []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files, err := env.svc.SearchFiles(ctx, tc.query)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			got := make([]string, 0, len(files))
			for _, file := range files {
				got = append(got, file.Filename)
			}
			if strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestDownloadRecordsAccess(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	file := env.upload(t, UploadInput{Filename: "notes.txt"}, "hello")

	env.now = env.now.Add(48 * time.Hour)
	if _, _, err := env.svc.Download(ctx, file.ID); err != nil {
		t.Fatalf("download: %v", err)
	}
	stored, err := env.svc.GetFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.AccessCount != 1 || !stored.LastAccessedAt.Equal(env.now) {
		t.Fatalf("expected one access at %s, got %#v", env.now, stored)
	}
	if _, _, err := env.svc.Download(ctx, 99); !errs.Is(err, errs.KindNotFound) || errs.CodeOf(err) != errs.CodeFileNotFound {
		t.Fatalf("expected file not found, got %v", err)
	}
}

func TestMemoryLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	id, err := env.svc.StoreMemory(ctx, MemoryInput{Owner: "assistant-1", Content: "Q4 planning complete", Tags: []string{"Planning"}})
	if err != nil {
		t.Fatalf("store memory: %v", err)
	}
	if _, err := env.svc.StoreMemory(ctx, MemoryInput{Content: "   "}); errs.CodeOf(err) != errs.CodeMissingRequired {
		t.Fatalf("expected missing content error, got %v", err)
	}
	bad := 1.5
	if _, err := env.svc.StoreMemory(ctx, MemoryInput{Content: "x", Confidence: &bad}); !errs.Is(err, errs.KindInvalid) {
		t.Fatalf("expected invalid confidence, got %v", err)
	}

	entries, err := env.svc.SearchMemory(ctx, store.MemoryFilter{Query: "planning"})
	if err != nil || len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("search: %v %#v", err, entries)
	}
	if entries[0].Tags[0] != "planning" || entries[0].EntryType != models.DefaultMemoryEntryType || entries[0].Confidence != 1 {
		t.Fatalf("unexpected defaults: %#v", entries[0])
	}

	if _, err := env.svc.UpdateMemoryContent(ctx, id, "Q4 planning complete; budget approved"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if entries, _ := env.svc.SearchMemory(ctx, store.MemoryFilter{Query: "budget"}); len(entries) != 1 {
		t.Fatalf("updated content must be searchable, got %#v", entries)
	}

	if _, err := env.svc.PruneMemory(ctx, []int64{id}, false); !errs.Is(err, errs.KindConflict) {
		t.Fatalf("expected active entry to resist prune, got %v", err)
	}
	if err := env.svc.ArchiveMemory(ctx, id); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if entries, _ := env.svc.SearchMemory(ctx, store.MemoryFilter{Query: "planning"}); len(entries) != 0 {
		t.Fatalf("archived entries must be hidden, got %#v", entries)
	}
	if entries, _ := env.svc.SearchMemory(ctx, store.MemoryFilter{Query: "planning", IncludeArchived: true}); len(entries) != 1 {
		t.Fatalf("include_archived must show the entry, got %#v", entries)
	}

	if err := env.svc.UnarchiveMemory(ctx, id); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if err := env.svc.ArchiveMemory(ctx, id); err != nil {
		t.Fatalf("archive again: %v", err)
	}
	n, err := env.svc.PruneMemory(ctx, []int64{id, id}, false)
	if err != nil || n != 1 {
		t.Fatalf("prune: %d %v", n, err)
	}
	if _, err := env.svc.GetMemory(ctx, id); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected pruned entry gone, got %v", err)
	}
	if entries, _ := env.svc.SearchMemory(ctx, store.MemoryFilter{Query: "planning", IncludeArchived: true}); len(entries) != 0 {
		t.Fatalf("pruned entry must leave the index, got %#v", entries)
	}
}

func TestArchiveIfIdle(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	id, err := env.svc.StoreMemory(ctx, MemoryInput{Content: "idle note"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	archived, err := env.svc.ArchiveIfIdle(ctx, id, env.now.Add(89*24*time.Hour), 90*24*time.Hour)
	if err != nil || archived {
		t.Fatalf("entry is not idle yet: %v %v", archived, err)
	}
	archived, err = env.svc.ArchiveIfIdle(ctx, id, env.now.Add(91*24*time.Hour), 90*24*time.Hour)
	if err != nil || !archived {
		t.Fatalf("expected archive: %v %v", archived, err)
	}
}

func TestUploadRejectsNilReader(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.svc.Upload(context.Background(), UploadInput{Filename: "a.txt"}, nil)
	if errs.CodeOf(err) != errs.CodeMissingRequired {
		t.Fatalf("expected missing content, got %v", err)
	}
	_, err = env.svc.Upload(context.Background(), UploadInput{Filename: "a.txt"}, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("empty content is a valid file: %v", err)
	}
}
