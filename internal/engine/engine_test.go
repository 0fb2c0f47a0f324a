package engine

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"strata/internal/catalog"
	"strata/internal/config"
	"strata/internal/errs"
	"strata/internal/maintenance"
	"strata/internal/models"
	"strata/internal/store"
	"strata/internal/worker"
)

func openTestEngine(t *testing.T, now *time.Time) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.Root, config.DefaultDBFileName)
	cfg.Maintenance.Workers = 2

	opts := Options{}
	if now != nil {
		opts.Now = func() time.Time { return *now }
	}
	eng, err := Open(&cfg, opts)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestUploadDownloadSearch(t *testing.T) {
	eng := openTestEngine(t, nil)
	ctx := context.Background()

	file, err := eng.Upload(ctx, UploadRequest{
		Content:  strings.NewReader("hello"),
		Filename: "notes.txt",
		Tags:     []string{"Draft"},
		MimeType: "text/plain",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if file.Namespace != models.DefaultNamespace || file.Tier != models.TierHot {
		t.Fatalf("unexpected defaults: %#v", file)
	}

	data, got, err := eng.Download(ctx, file.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "hello" || got.AccessCount != 1 {
		t.Fatalf("unexpected download: %q %#v", data, got)
	}

	hits, err := eng.SearchFiles(ctx, catalog.FileQuery{FileFilter: store.FileFilter{Tags: []string{"draft"}}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != file.ID {
		t.Fatalf("expected one hit, got %#v", hits)
	}

	info, err := eng.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Catalog.TotalFiles != 1 || info.Tiers[models.TierHot].Objects != 1 {
		t.Fatalf("unexpected info: %#v", info)
	}
	if info.Tiers[models.TierHot].LogicalBytes != 5 {
		t.Fatalf("expected 5 hot bytes, got %d", info.Tiers[models.TierHot].LogicalBytes)
	}
}

func TestMemoryArchiveThroughMaintenance(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	eng := openTestEngine(t, &now)
	ctx := context.Background()

	id, err := eng.StoreMemory(ctx, catalog.MemoryInput{Content: "Q4 planning complete"})
	if err != nil {
		t.Fatalf("store memory: %v", err)
	}
	now = now.Add(91 * 24 * time.Hour)

	report, err := eng.RunMaintenance(ctx, maintenance.Request{Kind: models.MaintenancePrune, Scope: "memory"})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.Archived != 1 {
		t.Fatalf("expected one archived entry, got %+v", report)
	}

	hits, err := eng.SearchMemory(ctx, "Q4 planning", store.MemoryFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected archived entry hidden, got %d hits", len(hits))
	}
	hits, err = eng.SearchMemory(ctx, "Q4 planning", store.MemoryFilter{IncludeArchived: true})
	if err != nil {
		t.Fatalf("search archived: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != id {
		t.Fatalf("expected archived entry, got %#v", hits)
	}

	history, err := eng.MaintenanceHistory(ctx, 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != report.RunID {
		t.Fatalf("unexpected history: %#v", history)
	}
	rec := httptest.NewRecorder()
	eng.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `strata_maintenance_runs_total{kind="prune",status="succeeded"} 1`) {
		t.Fatalf("expected prune run metric, got:\n%s", rec.Body.String())
	}
}

func TestBackupListAndVerify(t *testing.T) {
	eng := openTestEngine(t, nil)
	ctx := context.Background()

	if _, err := eng.Upload(ctx, UploadRequest{Content: strings.NewReader("hello"), Filename: "notes.txt", MimeType: "text/plain"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	report, err := eng.RunMaintenance(ctx, maintenance.Request{Kind: models.MaintenanceBackup})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if report.BackupID == "" || report.Scope != string(models.BackupScopeFull) {
		t.Fatalf("unexpected backup report: %+v", report)
	}

	backups, err := eng.ListBackups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(backups) != 1 || backups[0].ID != report.BackupID {
		t.Fatalf("unexpected backups: %#v", backups)
	}
	verify, err := eng.VerifyBackup(ctx, report.BackupID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verify.OK() {
		t.Fatalf("expected backup to verify: %+v", verify)
	}
}

func TestSchedulerUsesConfiguredIntervals(t *testing.T) {
	eng := openTestEngine(t, nil)
	jobs := eng.Scheduler().Jobs()
	if len(jobs) != 3 {
		t.Fatalf("expected sweep, gc and backup jobs, got %d", len(jobs))
	}
	if jobs[0].Interval != config.DefaultSweepInterval || jobs[2].Interval != config.DefaultBackupInterval {
		t.Fatalf("unexpected intervals: %v %v", jobs[0].Interval, jobs[2].Interval)
	}
}

func TestMaintenanceScopesSharedAcrossEngines(t *testing.T) {
	first := openTestEngine(t, nil)
	cfg := first.Config()
	second, err := Open(&cfg, Options{})
	if err != nil {
		t.Fatalf("open second engine: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	ctx := context.Background()

	release, err := first.runner.Locks().Acquire("prune:scheduled", worker.ResourceFiles, worker.ResourceMemory, worker.ResourceBackups)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = second.RunMaintenance(ctx, maintenance.Request{Kind: models.MaintenancePrune})
	if errs.CodeOf(err) != errs.CodeMaintenanceBusy {
		t.Fatalf("expected busy scope from second engine, got %v", err)
	}
	info, err := second.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info.Locks) != 3 {
		t.Fatalf("expected locks held elsewhere to be listed, got %v", info.Locks)
	}

	release()
	if _, err := second.RunMaintenance(ctx, maintenance.Request{Kind: models.MaintenancePrune}); err != nil {
		t.Fatalf("prune after release: %v", err)
	}
}
