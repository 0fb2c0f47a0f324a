package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"strata/internal/config"
	"strata/internal/errs"
	"strata/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.Root, config.DefaultDBFileName)
	cfg.Maintenance.Workers = 2
	return &cfg
}

func runCLI(t *testing.T, cfg *config.Config, stdin string, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevFormatter := stdout, outputFormatter
	stdout = &buf
	t.Cleanup(func() {
		stdout = prevOut
		outputFormatter = prevFormatter
	})

	cmd := newRootCmd(cfg)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func decode[T any](t *testing.T, raw string) T {
	t.Helper()
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return out
}

func TestUploadSearchShowDownload(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	out, err := runCLI(t, cfg, "", "upload", path, "--tag", "Draft", "--meta", "source=scanner", "--json")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	file := decode[models.FileRecord](t, out)
	if file.Filename != "notes.txt" || file.Tier != models.TierHot || file.MimeType != "text/plain" {
		t.Fatalf("unexpected record: %#v", file)
	}

	out, err = runCLI(t, cfg, "", "search", "--tag", "draft", "--glob", "*.txt", "--json")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	hits := decode[[]models.FileRecord](t, out)
	if len(hits) != 1 || hits[0].ID != file.ID {
		t.Fatalf("unexpected hits: %#v", hits)
	}

	id := itoa(file.ID)
	out, err = runCLI(t, cfg, "", "show", id, "--output", "yaml")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "filename: notes.txt") || !strings.Contains(out, "source: scanner") {
		t.Fatalf("unexpected yaml:\n%s", out)
	}

	out, err = runCLI(t, cfg, "", "download", id)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if out != "hello" {
		t.Fatalf("expected file bytes, got %q", out)
	}
}

func TestUploadFromStdinNeedsName(t *testing.T) {
	cfg := testConfig(t)
	_, err := runCLI(t, cfg, "hello", "upload", "-")
	if errs.CodeOf(err) != errs.CodeMissingRequired {
		t.Fatalf("expected missing filename, got %v", err)
	}
	out, err := runCLI(t, cfg, "hello", "upload", "-", "--name", "a.txt")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.Contains(out, "media/a.txt") {
		t.Fatalf("unexpected line %q", out)
	}
}

func TestDeleteVaultFileNeedsConfirm(t *testing.T) {
	cfg := testConfig(t)
	out, err := runCLI(t, cfg, "secret", "upload", "-", "--name", "will.pdf", "--tier", "vault", "--json")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	id := itoa(decode[models.FileRecord](t, out).ID)

	_, err = runCLI(t, cfg, "", "delete", id)
	if errs.CodeOf(err) != errs.CodeVaultUnconfirmed {
		t.Fatalf("expected vault confirmation error, got %v", err)
	}
	if _, err := runCLI(t, cfg, "", "delete", id, "--confirm"); err != nil {
		t.Fatalf("confirmed delete: %v", err)
	}
	if _, err := runCLI(t, cfg, "", "show", id); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMemoryCommands(t *testing.T) {
	cfg := testConfig(t)
	out, err := runCLI(t, cfg, "", "memory", "store", "--owner", "planner", "--tag", "q4", "Q4 planning complete")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	id := strings.TrimSpace(out)

	out, err = runCLI(t, cfg, "", "memory", "search", "planning", "--json")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if entries := decode[[]models.MemoryEntry](t, out); len(entries) != 1 || itoa(entries[0].ID) != id {
		t.Fatalf("unexpected entries: %#v", entries)
	}

	if _, err := runCLI(t, cfg, "", "memory", "archive", id); err != nil {
		t.Fatalf("archive: %v", err)
	}
	out, err = runCLI(t, cfg, "", "memory", "search", "planning", "--json")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if entries := decode[[]models.MemoryEntry](t, out); len(entries) != 0 {
		t.Fatalf("expected archived entry hidden, got %#v", entries)
	}

	out, err = runCLI(t, cfg, "", "memory", "prune", id, "--json")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if got := decode[map[string]int](t, out); got["removed"] != 1 {
		t.Fatalf("unexpected prune result: %v", got)
	}
}

func TestBackupVerifyAndHistory(t *testing.T) {
	cfg := testConfig(t)
	if _, err := runCLI(t, cfg, "hello", "upload", "-", "--name", "a.txt"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	out, err := runCLI(t, cfg, "", "maint", "backup", "--json")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	report := decode[models.MaintenanceReport](t, out)
	if report.BackupID == "" || report.Status != models.MaintenanceSucceeded {
		t.Fatalf("unexpected report: %+v", report)
	}

	if _, err := runCLI(t, cfg, "", "backups", "verify", report.BackupID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	out, err = runCLI(t, cfg, "", "backups", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, shortID(report.BackupID)) {
		t.Fatalf("expected backup in list, got %q", out)
	}

	out, err = runCLI(t, cfg, "", "maint", "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, report.RunID) || !strings.Contains(out, "backup") {
		t.Fatalf("expected backup run in history, got %q", out)
	}

	_, err = runCLI(t, cfg, "", "maint", "restore", strings.Repeat("0", 64))
	if errs.CodeOf(err) != errs.CodeBackupNotFound {
		t.Fatalf("expected unknown backup, got %v", err)
	}
}

func TestMigrateInspect(t *testing.T) {
	cfg := testConfig(t)
	out, err := runCLI(t, cfg, "", "migrate", "--json")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	status := decode[map[string]any](t, out)
	if status["current_version"] != status["available_version"] {
		t.Fatalf("expected schema at latest version, got %v", status)
	}
	if _, err := runCLI(t, cfg, "", "migrate", "--inspect"); err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func TestInvalidOutputFormat(t *testing.T) {
	cfg := testConfig(t)
	if _, err := runCLI(t, cfg, "", "info", "--output", "xml"); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestPruneDryRunChangesNothing(t *testing.T) {
	cfg := testConfig(t)
	if _, err := runCLI(t, cfg, "hello", "upload", "-", "--name", "a.txt"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	out, err := runCLI(t, cfg, "", "maint", "prune", "--dry-run", "--json")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if got := decode[[]models.PruneCandidate](t, out); len(got) != 0 {
		t.Fatalf("expected no candidates for a fresh upload, got %+v", got)
	}
	out, err = runCLI(t, cfg, "", "maint", "prune", "--dry-run")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out, "nothing to prune") {
		t.Fatalf("unexpected dry run output %q", out)
	}

	out, err = runCLI(t, cfg, "", "maint", "history", "--json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if runs := decode[[]map[string]any](t, out); len(runs) != 0 {
		t.Fatalf("dry run must not record a run, got %v", runs)
	}

	_, err = runCLI(t, cfg, "", "maint", "prune", "--dry-run", "--scope", "everything")
	if errs.CodeOf(err) != errs.CodeInvalidScope {
		t.Fatalf("expected invalid scope, got %v", err)
	}
}
