package main

import (
	"context"
	"errors"
	"os"

	"strata/internal/errs"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	if errors.Is(err, context.Canceled) {
		lines = append(lines, "hint: the operation was interrupted; re-running a prune resumes from its checkpoint.")
		return uniqueLines(lines)
	}
	if errors.Is(err, os.ErrPermission) {
		lines = append(lines, "hint: check permissions on the archive root (strata config get root).")
		return uniqueLines(lines)
	}

	var typed *errs.Error
	if !errors.As(err, &typed) {
		return uniqueLines(lines)
	}

	switch errs.CodeOf(err) {
	case errs.CodeMaintenanceBusy:
		lines = append(lines, "hint: another maintenance job holds this scope; check `strata info` and retry when it finishes.")
	case errs.CodeVaultUnconfirmed:
		lines = append(lines, "hint: vault files are protected; pass --confirm to delete them.")
	case errs.CodeBackupNotFound:
		lines = append(lines, "hint: list available backups with: strata backups list")
	case errs.CodeTooLarge:
		lines = append(lines, "hint: raise ingest.max_upload_bytes with: strata config set ingest.max_upload_bytes <bytes>")
	}

	switch errs.KindOf(err) {
	case errs.KindIntegrity:
		lines = append(lines, "hint: the blob failed hash verification and was quarantined; restore it from a backup with: strata maint restore <backup-id>")
	case errs.KindCapacity:
		lines = append(lines, "hint: the target tier is full; raise tiers.<tier>_capacity_bytes or run: strata maint gc")
	case errs.KindBackupIncomplete:
		lines = append(lines, "hint: the backup is missing payload; verify it with: strata backups verify <backup-id>")
	case errs.KindInternal:
		lines = append(lines, "hint: rerun with --log-level debug for details.")
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
