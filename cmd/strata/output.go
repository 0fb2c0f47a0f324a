package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"strata/internal/format"
	"strata/internal/models"
)

var (
	outputFormatter format.Formatter = format.JSONFormatter{}
	stdout          io.Writer        = os.Stdout
)

func writeJSON(payload any) error {
	return outputFormatter.Write(stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(stdout, format, args...)
	return err
}

func writeLines(lines []string) error {
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func writeFileList(files []models.FileRecord) error {
	for _, file := range files {
		if err := writePlain("%s\n", formatFileLine(file)); err != nil {
			return err
		}
	}
	return nil
}

func formatFileLine(file models.FileRecord) string {
	line := fmt.Sprintf("%d [%s] %s/%s (%s)", file.ID, file.Tier, file.Namespace, file.Filename, humanize.IBytes(uint64(file.SizeBytes)))
	if len(file.Tags) > 0 {
		line += " #" + strings.Join(file.Tags, " #")
	}
	if file.MigrationPending {
		line += " !pending"
	}
	return line
}

func writeFileDetail(file *models.FileRecord) error {
	lines := []string{
		fmt.Sprintf("id: %d", file.ID),
		fmt.Sprintf("filename: %s", file.Filename),
		fmt.Sprintf("namespace: %s", file.Namespace),
		fmt.Sprintf("tier: %s", file.Tier),
		fmt.Sprintf("size: %s", humanize.IBytes(uint64(file.SizeBytes))),
		fmt.Sprintf("blob: %s", file.BlobHash),
		fmt.Sprintf("access_count: %d", file.AccessCount),
		fmt.Sprintf("created_at: %s", formatTime(file.CreatedAt)),
		fmt.Sprintf("last_accessed: %s (%s)", formatTime(file.LastAccessedAt), humanize.Time(file.LastAccessedAt)),
	}
	if file.MimeType != "" {
		lines = append(lines, fmt.Sprintf("mime_type: %s", file.MimeType))
	}
	if len(file.Tags) > 0 {
		lines = append(lines, fmt.Sprintf("tags: %s", strings.Join(file.Tags, ", ")))
	}
	if file.MigrationPending {
		lines = append(lines, "migration_pending: true")
	}
	lines = append(lines, formatMetadata(file.Metadata)...)
	return writeLines(lines)
}

func writeMemoryList(entries []models.MemoryEntry) error {
	for _, entry := range entries {
		if err := writePlain("%s\n", formatMemoryLine(entry)); err != nil {
			return err
		}
	}
	return nil
}

func formatMemoryLine(entry models.MemoryEntry) string {
	marker := "*"
	if entry.Archived {
		marker = "-"
	}
	return fmt.Sprintf("%s %d [%s/%s] %s", marker, entry.ID, entry.Owner, entry.EntryType, truncate(entry.Content, 72))
}

func writeMemoryDetail(entry *models.MemoryEntry) error {
	lines := []string{
		fmt.Sprintf("id: %d", entry.ID),
		fmt.Sprintf("owner: %s", entry.Owner),
		fmt.Sprintf("entry_type: %s", entry.EntryType),
		fmt.Sprintf("confidence: %.2f", entry.Confidence),
		fmt.Sprintf("archived: %t", entry.Archived),
		fmt.Sprintf("created_at: %s", formatTime(entry.CreatedAt)),
		fmt.Sprintf("updated_at: %s", formatTime(entry.UpdatedAt)),
		fmt.Sprintf("last_accessed: %s (%s)", formatTime(entry.LastAccessedAt), humanize.Time(entry.LastAccessedAt)),
	}
	if entry.Source != "" {
		lines = append(lines, fmt.Sprintf("source: %s", entry.Source))
	}
	if len(entry.Tags) > 0 {
		lines = append(lines, fmt.Sprintf("tags: %s", strings.Join(entry.Tags, ", ")))
	}
	lines = append(lines, formatMetadata(entry.Metadata)...)
	lines = append(lines, "", entry.Content)
	return writeLines(lines)
}

func writeReport(report models.MaintenanceReport) error {
	lines := []string{
		fmt.Sprintf("run: %s", report.RunID),
		fmt.Sprintf("kind: %s", report.Kind),
		fmt.Sprintf("scope: %s", report.Scope),
		fmt.Sprintf("status: %s", report.Status),
		fmt.Sprintf("elapsed: %s", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond)),
	}
	counters := []struct {
		name  string
		value int
	}{
		{"visited", report.Visited},
		{"migrated", report.Migrated},
		{"archived", report.Archived},
		{"failed", report.Failed},
		{"backups_pruned", report.BackupsPruned},
		{"blobs_reclaimed", report.BlobsReclaimed},
		{"staging_removed", report.StagingRemoved},
		{"restored_files", report.RestoredFiles},
		{"restored_memory", report.RestoredMemory},
		{"blobs_recovered", report.BlobsRecovered},
	}
	for _, c := range counters {
		if c.value != 0 {
			lines = append(lines, fmt.Sprintf("%s: %d", c.name, c.value))
		}
	}
	if report.BytesReclaimed > 0 {
		lines = append(lines, fmt.Sprintf("bytes_reclaimed: %s", humanize.IBytes(uint64(report.BytesReclaimed))))
	}
	if report.Resumed {
		lines = append(lines, "resumed: true")
	}
	if report.BackupID != "" {
		lines = append(lines, fmt.Sprintf("backup: %s", report.BackupID))
	}
	for _, pending := range report.PendingMigration {
		lines = append(lines, fmt.Sprintf("pending: file %d %s -> %s: %s", pending.FileID, pending.From, pending.To, pending.Error))
	}
	for _, msg := range report.Errors {
		lines = append(lines, fmt.Sprintf("error: %s", msg))
	}
	return writeLines(lines)
}

func writeBackupList(manifests []models.BackupManifest) error {
	for _, m := range manifests {
		line := fmt.Sprintf("%s %s %s/%s blobs=%d size=%s", shortID(m.ID), formatTime(m.CreatedAt), m.Scope, m.Mode, len(m.Blobs), humanize.IBytes(uint64(m.SizeBytes)))
		if m.Base != "" {
			line += " base=" + shortID(m.Base)
		}
		if err := writePlain("%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func writeCandidates(candidates []models.PruneCandidate) error {
	if len(candidates) == 0 {
		return writePlain("nothing to prune\n")
	}
	for _, c := range candidates {
		line := fmt.Sprintf("%-6s %6d %s -> %s idle=%.1fd reads=%d %s", c.Kind, c.ID, c.From, c.To, c.IdleDays, c.AccessCount, c.Recommendation)
		if c.SizeBytes > 0 {
			line += " size=" + humanize.IBytes(uint64(c.SizeBytes))
		}
		if err := writePlain("%s %s\n", line, c.Name); err != nil {
			return err
		}
	}
	return nil
}

func formatMetadata(meta map[string]any) []string {
	if len(meta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(meta))
	for key := range meta {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := []string{"metadata:"}
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %v", key, meta[key]))
	}
	return lines
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(value string, max int) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max-3]) + "..."
}
