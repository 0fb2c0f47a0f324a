package models

import (
	"fmt"
	"strings"
	"time"
)

// MaintenanceKind names one maintenance job type.
type MaintenanceKind string

const (
	MaintenancePrune   MaintenanceKind = "prune"
	MaintenanceBackup  MaintenanceKind = "backup"
	MaintenanceRestore MaintenanceKind = "restore"
	MaintenanceGC      MaintenanceKind = "gc"
)

func ParseMaintenanceKind(raw string) (MaintenanceKind, error) {
	value := MaintenanceKind(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case MaintenancePrune, MaintenanceBackup, MaintenanceRestore, MaintenanceGC:
		return value, nil
	case "":
		return "", fmt.Errorf("maintenance kind is required")
	default:
		return "", fmt.Errorf("invalid maintenance kind: %s", value)
	}
}

// MaintenanceStatus is the outcome of one maintenance run.
type MaintenanceStatus string

const (
	MaintenanceRunning   MaintenanceStatus = "running"
	MaintenanceSucceeded MaintenanceStatus = "succeeded"
	MaintenancePartial   MaintenanceStatus = "partial"
	MaintenanceFailed    MaintenanceStatus = "failed"
	MaintenanceCanceled  MaintenanceStatus = "canceled"
)

// PendingMigration reports a record whose tier move exhausted its retries.
type PendingMigration struct {
	FileID int64  `json:"file_id"`
	From   Tier   `json:"from"`
	To     Tier   `json:"to"`
	Error  string `json:"error"`
}

// MaintenanceReport summarizes one maintenance run.
type MaintenanceReport struct {
	RunID      string            `json:"run_id"`
	Kind       MaintenanceKind   `json:"kind"`
	Scope      string            `json:"scope"`
	Status     MaintenanceStatus `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`

	Visited          int                `json:"visited"`
	Migrated         int                `json:"migrated"`
	Archived         int                `json:"archived"`
	Failed           int                `json:"failed"`
	Resumed          bool               `json:"resumed,omitempty"`
	PendingMigration []PendingMigration `json:"pending_migrations,omitempty"`

	BackupID       string   `json:"backup_id,omitempty"`
	BackupsPruned  int      `json:"backups_pruned,omitempty"`
	BlobsReclaimed int      `json:"blobs_reclaimed,omitempty"`
	BytesReclaimed int64    `json:"bytes_reclaimed,omitempty"`
	StagingRemoved int      `json:"staging_removed,omitempty"`
	RestoredFiles  int      `json:"restored_files,omitempty"`
	RestoredMemory int      `json:"restored_memory,omitempty"`
	BlobsRecovered int      `json:"blobs_recovered,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// Merge folds counters from other into r.
func (r *MaintenanceReport) Merge(other MaintenanceReport) {
	r.Visited += other.Visited
	r.Migrated += other.Migrated
	r.Archived += other.Archived
	r.Failed += other.Failed
	r.Resumed = r.Resumed || other.Resumed
	r.PendingMigration = append(r.PendingMigration, other.PendingMigration...)
	r.BackupsPruned += other.BackupsPruned
	r.BlobsReclaimed += other.BlobsReclaimed
	r.BytesReclaimed += other.BytesReclaimed
	r.StagingRemoved += other.StagingRemoved
	r.Errors = append(r.Errors, other.Errors...)
}

// PruneCandidate is one record a prune would change, as reported by a
// dry run.
type PruneCandidate struct {
	Kind        string  `json:"kind"`
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	IdleDays    float64 `json:"idle_days"`
	SizeBytes   int64   `json:"size_bytes,omitempty"`
	AccessCount int64   `json:"access_count"`
	// Recommendation is "archive" for records never read back and
	// "review" otherwise.
	Recommendation string `json:"recommendation"`
}
