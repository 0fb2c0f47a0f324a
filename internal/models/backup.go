package models

import (
	"fmt"
	"strings"
	"time"
)

// BackupScope selects which catalog entities a backup covers.
type BackupScope string

const (
	BackupScopeFull   BackupScope = "full"
	BackupScopeMemory BackupScope = "memory"
	BackupScopeFiles  BackupScope = "files"
)

// BackupMode selects how much blob payload a backup carries.
type BackupMode string

const (
	BackupModeFull        BackupMode = "full"
	BackupModeIncremental BackupMode = "incremental"
)

// ManifestStatus is the lifecycle state of a backup manifest.
type ManifestStatus string

const (
	ManifestBuilding ManifestStatus = "building"
	ManifestComplete ManifestStatus = "complete"
	ManifestInvalid  ManifestStatus = "invalid"
)

// ManifestVersion is the on-disk manifest format version.
const ManifestVersion = 1

// BackupManifest describes one point-in-time backup. Once complete it is
// immutable; its ID is the content address of its encoded form.
type BackupManifest struct {
	ID        string         `json:"id" yaml:"-"`
	Version   int            `json:"version" yaml:"version"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	Scope     BackupScope    `json:"scope" yaml:"scope"`
	Mode      BackupMode     `json:"mode" yaml:"mode"`
	Base      string         `json:"base,omitempty" yaml:"base,omitempty"`
	Snapshot  string         `json:"snapshot" yaml:"snapshot"`
	Blobs     []string       `json:"blobs" yaml:"blobs"`
	Payload   []string       `json:"payload" yaml:"payload"`
	Optional  []string       `json:"optional,omitempty" yaml:"optional,omitempty"`
	SizeBytes int64          `json:"size_bytes" yaml:"size_bytes"`
	Status    ManifestStatus `json:"status" yaml:"status"`
}

func ParseBackupScope(raw string) (BackupScope, error) {
	value := BackupScope(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case "":
		return BackupScopeFull, nil
	case BackupScopeFull, BackupScopeMemory, BackupScopeFiles:
		return value, nil
	case "memory-only":
		return BackupScopeMemory, nil
	case "files-only":
		return BackupScopeFiles, nil
	default:
		return "", fmt.Errorf("invalid backup scope: %s", value)
	}
}

func ParseBackupMode(raw string) (BackupMode, error) {
	value := BackupMode(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case "":
		return BackupModeFull, nil
	case BackupModeFull, BackupModeIncremental:
		return value, nil
	default:
		return "", fmt.Errorf("invalid backup mode: %s", value)
	}
}

// IncludesFiles reports whether the scope covers file records and blobs.
func (s BackupScope) IncludesFiles() bool {
	return s == BackupScopeFull || s == BackupScopeFiles
}

// IncludesMemory reports whether the scope covers memory entries.
func (s BackupScope) IncludesMemory() bool {
	return s == BackupScopeFull || s == BackupScopeMemory
}
