package models

import "time"

// FileRecord is one uploaded file in the catalog. Several records may
// share one blob.
type FileRecord struct {
	ID               int64          `json:"id"`
	Filename         string         `json:"filename"`
	Namespace        string         `json:"namespace"`
	Tags             []string       `json:"tags,omitempty"`
	MimeType         string         `json:"mime_type,omitempty"`
	BlobHash         string         `json:"blob_hash"`
	SizeBytes        int64          `json:"size_bytes"`
	Tier             Tier           `json:"tier"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	AccessCount      int64          `json:"access_count"`
	MigrationPending bool           `json:"migration_pending,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	LastAccessedAt   time.Time      `json:"last_accessed_at"`
}

// DefaultNamespace is used when an upload names no namespace.
const DefaultNamespace = "media"
