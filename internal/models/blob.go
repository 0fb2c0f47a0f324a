package models

import "time"

// Blob is an immutable stored content object referenced by file records.
type Blob struct {
	Hash        string    `json:"hash"`
	SizeBytes   int64     `json:"size_bytes"`
	Tier        Tier      `json:"tier"`
	RefCount    int64     `json:"ref_count"`
	Pinned      bool      `json:"pinned"`
	Quarantined bool      `json:"quarantined,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Deletable reports whether the blob may be physically removed.
func (b Blob) Deletable() bool {
	return b.RefCount <= 0 && !b.Pinned
}
