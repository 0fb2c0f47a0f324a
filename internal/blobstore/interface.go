package blobstore

import (
	"time"

	"strata/internal/models"
)

// Staged is content written to the staging area and hashed, but not yet
// placed in a tier.
type Staged struct {
	Hash      string
	SizeBytes int64
	path      string
}

// Object is one physical blob file found in a tier directory.
type Object struct {
	Hash      string
	Tier      models.Tier
	SizeBytes int64
	Path      string
	ModTime   time.Time
}

// Usage is the physical footprint of one tier.
type Usage struct {
	Objects int   `json:"objects"`
	Bytes   int64 `json:"bytes"`
}
