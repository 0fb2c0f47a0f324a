package models

import (
	"fmt"
	"strings"
	"time"
)

// MemoryEntry is a searchable knowledge fragment stored by an agent.
type MemoryEntry struct {
	ID             int64          `json:"id"`
	Owner          string         `json:"owner"`
	EntryType      string         `json:"entry_type"`
	Content        string         `json:"content"`
	Tags           []string       `json:"tags,omitempty"`
	Confidence     float64        `json:"confidence"`
	Source         string         `json:"source,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Archived       bool           `json:"archived"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

const (
	DefaultMemoryOwner     = "default"
	DefaultMemoryEntryType = "note"
	maxEntryTypeLength     = 64
)

// NormalizeEntryType lowercases and validates an entry type.
func NormalizeEntryType(raw string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return DefaultMemoryEntryType, nil
	}
	if len(value) > maxEntryTypeLength {
		return "", fmt.Errorf("entry_type too long")
	}
	for _, r := range value {
		if r == ' ' || r == '\t' || r == '\n' {
			return "", fmt.Errorf("entry_type must not contain whitespace")
		}
	}
	return value, nil
}

// ValidateConfidence checks that c lies in [0, 1].
func ValidateConfidence(c float64) error {
	if c < 0 || c > 1 {
		return fmt.Errorf("confidence must be between 0 and 1")
	}
	return nil
}
