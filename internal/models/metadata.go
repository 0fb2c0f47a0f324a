package models

import (
	"fmt"
	"strings"
)

const (
	maxMetadataKeys      = 32
	maxMetadataKeyLength = 64
	maxMetadataStringLen = 4096
)

// ValidateMetadata checks a free-form metadata map at the ingestion
// boundary. Keys are non-empty and bounded; values are scalars or flat
// lists of scalars. Numbers are normalized to float64 so the map survives
// a JSON round trip unchanged.
func ValidateMetadata(meta map[string]any) (map[string]any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	if len(meta) > maxMetadataKeys {
		return nil, fmt.Errorf("metadata has too many keys (max %d)", maxMetadataKeys)
	}
	out := make(map[string]any, len(meta))
	for rawKey, value := range meta {
		key := strings.TrimSpace(rawKey)
		if key == "" {
			return nil, fmt.Errorf("metadata key is required")
		}
		if len(key) > maxMetadataKeyLength {
			return nil, fmt.Errorf("metadata key too long: %s", key)
		}
		normalized, err := normalizeMetadataValue(key, value, true)
		if err != nil {
			return nil, err
		}
		out[key] = normalized
	}
	return out, nil
}

func normalizeMetadataValue(key string, value any, allowList bool) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if len(v) > maxMetadataStringLen {
			return nil, fmt.Errorf("metadata value too long: %s", key)
		}
		return v, nil
	case bool, float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case []any:
		if !allowList {
			return nil, fmt.Errorf("metadata value for %s must not nest lists", key)
		}
		out := make([]any, 0, len(v))
		for _, item := range v {
			normalized, err := normalizeMetadataValue(key, item, false)
			if err != nil {
				return nil, err
			}
			out = append(out, normalized)
		}
		return out, nil
	case []string:
		if !allowList {
			return nil, fmt.Errorf("metadata value for %s must not nest lists", key)
		}
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported metadata value type for %s: %T", key, value)
	}
}
