package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimRight(strings.Repeat("?,", count), ",")
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func tagValues(count int) string {
	values := make([]string, count)
	for i := 0; i < count; i++ {
		values[i] = "(?, ?)"
	}
	return strings.Join(values, ",")
}

func tagArgs(id int64, tags []string) []any {
	args := make([]any, 0, len(tags)*2)
	for _, tag := range tags {
		args = append(args, id, tag)
	}
	return args
}

func int64Args(ids []int64) []any {
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

func metaToJSON(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta_json: %w", err)
	}
	return string(data), nil
}

func metaFromJSON(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("parse meta_json: %w", err)
	}
	return meta, nil
}
