package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"strata/internal/errs"
)

func splitCommaList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseIDArg(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.InvalidCode(fmt.Errorf("invalid id %q", raw), errs.CodeInvalidID)
	}
	return id, nil
}

func parseIDArgs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseIDArg(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseOptionalTime accepts RFC3339 timestamps or plain YYYY-MM-DD dates.
func parseOptionalTime(raw string) (*time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errs.InvalidCode(fmt.Errorf("invalid time %q (expected RFC3339 or YYYY-MM-DD)", raw), errs.CodeInvalidTime)
}

// parseMetadataFlags merges --meta-json with repeated --meta key=value
// pairs; pairs win on conflict.
func parseMetadataFlags(kvPairs []string, rawJSON string) (map[string]any, error) {
	if len(kvPairs) == 0 && strings.TrimSpace(rawJSON) == "" {
		return nil, nil
	}
	m := make(map[string]any)
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &m); err != nil {
			return nil, errs.InvalidCode(fmt.Errorf("invalid --meta-json: %w", err), errs.CodeInvalidMetadata)
		}
	}
	for _, pair := range kvPairs {
		idx := strings.IndexByte(pair, '=')
		if idx <= 0 {
			return nil, errs.InvalidCode(fmt.Errorf("invalid --meta format %q, expected key=value", pair), errs.CodeInvalidMetadata)
		}
		m[pair[:idx]] = pair[idx+1:]
	}
	return m, nil
}
