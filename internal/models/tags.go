package models

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const maxTagLength = 64

// NormalizeTag returns the canonical, case-insensitive form of one tag.
func NormalizeTag(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("tag is required")
	}
	if len(value) > maxTagLength {
		return "", fmt.Errorf("tag too long: %s", value)
	}
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == ',' {
			return "", fmt.Errorf("tag must not contain whitespace or commas: %q", value)
		}
	}
	return strings.ToLower(value), nil
}

// NormalizeTags canonicalizes a tag list into a sorted set.
func NormalizeTags(values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	tags := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		tag, err := NormalizeTag(value)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}
