package main

import (
	"testing"
	"time"

	"strata/internal/errs"
)

func TestSplitCommaList(t *testing.T) {
	got := splitCommaList(" draft, ,q4 ,")
	if len(got) != 2 || got[0] != "draft" || got[1] != "q4" {
		t.Fatalf("unexpected split: %#v", got)
	}
	if splitCommaList("  ") != nil {
		t.Fatal("expected nil for blank input")
	}
}

func TestParseIDArg(t *testing.T) {
	if id, err := parseIDArg(" 42 "); err != nil || id != 42 {
		t.Fatalf("expected 42, got %d %v", id, err)
	}
	for _, raw := range []string{"", "0", "-3", "abc"} {
		_, err := parseIDArg(raw)
		if errs.CodeOf(err) != errs.CodeInvalidID {
			t.Fatalf("parseIDArg(%q): expected invalid id, got %v", raw, err)
		}
	}
}

func TestParseOptionalTime(t *testing.T) {
	got, err := parseOptionalTime("2026-01-05")
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	if !got.Equal(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time %v", got)
	}
	if got, err := parseOptionalTime(""); err != nil || got != nil {
		t.Fatalf("expected nil for blank, got %v %v", got, err)
	}
	if _, err := parseOptionalTime("last tuesday"); !errs.Is(err, errs.KindInvalid) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestParseMetadataFlags(t *testing.T) {
	meta, err := parseMetadataFlags([]string{"source=scanner", "page=2"}, `{"page": 1, "lang": "en"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if meta["source"] != "scanner" || meta["page"] != "2" || meta["lang"] != "en" {
		t.Fatalf("unexpected metadata: %#v", meta)
	}
	if meta, err := parseMetadataFlags(nil, ""); err != nil || meta != nil {
		t.Fatalf("expected nil metadata, got %#v %v", meta, err)
	}
	if _, err := parseMetadataFlags([]string{"=x"}, ""); errs.CodeOf(err) != errs.CodeInvalidMetadata {
		t.Fatalf("expected invalid metadata, got %v", err)
	}
}
