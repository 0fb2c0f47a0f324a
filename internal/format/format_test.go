package format

import (
	"bytes"
	"strings"
	"testing"
)

type sample struct {
	ID       int64    `json:"id"`
	Filename string   `json:"filename"`
	Tags     []string `json:"tags,omitempty"`
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := (JSONFormatter{}).Write(&buf, sample{ID: 7, Filename: "notes.txt"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != `{"id":7,"filename":"notes.txt"}` {
		t.Fatalf("unexpected json: %s", got)
	}
}

func TestYAMLFormatterUsesJSONNames(t *testing.T) {
	var buf bytes.Buffer
	if err := (YAMLFormatter{}).Write(&buf, sample{ID: 7, Filename: "notes.txt", Tags: []string{"draft"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"id: 7", "filename: notes.txt", "tags:", "  - draft"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in yaml output:\n%s", want, out)
		}
	}
}

func TestForName(t *testing.T) {
	if _, err := ForName("yaml"); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if f, err := ForName(""); err != nil {
		t.Fatalf("default: %v", err)
	} else if _, ok := f.(JSONFormatter); !ok {
		t.Fatalf("expected json default, got %T", f)
	}
	if _, err := ForName("xml"); err == nil {
		t.Fatal("expected error for xml")
	}
}
