package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := NotFoundf(CodeFileNotFound, "file %d not found", 7)
	wrapped := fmt.Errorf("download: %w", base)

	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("expected not_found, got %q", KindOf(wrapped))
	}
	if CodeOf(wrapped) != CodeFileNotFound {
		t.Fatalf("expected code %d, got %d", CodeFileNotFound, CodeOf(wrapped))
	}
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatal("expected errors.Is to match not-found sentinel")
	}
	if errors.Is(wrapped, ErrConflict) {
		t.Fatal("did not expect conflict match")
	}
	if wrapped.Error() != "download: file 7 not found" {
		t.Fatalf("unexpected message: %q", wrapped.Error())
	}
}

func TestUnclassifiedIsInternal(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal, got %q", KindOf(err))
	}
	if CodeOf(err) != CodeInternal {
		t.Fatalf("expected code %d, got %d", CodeInternal, CodeOf(err))
	}
	if Is(nil, KindInternal) {
		t.Fatal("nil error must not match any kind")
	}
}

func TestDefaultCodes(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
		code int
	}{
		{err: Integrity(errors.New("x")), kind: KindIntegrity, code: CodeIntegrity},
		{err: Capacity(errors.New("x")), kind: KindCapacity, code: CodeCapacity},
		{err: BackupIncomplete(errors.New("x")), kind: KindBackupIncomplete, code: CodeBackupIncomplete},
		{err: PermissionDenied(errors.New("x"), 0), kind: KindPermissionDenied, code: CodeVaultUnconfirmed},
		{err: Invalidf("bad %s", "tier"), kind: KindInvalid, code: CodeInvalidArgument},
	}
	for _, tt := range tests {
		if KindOf(tt.err) != tt.kind {
			t.Fatalf("expected kind %q, got %q", tt.kind, KindOf(tt.err))
		}
		if CodeOf(tt.err) != tt.code {
			t.Fatalf("expected code %d, got %d", tt.code, CodeOf(tt.err))
		}
	}
}
