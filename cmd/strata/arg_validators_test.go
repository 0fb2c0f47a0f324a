package main

import (
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"strata/internal/errs"
)

func TestArgValidators(t *testing.T) {
	backupID := strings.Repeat("ab", 32)
	tests := []struct {
		name     string
		validate cobra.PositionalArgs
		args     []string
		wantCode int
	}{
		{name: "path", validate: pathArg, args: []string{"-"}},
		{name: "path missing", validate: pathArg, wantCode: errs.CodeMissingRequired},
		{name: "one id", validate: oneRecordID, args: []string{"7"}},
		{name: "one id malformed", validate: oneRecordID, args: []string{"seven"}, wantCode: errs.CodeInvalidID},
		{name: "one id extra", validate: oneRecordID, args: []string{"7", "8"}, wantCode: errs.CodeMissingRequired},
		{name: "ids", validate: recordIDs, args: []string{"1", "2", "3"}},
		{name: "ids with zero", validate: recordIDs, args: []string{"1", "0"}, wantCode: errs.CodeInvalidID},
		{name: "id and content", validate: recordIDAndContent, args: []string{"4", "new body"}},
		{name: "id content from stdin", validate: recordIDAndContent, args: []string{"4"}},
		{name: "id and tier", validate: recordIDAndTier, args: []string{"4", "Cold"}},
		{name: "unknown tier", validate: recordIDAndTier, args: []string{"4", "lukewarm"}, wantCode: errs.CodeInvalidTier},
		{name: "backup id", validate: backupIDArg, args: []string{backupID}},
		{name: "short backup id", validate: backupIDArg, args: []string{"abc123"}, wantCode: errs.CodeInvalidID},
		{name: "config key", validate: configKeyArgs(1), args: []string{"log_level", "debug"}},
		{name: "config key without value", validate: configKeyArgs(1), args: []string{"log_level"}, wantCode: errs.CodeMissingRequired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.validate(&cobra.Command{}, tc.args)
			if tc.wantCode == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if errs.CodeOf(err) != tc.wantCode {
				t.Fatalf("expected code %d, got %v (code %d)", tc.wantCode, err, errs.CodeOf(err))
			}
		})
	}

	if err := configKeyArgs(0)(&cobra.Command{}, []string{"no.such.key"}); !errs.Is(err, errs.KindInvalid) {
		t.Fatalf("expected unknown key to be invalid, got %v", err)
	}
}
