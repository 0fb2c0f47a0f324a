package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"strata/internal/config"
	"strata/internal/errs"
	"strata/internal/models"
)

const backupIDLength = 64

// argCount checks the positional count only; min < 0 or max < 0 leaves
// that bound open.
func argCount(min, max int, message string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if (min >= 0 && len(args) < min) || (max >= 0 && len(args) > max) {
			return errs.InvalidCode(errors.New(message), errs.CodeMissingRequired)
		}
		return nil
	}
}

// pathArg accepts one local path or - for stdin.
func pathArg(cmd *cobra.Command, args []string) error {
	if err := argCount(1, 1, "path is required (use - for stdin)")(cmd, args); err != nil {
		return err
	}
	if strings.TrimSpace(args[0]) == "" {
		return errs.InvalidCode(errors.New("path must not be blank"), errs.CodeMissingRequired)
	}
	return nil
}

// oneRecordID accepts exactly one catalog id.
func oneRecordID(cmd *cobra.Command, args []string) error {
	if err := argCount(1, 1, "id is required")(cmd, args); err != nil {
		return err
	}
	_, err := parseIDArg(args[0])
	return err
}

// recordIDs accepts one or more catalog ids.
func recordIDs(cmd *cobra.Command, args []string) error {
	if err := argCount(1, -1, "id is required")(cmd, args); err != nil {
		return err
	}
	_, err := parseIDArgs(args)
	return err
}

// recordIDAndContent accepts an id followed by optional inline content.
func recordIDAndContent(cmd *cobra.Command, args []string) error {
	if err := argCount(1, 2, "id is required, content is optional (stdin when omitted)")(cmd, args); err != nil {
		return err
	}
	_, err := parseIDArg(args[0])
	return err
}

// recordIDAndTier accepts a file id and a tier name.
func recordIDAndTier(cmd *cobra.Command, args []string) error {
	if err := argCount(2, 2, "id and tier are required")(cmd, args); err != nil {
		return err
	}
	if _, err := parseIDArg(args[0]); err != nil {
		return err
	}
	if _, err := models.ParseTier(args[1]); err != nil {
		return errs.InvalidCode(fmt.Errorf("%w (want one of %s)", err, tierNames()), errs.CodeInvalidTier)
	}
	return nil
}

// backupIDArg accepts one backup manifest digest.
func backupIDArg(cmd *cobra.Command, args []string) error {
	if err := argCount(1, 1, "backup id is required")(cmd, args); err != nil {
		return err
	}
	id := strings.ToLower(strings.TrimSpace(args[0]))
	if _, err := hex.DecodeString(id); err != nil || len(id) != backupIDLength {
		return errs.InvalidCode(fmt.Errorf("invalid backup id: %q", args[0]), errs.CodeInvalidID)
	}
	return nil
}

// configKeyArgs accepts a known config key followed by values further
// arguments.
func configKeyArgs(values int) cobra.PositionalArgs {
	message := "key is required"
	if values > 0 {
		message = "key and value are required"
	}
	return func(cmd *cobra.Command, args []string) error {
		if err := argCount(1+values, 1+values, message)(cmd, args); err != nil {
			return err
		}
		key := strings.TrimSpace(args[0])
		if !config.IsAllowedKey(key) {
			return errs.Invalidf("unknown config key %q (see strata config keys)", key)
		}
		return nil
	}
}

func tierNames() string {
	names := make([]string, 0, len(models.Tiers))
	for _, tier := range models.Tiers {
		names = append(names, string(tier))
	}
	return strings.Join(names, ", ")
}
