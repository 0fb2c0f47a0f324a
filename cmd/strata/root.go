package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"strata/internal/config"
	"strata/internal/format"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var jsonOutput bool
	var outputName string
	var logLevel string

	cmd := &cobra.Command{
		Use:           "strata",
		Short:         "Strata is a tiered personal archive for agent memory and files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			warning, err := configureLoggerForCLI(logLevel, cfg.LogLevel)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			if cmd.Flags().Changed("output") {
				formatter, err := format.ForName(outputName)
				if err != nil {
					return err
				}
				outputFormatter = formatter
				jsonOutput = true
			}
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVarP(&outputName, "output", "o", "", "structured output format (json|yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(
		newServeCmd(cfg),
		newUploadCmd(cfg, &jsonOutput),
		newDownloadCmd(cfg, &jsonOutput),
		newShowCmd(cfg, &jsonOutput),
		newSearchCmd(cfg, &jsonOutput),
		newTierCmd(cfg, &jsonOutput),
		newDeleteCmd(cfg, &jsonOutput),
		newMemoryCmd(cfg, &jsonOutput),
		newMaintCmd(cfg, &jsonOutput),
		newBackupsCmd(cfg, &jsonOutput),
		newInfoCmd(cfg, &jsonOutput),
		newMigrateCmd(cfg, &jsonOutput),
		newConfigCmd(cfg),
	)

	return cmd
}
