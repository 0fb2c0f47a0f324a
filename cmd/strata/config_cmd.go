package main

import (
	"strings"

	"github.com/spf13/cobra"

	"strata/internal/config"
)

func newConfigCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set configuration",
	}

	cmd.AddCommand(newConfigGetCmd(cfg))
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigKeysCmd())
	return cmd
}

func newConfigGetCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a config value",
		Args:  configKeyArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			return writePlain("%s\n", value)
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a config value",
		Args:  configKeyArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			path, err := config.ProjectPath()
			if global {
				path, err = config.GlobalPath()
			}
			if err != nil {
				return err
			}
			if err := config.SetKey(path, key, value); err != nil {
				return err
			}
			return writePlain("%s = %s (%s)\n", key, value, path)
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "write to the global config (~/.strata.toml) instead of the project one")
	return cmd
}

func newConfigKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List settable config keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writePlain("%s\n", strings.Join(config.AllowedKeys(), "\n"))
		},
	}
}
