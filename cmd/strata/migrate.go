package main

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"strata/internal/config"
	"strata/internal/store"

	_ "modernc.org/sqlite"
)

func newMigrateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var inspect bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect catalog schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !inspect {
				st, err := store.Open(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				if err := st.Close(); err != nil {
					return err
				}
			}

			plan, err := inspectMigrations(cfg.DBPath)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSON(plan)
			}

			_ = writePlain("current_version: %d\n", plan.CurrentVersion)
			_ = writePlain("available_version: %d\n", plan.AvailableVersion)
			if len(plan.Pending) == 0 {
				return writePlain("no pending migrations\n")
			}
			_ = writePlain("pending: %d\n", len(plan.Pending))
			for _, m := range plan.Pending {
				_ = writePlain("  %d: %s\n", m.Version, m.Description)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&inspect, "inspect", false, "show pending migrations without applying them")
	cmd.Flags().BoolVar(&inspect, "dry-run", false, "alias for --inspect")
	return cmd
}

func inspectMigrations(path string) (*store.MigrationStatus, error) {
	db, err := openRawDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	plan, err := store.MigrationPlan(db)
	if err != nil {
		return nil, fmt.Errorf("inspect migrations: %w", err)
	}
	return plan, nil
}

func openRawDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	u := url.URL{Scheme: "file", Path: path}
	return sql.Open("sqlite", u.String())
}
