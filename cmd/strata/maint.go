package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"strata/internal/config"
	"strata/internal/engine"
	"strata/internal/maintenance"
	"strata/internal/models"
)

func newMaintCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{Use: "maint", Short: "Run retention, garbage collection, backup and restore jobs"}
	cmd.AddCommand(
		newMaintPruneCmd(cfg, jsonOutput),
		newMaintGCCmd(cfg, jsonOutput),
		newMaintBackupCmd(cfg, jsonOutput),
		newMaintRestoreCmd(cfg, jsonOutput),
		newMaintHistoryCmd(cfg, jsonOutput),
	)
	return cmd
}

func newMaintPruneCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var scope string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Demote idle files, archive idle memory and apply backup retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				return withEngine(cfg, func(eng *engine.Engine) error {
					candidates, err := eng.PruneCandidates(cmd.Context(), scope)
					if err != nil {
						return err
					}
					if *jsonOutput {
						return writeJSON(candidates)
					}
					return writeCandidates(candidates)
				})
			}
			return runMaintenance(cmd, cfg, jsonOutput, maintenance.Request{Kind: models.MaintenancePrune, Scope: scope})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "files, memory or backups (default all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the records a prune would change, most idle first")
	return cmd
}

func newMaintGCCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim unreferenced blobs and stale staging files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd, cfg, jsonOutput, maintenance.Request{Kind: models.MaintenanceGC, DryRun: dryRun})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report reclaimable blobs without deleting")
	return cmd
}

func newMaintBackupCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var scope, mode string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a point-in-time backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd, cfg, jsonOutput, maintenance.Request{Kind: models.MaintenanceBackup, Scope: scope, Mode: models.BackupMode(mode)})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "full, memory or files (default full)")
	cmd.Flags().StringVar(&mode, "mode", "", "full or incremental (default full)")
	return cmd
}

func newMaintRestoreCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore catalog and blobs from a backup",
		Args:  backupIDArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd, cfg, jsonOutput, maintenance.Request{Kind: models.MaintenanceRestore, BackupID: args[0]})
		},
	}
}

func runMaintenance(cmd *cobra.Command, cfg *config.Config, jsonOutput *bool, req maintenance.Request) error {
	return withEngine(cfg, func(eng *engine.Engine) error {
		report, runErr := eng.RunMaintenance(cmd.Context(), req)
		if report.RunID == "" {
			return runErr
		}
		var err error
		if *jsonOutput {
			err = writeJSON(report)
		} else {
			err = writeReport(report)
		}
		if runErr != nil {
			return runErr
		}
		if err == nil && report.Status == models.MaintenanceFailed {
			err = fmt.Errorf("%s run %s failed", report.Kind, report.RunID)
		}
		return err
	})
}

func newMaintHistoryCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent maintenance runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cfg, func(eng *engine.Engine) error {
				runs, err := eng.MaintenanceHistory(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(runs)
				}
				for _, run := range runs {
					line := fmt.Sprintf("%s %s %-6s %-9s %s", formatTime(run.StartedAt), run.ID, run.Kind, run.Status, run.Scope)
					if run.Error != "" {
						line += " error=" + run.Error
					}
					if err := writePlain("%s\n", line); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to show")
	return cmd
}

func newBackupsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{Use: "backups", Short: "Inspect backups"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List backups, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cfg, func(eng *engine.Engine) error {
					manifests, err := eng.ListBackups(cmd.Context())
					if err != nil {
						return err
					}
					if *jsonOutput {
						return writeJSON(manifests)
					}
					return writeBackupList(manifests)
				})
			},
		},
		&cobra.Command{
			Use:   "verify <backup-id>",
			Short: "Rehash a backup's snapshot and payload",
			Args:  backupIDArg,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cfg, func(eng *engine.Engine) error {
					result, err := eng.VerifyBackup(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if *jsonOutput {
						if err := writeJSON(result); err != nil {
							return err
						}
					} else {
						lines := []string{fmt.Sprintf("backup: %s", result.ID), fmt.Sprintf("snapshot_ok: %t", result.Snapshot)}
						for _, hash := range result.Missing {
							lines = append(lines, "missing: "+hash)
						}
						for _, hash := range result.Corrupt {
							lines = append(lines, "corrupt: "+hash)
						}
						if err := writeLines(lines); err != nil {
							return err
						}
					}
					if !result.OK() {
						return fmt.Errorf("backup %s failed verification", shortID(result.ID))
					}
					return nil
				})
			},
		},
	)
	return cmd
}
