package main

import (
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"strata/internal/config"
	"strata/internal/engine"
	"strata/internal/models"
)

func newInfoCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show catalog and tier usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cfg, func(eng *engine.Engine) error {
				info, err := eng.Info(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(info)
				}

				_ = writePlain("root: %s\n", info.Root)
				_ = writePlain("db_path: %s\n", info.DBPath)
				_ = writePlain("schema_version: %d\n", info.Catalog.SchemaVersion)
				_ = writePlain("files: %d\n", info.Catalog.TotalFiles)
				_ = writePlain("memories: %d (%d archived)\n", info.Catalog.TotalMemories, info.Catalog.ArchivedMemories)
				_ = writePlain("blobs: %d (%d reclaimable, %d quarantined)\n", info.Catalog.TotalBlobs, info.Catalog.ReclaimableBlobs, info.Catalog.QuarantinedBlobs)
				if info.Catalog.PendingMigrations > 0 {
					_ = writePlain("pending_migrations: %d\n", info.Catalog.PendingMigrations)
				}

				tiers := make([]models.Tier, 0, len(info.Tiers))
				for tier := range info.Tiers {
					tiers = append(tiers, tier)
				}
				sort.Slice(tiers, func(i, j int) bool { return tiers[i].Hotter(tiers[j]) })
				_ = writePlain("tiers:\n")
				for _, tier := range tiers {
					stats := info.Tiers[tier]
					line := "  %s: %d objects, %s"
					args := []any{tier, stats.Objects, humanize.IBytes(uint64(stats.LogicalBytes))}
					if stats.CapacityBytes > 0 {
						line += " of %s"
						args = append(args, humanize.IBytes(uint64(stats.CapacityBytes)))
					}
					_ = writePlain(line+"\n", args...)
				}
				for _, lock := range info.Locks {
					_ = writePlain("busy: %s\n", lock)
				}
				return nil
			})
		},
	}
}
