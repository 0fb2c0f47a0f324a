package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"strata/internal/catalog"
	"strata/internal/config"
	"strata/internal/engine"
	"strata/internal/store"
)

func newMemoryCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{Use: "memory", Short: "Store and search memory entries"}
	cmd.AddCommand(
		newMemoryStoreCmd(cfg, jsonOutput),
		newMemoryGetCmd(cfg, jsonOutput),
		newMemorySearchCmd(cfg, jsonOutput),
		newMemoryUpdateCmd(cfg, jsonOutput),
		newMemoryArchiveCmd(cfg, jsonOutput, true),
		newMemoryArchiveCmd(cfg, jsonOutput, false),
		newMemoryPruneCmd(cfg, jsonOutput),
	)
	return cmd
}

type memoryStoreOptions struct {
	owner      string
	entryType  string
	tags       []string
	confidence float64
	source     string
	metaKV     []string
	metaJSON   string
}

func newMemoryStoreCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	opts := &memoryStoreOptions{}
	cmd := &cobra.Command{
		Use:   "store [content]",
		Short: "Store a memory entry (reads stdin when no content is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := contentArg(cmd, args)
			if err != nil {
				return err
			}
			meta, err := parseMetadataFlags(opts.metaKV, opts.metaJSON)
			if err != nil {
				return err
			}
			in := catalog.MemoryInput{
				Owner:     opts.owner,
				EntryType: opts.entryType,
				Content:   body,
				Tags:      opts.tags,
				Source:    opts.source,
				Metadata:  meta,
			}
			if cmd.Flags().Changed("confidence") {
				in.Confidence = &opts.confidence
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				id, err := eng.StoreMemory(cmd.Context(), in)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]int64{"id": id})
				}
				return writePlain("%d\n", id)
			})
		},
	}

	cmd.Flags().StringVar(&opts.owner, "owner", "", "owning agent")
	cmd.Flags().StringVar(&opts.entryType, "type", "", "entry type (default note)")
	cmd.Flags().StringSliceVar(&opts.tags, "tag", nil, "tag (repeatable or comma-separated)")
	cmd.Flags().Float64Var(&opts.confidence, "confidence", 1, "confidence between 0 and 1")
	cmd.Flags().StringVar(&opts.source, "source", "", "where the entry came from")
	cmd.Flags().StringArrayVar(&opts.metaKV, "meta", nil, "metadata key=value (repeatable)")
	cmd.Flags().StringVar(&opts.metaJSON, "meta-json", "", "metadata as a JSON object")
	return cmd
}

func newMemoryGetCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a memory entry",
		Args:  oneRecordID,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				entry, err := eng.GetMemory(cmd.Context(), id)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(entry)
				}
				return writeMemoryDetail(entry)
			})
		},
	}
}

type memorySearchOptions struct {
	owner         string
	entryType     string
	tags          string
	archived      bool
	onlyArchived  bool
	createdAfter  string
	createdBefore string
	limit         int
	offset        int
}

func newMemorySearchCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	opts := &memorySearchOptions{}
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Full-text search over memory entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := buildMemoryFilter(opts)
			if err != nil {
				return err
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				entries, err := eng.SearchMemory(cmd.Context(), strings.Join(args, " "), filter)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(entries)
				}
				return writeMemoryList(entries)
			})
		},
	}

	cmd.Flags().StringVar(&opts.owner, "owner", "", "filter by owner")
	cmd.Flags().StringVar(&opts.entryType, "type", "", "filter by entry type")
	cmd.Flags().StringVar(&opts.tags, "tag", "", "filter by tags (comma-separated)")
	cmd.Flags().BoolVar(&opts.archived, "archived", false, "include archived entries")
	cmd.Flags().BoolVar(&opts.onlyArchived, "only-archived", false, "return archived entries only")
	cmd.Flags().StringVar(&opts.createdAfter, "after", "", "created at or after (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.createdBefore, "before", "", "created before (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "max results")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "skip results")
	return cmd
}

func buildMemoryFilter(opts *memorySearchOptions) (store.MemoryFilter, error) {
	after, err := parseOptionalTime(opts.createdAfter)
	if err != nil {
		return store.MemoryFilter{}, err
	}
	before, err := parseOptionalTime(opts.createdBefore)
	if err != nil {
		return store.MemoryFilter{}, err
	}
	return store.MemoryFilter{
		Owner:           opts.owner,
		EntryType:       opts.entryType,
		Tags:            splitCommaList(opts.tags),
		IncludeArchived: opts.archived || opts.onlyArchived,
		OnlyArchived:    opts.onlyArchived,
		CreatedAfter:    after,
		CreatedBefore:   before,
		Limit:           opts.limit,
		Offset:          opts.offset,
	}, nil
}

func newMemoryUpdateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> [content]",
		Short: "Replace the content of a memory entry",
		Args:  recordIDAndContent,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			body, err := contentArg(cmd, args[1:])
			if err != nil {
				return err
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				entry, err := eng.UpdateMemory(cmd.Context(), id, body)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(entry)
				}
				return writePlain("%s\n", formatMemoryLine(*entry))
			})
		},
	}
}

func newMemoryArchiveCmd(cfg *config.Config, jsonOutput *bool, archive bool) *cobra.Command {
	use, short := "archive <id>...", "Hide memory entries from default searches"
	if !archive {
		use, short = "unarchive <id>...", "Return archived memory entries to default searches"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  recordIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				for _, id := range ids {
					if archive {
						err = eng.ArchiveMemory(cmd.Context(), id)
					} else {
						err = eng.UnarchiveMemory(cmd.Context(), id)
					}
					if err != nil {
						return fmt.Errorf("%s %d: %w", cmd.Name(), id, err)
					}
				}
				if *jsonOutput {
					return writeJSON(map[string]any{"ids": ids, "archived": archive})
				}
				return writePlain("%sd %d entr(ies)\n", cmd.Name(), len(ids))
			})
		},
	}
}

func newMemoryPruneCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "prune <id>...",
		Short: "Permanently delete archived memory entries",
		Args:  recordIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				removed, err := eng.PruneMemory(cmd.Context(), ids, force)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]int{"removed": removed})
				}
				return writePlain("removed %d entr(ies)\n", removed)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "also delete entries that are not archived")
	return cmd
}

func contentArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(raw), "\n"), nil
}
