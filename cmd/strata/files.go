package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"strata/internal/catalog"
	"strata/internal/config"
	"strata/internal/engine"
	"strata/internal/models"
	"strata/internal/store"
)

type uploadOptions struct {
	filename  string
	namespace string
	tags      []string
	tier      string
	mimeType  string
	metaKV    []string
	metaJSON  string
}

func newUploadCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	opts := &uploadOptions{}
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Store a file in the archive",
		Args:  pathArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadataFlags(opts.metaKV, opts.metaJSON)
			if err != nil {
				return err
			}
			tier, err := parseOptionalTier(opts.tier)
			if err != nil {
				return err
			}

			path := args[0]
			src := cmd.InOrStdin()
			filename := strings.TrimSpace(opts.filename)
			if path != "-" {
				file, err := os.Open(path)
				if err != nil {
					return err
				}
				defer file.Close()
				src = file
				if filename == "" {
					filename = filepath.Base(path)
				}
			}

			return withEngine(cfg, func(eng *engine.Engine) error {
				record, err := eng.Upload(cmd.Context(), engine.UploadRequest{
					Content:   src,
					Filename:  filename,
					Namespace: opts.namespace,
					Tags:      opts.tags,
					Tier:      tier,
					MimeType:  opts.mimeType,
					Metadata:  meta,
				})
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(record)
				}
				return writePlain("%s\n", formatFileLine(*record))
			})
		},
	}

	cmd.Flags().StringVar(&opts.filename, "name", "", "filename to record (defaults to the path base name)")
	cmd.Flags().StringVar(&opts.namespace, "namespace", "", "namespace (default "+models.DefaultNamespace+")")
	cmd.Flags().StringSliceVar(&opts.tags, "tag", nil, "tag (repeatable or comma-separated)")
	cmd.Flags().StringVar(&opts.tier, "tier", "", "initial tier (hot|warm|cold|vault)")
	cmd.Flags().StringVar(&opts.mimeType, "mime-type", "", "mime type (detected from extension by default)")
	cmd.Flags().StringArrayVar(&opts.metaKV, "meta", nil, "metadata key=value (repeatable)")
	cmd.Flags().StringVar(&opts.metaJSON, "meta-json", "", "metadata as a JSON object")
	return cmd
}

func newDownloadCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Write a file's bytes to stdout or --out",
		Args:  oneRecordID,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				rc, record, err := eng.OpenFile(cmd.Context(), id)
				if err != nil {
					return err
				}
				defer rc.Close()

				if outPath == "" || outPath == "-" {
					_, err = io.Copy(stdout, rc)
					return err
				}
				dst, err := os.Create(outPath)
				if err != nil {
					return err
				}
				n, err := io.Copy(dst, rc)
				if closeErr := dst.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(record)
				}
				return writePlain("wrote %s to %s\n", humanize.IBytes(uint64(n)), outPath)
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "destination path (default stdout)")
	return cmd
}

func newShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a file record",
		Args:  oneRecordID,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				record, err := eng.GetFile(cmd.Context(), id)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(record)
				}
				return writeFileDetail(record)
			})
		},
	}
}

type searchOptions struct {
	namespace     string
	tags          string
	tier          string
	mimeType      string
	glob          string
	createdAfter  string
	createdBefore string
	limit         int
	offset        int
}

func newSearchCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search file records",
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := buildFileQuery(opts, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				files, err := eng.SearchFiles(cmd.Context(), query)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(files)
				}
				return writeFileList(files)
			})
		},
	}

	cmd.Flags().StringVar(&opts.namespace, "namespace", "", "filter by namespace")
	cmd.Flags().StringVar(&opts.tags, "tag", "", "filter by tags (comma-separated, all must match)")
	cmd.Flags().StringVar(&opts.tier, "tier", "", "filter by tier")
	cmd.Flags().StringVar(&opts.mimeType, "mime-type", "", "filter by mime type")
	cmd.Flags().StringVar(&opts.glob, "glob", "", "filename glob, e.g. '*.pdf'")
	cmd.Flags().StringVar(&opts.createdAfter, "after", "", "created at or after (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.createdBefore, "before", "", "created before (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "max results")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "skip results")
	return cmd
}

func buildFileQuery(opts *searchOptions, text string) (catalog.FileQuery, error) {
	tier, err := parseOptionalTier(opts.tier)
	if err != nil {
		return catalog.FileQuery{}, err
	}
	after, err := parseOptionalTime(opts.createdAfter)
	if err != nil {
		return catalog.FileQuery{}, err
	}
	before, err := parseOptionalTime(opts.createdBefore)
	if err != nil {
		return catalog.FileQuery{}, err
	}
	return catalog.FileQuery{
		FileFilter: store.FileFilter{
			Query:         strings.TrimSpace(text),
			Namespace:     opts.namespace,
			Tags:          splitCommaList(opts.tags),
			Tier:          tier,
			MimeType:      opts.mimeType,
			CreatedAfter:  after,
			CreatedBefore: before,
			Limit:         opts.limit,
			Offset:        opts.offset,
		},
		FilenameGlob: opts.glob,
	}, nil
}

func newTierCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "tier <id> <tier>",
		Short: "Move a file to another tier",
		Args:  recordIDAndTier,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			tier, err := models.ParseTier(args[1])
			if err != nil {
				return err
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				record, err := eng.SetTier(cmd.Context(), id, tier)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(record)
				}
				return writePlain("%s\n", formatFileLine(*record))
			})
		},
	}
}

func newDeleteCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete file records",
		Args:  recordIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cfg, func(eng *engine.Engine) error {
				for _, id := range ids {
					if err := eng.DeleteFile(cmd.Context(), id, confirm); err != nil {
						return fmt.Errorf("delete %d: %w", id, err)
					}
				}
				if *jsonOutput {
					return writeJSON(map[string]any{"deleted": ids})
				}
				return writePlain("deleted %d file(s)\n", len(ids))
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm deletion of vault files")
	return cmd
}

func parseOptionalTier(raw string) (models.Tier, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return models.ParseTier(raw)
}
