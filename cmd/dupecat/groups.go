package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ivoronin/dupecat/internal/config"
	"github.com/ivoronin/dupecat/internal/grouper"
	"github.com/ivoronin/dupecat/internal/report"
)

// groupsOptions holds CLI flags for the groups command.
type groupsOptions struct {
	tier       string
	limit      int
	minSizeStr string
	keepNewest bool
	prefer     []string
}

func newGroupsCmd(g *globalOptions) *cobra.Command {
	opts := &groupsOptions{tier: string(grouper.TierVerified)}

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List duplicate groups from the catalog",
		Long: `Prints duplicate groups, largest wasted space first. In each group one file is
marked as the keeper; the others are reported as removable. Nothing is deleted.

The quick tier groups files by size and sample hash and may contain false
positives. The verified tier groups files by full content hash.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runGroups(g, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.tier, "tier", "t", opts.tier, "Grouping tier: quick or verified")
	cmd.Flags().IntVarP(&opts.limit, "limit", "l", 0, "Maximum number of groups (0 = all)")
	cmd.Flags().StringVarP(&opts.minSizeStr, "min-size", "m", "", "Hide files smaller than this (e.g., 100, 1K, 10M; overrides config)")
	cmd.Flags().BoolVar(&opts.keepNewest, "keep-newest", false, "Keep the newest file instead of the oldest")
	cmd.Flags().StringSliceVarP(&opts.prefer, "prefer", "p", nil, "Path prefixes whose files are kept first, in priority order")

	return cmd
}

func runGroups(g *globalOptions, opts *groupsOptions) error {
	tier, err := grouper.ParseTier(opts.tier)
	if err != nil {
		return fmt.Errorf("invalid --tier: %w", err)
	}
	if opts.limit < 0 {
		return errors.New("invalid --limit: must not be negative")
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if opts.minSizeStr != "" {
		minSize, err := parseSize(opts.minSizeStr)
		if err != nil {
			return fmt.Errorf("invalid --min-size: %w", err)
		}
		cfg.MinFileSize = config.ByteSize(minSize)
	}

	eng, logger, err := g.open(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer func() { _ = eng.Close() }()

	groups, err := eng.QueryDuplicateGroups(context.Background(), tier, opts.limit)
	if err != nil {
		return err
	}
	entries, st := report.Build(groups, report.Options{PathPriority: opts.prefer, KeepNewest: opts.keepNewest})
	return report.Write(os.Stdout, entries, st)
}
