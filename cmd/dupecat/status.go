package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ivoronin/dupecat/internal/types"
)

const statusRunLimit = 5

func newStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show catalog state counts, errors and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			eng, logger, err := g.open(cfg, true)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer func() { _ = eng.Close() }()

			ctx := context.Background()
			states, err := eng.QueryStateCounts(ctx)
			if err != nil {
				return err
			}
			codes, err := eng.QueryErrorCounts(ctx)
			if err != nil {
				return err
			}
			runs, err := eng.QueryRuns(ctx)
			if err != nil {
				return err
			}
			printStatus(os.Stdout, cfg.Catalog, states, codes, runs)
			return nil
		},
	}
}

func printStatus(w io.Writer, catalog string, states map[types.State]int64, codes map[types.ErrorCode]int64, runs []*types.ScanRun) {
	bold := color.New(color.Bold)

	_, _ = bold.Fprintf(w, "Catalog %s\n", catalog)
	var total int64
	for _, st := range types.States {
		total += states[st]
	}
	for _, st := range types.States {
		line := fmt.Sprintf("  %-13s %d\n", st, states[st])
		if st == types.StateError && states[st] > 0 {
			_, _ = color.New(color.FgRed).Fprint(w, line)
			continue
		}
		_, _ = fmt.Fprint(w, line)
	}
	_, _ = fmt.Fprintf(w, "  %-13s %d\n", "total", total)

	if len(codes) > 0 {
		_, _ = bold.Fprintln(w, "Errors")
		keys := make([]string, 0, len(codes))
		for c := range codes {
			keys = append(keys, string(c))
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %-18s %d\n", k, codes[types.ErrorCode(k)])
		}
	}

	if len(runs) > 0 {
		_, _ = bold.Fprintln(w, "Recent runs")
		for i, r := range runs {
			if i == statusRunLimit {
				break
			}
			_, _ = fmt.Fprintf(w, "  %s  %s  %s@%s  %s\n",
				r.ID, humanize.Time(r.StartedAt), r.User, r.Host, strings.Join(r.Roots, " "))
		}
	}
}
