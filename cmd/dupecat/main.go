package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// exitInterrupted is returned when a scan was stopped by a signal.
const exitInterrupted = 130

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			return exitInterrupted
		}
		printError(err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "dupecat",
		Short: "Inventory files and find duplicates without modifying them",
		Long: `Walks directory trees, records every regular file in a SQLite catalog and
finds duplicates in two tiers: a quick sample hash and a verified full hash.

Files are only ever opened for reading. Interrupted scans can be resumed.`,
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", "", "Path to YAML config file")
	pf.StringVar(&g.catalog, "catalog", "", "Path to catalog database (overrides config)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	pf.BoolVar(&g.noProgress, "no-progress", false, "Disable progress output")

	root.AddCommand(
		newScanCmd(g, false),
		newScanCmd(g, true),
		newGroupsCmd(g),
		newStatusCmd(g),
		newPurgeCmd(g),
		newServeCmd(g),
	)
	return root
}
