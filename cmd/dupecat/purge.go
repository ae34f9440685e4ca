package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd(g *globalOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove stale records from the catalog",
		Long: `Removes records whose file no longer exists. With --all, empties the catalog
and forgets the walk cursor.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			eng, logger, err := g.open(cfg, false)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer func() { _ = eng.Close() }()

			n, err := eng.Purge(context.Background(), !all)
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d records\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove every record and the walk cursor")
	return cmd
}
