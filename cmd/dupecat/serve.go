package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ivoronin/dupecat/internal/server"
)

const defaultListenAddr = "127.0.0.1:8080"

func newServeCmd(g *globalOptions) *cobra.Command {
	addr := defaultListenAddr

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog over HTTP",
		Long: `Opens the catalog read-only and serves JSON queries and Prometheus metrics.
Can run next to a scan of the same catalog.`,
		Args: cobra.NoArgs,
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

			srv, err := server.New(eng, logger, eng.Aggregator())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", addr, "Listen address")
	return cmd
}
