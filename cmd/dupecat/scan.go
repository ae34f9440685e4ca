package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/config"
	"github.com/ivoronin/dupecat/internal/engine"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/server"
)

const pollInterval = 250 * time.Millisecond

// scanOptions holds CLI flags for the scan and resume commands.
type scanOptions struct {
	excludes        []string
	includes        []string
	workers         int
	progressive     bool
	networkFriendly bool
	listen          string
	includePrefix   []string
	excludePrefix   []string
	force           bool
}

// newScanCmd creates the scan subcommand, or resume when resume is set.
func newScanCmd(g *globalOptions, resume bool) *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan [roots...]",
		Short: "Walk roots and update the catalog",
		Long: `Walks the roots (or the roots from the config file), records new and changed
files and hashes them. Files are opened read-only.

Interrupt once to stop: in-flight reads are abandoned and committed work is
kept for resume. Interrupt again to exit immediately. SIGUSR1 pauses the scan
and SIGUSR2 resumes it.

--include-prefix and --exclude-prefix limit which catalogued files the hash
stages work on; the walk still records every file. --force re-verifies every
done file in that scope with a full hash.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, g, opts, args, resume)
		},
	}
	if resume {
		cmd.Use = "resume [roots...]"
		cmd.Short = "Continue an interrupted scan"
		cmd.Long = `Re-checks unfinished records against the filesystem, then continues the walk
from the saved cursor and finishes every outstanding hash.`
	}

	cmd.Flags().StringSliceVarP(&opts.excludes, "exclude", "e", nil, "Glob patterns to exclude (adds to config)")
	cmd.Flags().StringSliceVarP(&opts.includes, "include", "i", nil, "Glob patterns to include (adds to config)")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Number of heavy-lane workers (overrides config)")
	cmd.Flags().BoolVar(&opts.progressive, "progressive", false, "Probe head and tail before full hashes of large files")
	cmd.Flags().BoolVar(&opts.networkFriendly, "network-friendly", false, "Lower concurrency and read sizes for network filesystems")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Serve the HTTP API on this address while scanning")
	cmd.Flags().StringSliceVar(&opts.includePrefix, "include-prefix", nil, "Hash only files under these directories (adds to config)")
	cmd.Flags().StringSliceVar(&opts.excludePrefix, "exclude-prefix", nil, "Do not hash files under these directories (adds to config)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Re-verify done files in scope with a full hash")

	return cmd
}

// apply merges scan flags into cfg. Only flags set on the command line win.
func (o *scanOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	if err := config.ValidateGlobPatterns(o.excludes); err != nil {
		return fmt.Errorf("invalid --exclude: %w", err)
	}
	if err := config.ValidateGlobPatterns(o.includes); err != nil {
		return fmt.Errorf("invalid --include: %w", err)
	}
	cfg.Exclude = append(cfg.Exclude, o.excludes...)
	cfg.Include = append(cfg.Include, o.includes...)
	cfg.IncludePrefix = append(cfg.IncludePrefix, o.includePrefix...)
	cfg.ExcludePrefix = append(cfg.ExcludePrefix, o.excludePrefix...)

	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.MaxWorkers = o.workers
	}
	if flags.Changed("progressive") {
		cfg.Progressive = o.progressive
	}
	if flags.Changed("network-friendly") {
		cfg.NetworkFriendly = o.networkFriendly
	}
	if flags.Changed("force") {
		cfg.Force = o.force
	}
	return nil
}

// runScan runs one scan to completion or interruption and prints its summary.
func runScan(cmd *cobra.Command, g *globalOptions, opts *scanOptions, roots []string, resume bool) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if err := opts.apply(cmd, cfg); err != nil {
		return err
	}

	eng, logger, err := g.open(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer func() { _ = eng.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopSignals := handleSignals(eng, logger)
	defer stopSignals()

	if opts.listen != "" {
		srv, err := server.New(eng, logger, eng.Aggregator())
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Run(ctx, opts.listen); err != nil {
				logger.Error("http server", zap.Error(err))
			}
		}()
	}

	showProgress := !g.noProgress && isatty.IsTerminal(os.Stderr.Fd())
	renderDone := make(chan struct{})
	renderStop := make(chan struct{})
	go func() {
		defer close(renderDone)
		renderProgress(eng, showProgress, renderStop)
	}()

	summary, err := eng.Scan(ctx, roots, resume)
	close(renderStop)
	<-renderDone
	if err != nil {
		return err
	}

	printSummary(os.Stdout, summary)
	if summary.Interrupted {
		return errInterrupted
	}
	return nil
}

// renderProgress keeps a spinner in sync with the engine until stop closes.
// Published events update it immediately; a ticker covers quiet phases.
func renderProgress(eng *engine.Engine, enabled bool, stop <-chan struct{}) {
	r := progress.NewRenderer(os.Stderr, enabled)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			r.Finish(eng.Progress())
			return
		case snap := <-eng.Events():
			r.Update(snap)
		case <-ticker.C:
			r.Update(eng.Progress())
		}
	}
}

// printSummary writes the scan summary with a colored status line.
func printSummary(w io.Writer, s *engine.Summary) {
	head, rest, _ := strings.Cut(s.String(), "\n")
	status := color.New(color.FgGreen, color.Bold)
	if s.Interrupted {
		status = color.New(color.FgYellow, color.Bold)
	}
	_, _ = status.Fprintln(w, head)
	_, _ = fmt.Fprint(w, rest)

	if n := s.Outstanding(); n > 0 {
		_, _ = color.New(color.FgYellow).Fprintf(w, "%d records still need work; run 'dupecat resume' to finish\n", n)
	}
	var failed int64
	for _, n := range s.Errors {
		failed += n
	}
	if failed > 0 {
		_, _ = color.New(color.FgRed).Fprintf(w, "%d records in error; see 'dupecat status'\n", failed)
	}
}
