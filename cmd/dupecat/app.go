package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ivoronin/dupecat/internal/config"
	"github.com/ivoronin/dupecat/internal/engine"
	"github.com/ivoronin/dupecat/internal/types"
)

var errInterrupted = errors.New("interrupted")

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configFile string
	catalog    string
	logLevel   string
	noProgress bool
}

// load reads the config file and applies flag overrides.
func (g *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, err
	}
	if g.catalog != "" {
		cfg.Catalog = g.catalog
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

// open builds the logger and opens an engine over cfg.
func (g *globalOptions) open(cfg *config.Config, readOnly bool) (*engine.Engine, *zap.Logger, error) {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, types.NewError(types.CodeConfigInvalid, "", fmt.Errorf("log level: %w", err))
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if readOnly {
		opts = append(opts, engine.WithReadOnly())
	}
	eng, err := engine.Open(cfg, opts...)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return eng, logger, nil
}

// newLogger builds a console logger writing to stderr.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.DisableStacktrace = true
	zcfg.DisableCaller = true
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zcfg.Build()
}

// printError writes err to stderr.
func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("error:"), err)
}
