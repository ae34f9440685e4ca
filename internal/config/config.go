// Package config holds the explicit configuration structure for a scan.
//
// Every recognized option has a default in DefaultConfig. A YAML file is
// decoded over the defaults, so keys it omits keep their default value.
// Sizes accept plain integers or humanized strings ("64KiB", "1MB").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ivoronin/dupecat/internal/types"
)

// Hash algorithm names accepted in configuration.
const (
	HashAuto   = "auto"
	HashXXH64  = "xxh64"
	HashFNV64a = "fnv64a"
	HashBLAKE3 = "blake3"
	HashSHA256 = "sha256"
	HashNone   = "none"
)

// Network-friendly caps.
const (
	networkHeavyWorkers = 2
	networkLightWorkers = 4
	networkSampleBytes  = 16 << 10
	networkChunkBytes   = 256 << 10
)

// ByteSize is a byte count that decodes from an integer or a humanized string.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		if n < 0 {
			return fmt.Errorf("negative size %d", n)
		}
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	u, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("size %q: %w", s, err)
	}
	*b = ByteSize(u)
	return nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Config is the full set of options for the engine and its outer layers.
type Config struct {
	// Catalog is the path of the SQLite catalog database
	Catalog string `yaml:"catalog"`

	// Roots are the directories to scan
	Roots []string `yaml:"roots"`

	// Include keeps only files whose base name matches one of these globs
	Include []string `yaml:"include"`

	// Exclude drops files and directories whose base name matches one of these globs
	Exclude []string `yaml:"exclude"`

	// ExcludePaths drops any path containing one of these substrings
	ExcludePaths []string `yaml:"exclude_paths"`

	// IncludeExt keeps only these extensions (case-insensitive, with or without dot)
	IncludeExt []string `yaml:"include_ext"`

	// ExcludeExt drops these extensions
	ExcludeExt []string `yaml:"exclude_ext"`

	// MaxWorkers is the heavy-lane concurrency (full hashes of large files)
	MaxWorkers int `yaml:"max_workers"`

	// LightWorkers is the light-lane concurrency (stat, quick hash, small files)
	LightWorkers int `yaml:"light_workers"`

	// SmallFileThreshold is the size below which the quick hash is skipped
	SmallFileThreshold ByteSize `yaml:"small_file_threshold"`

	// QuickHashBytes is the total head+tail sample size
	QuickHashBytes ByteSize `yaml:"quick_hash_bytes"`

	// SHAChunkBytes is the streaming chunk size of the full hash
	SHAChunkBytes ByteSize `yaml:"sha_chunk_bytes"`

	// Progressive enables the head/tail probe before a full read
	Progressive bool `yaml:"progressive"`

	// ProgressiveMinSize is the smallest file size that gets probed
	ProgressiveMinSize ByteSize `yaml:"progressive_min_size"`

	// ProbeBytes is the size of each head and tail probe
	ProbeBytes ByteSize `yaml:"probe_bytes"`

	// NetworkFriendly lowers concurrency and read sizes
	NetworkFriendly bool `yaml:"network_friendly"`

	// QuickHash selects the sample hash: auto, xxh64, fnv64a
	QuickHash string `yaml:"quick_hash"`

	// PrimaryHash selects the identity hash: blake3, sha256, none
	PrimaryHash string `yaml:"primary_hash"`

	// CompatibilityHash selects the second full hash: sha256, blake3, none
	CompatibilityHash string `yaml:"compatibility_hash"`

	// BatchSize is the number of writes per catalog commit
	BatchSize int `yaml:"batch_size"`

	// FlushInterval bounds how long a partial batch waits before committing
	FlushInterval time.Duration `yaml:"flush_interval"`

	// RetryAttempts is the total number of attempts for transient errors
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBaseDelay is the first backoff interval
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the backoff interval
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	// FileTimeout bounds one attempt on one file (0 = none)
	FileTimeout time.Duration `yaml:"file_timeout"`

	// IOBytesPerSec throttles file reads across all workers (0 = unlimited)
	IOBytesPerSec ByteSize `yaml:"io_bytes_per_sec"`

	// RetryErrors makes resume re-select records in the error state
	RetryErrors bool `yaml:"retry_errors"`

	// IncludePrefix limits the hash stages to records under these directories
	IncludePrefix []string `yaml:"include_prefix"`

	// ExcludePrefix keeps the hash stages away from records under these directories
	ExcludePrefix []string `yaml:"exclude_prefix"`

	// Force re-verifies every done record in prefix scope with a full hash
	Force bool `yaml:"force"`

	// MinFileSize hides smaller files from duplicate groups
	MinFileSize ByteSize `yaml:"min_file_size"`

	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config with every option at its default.
func DefaultConfig() *Config {
	workers := max(runtime.NumCPU(), 1)
	return &Config{
		Catalog:            filepath.Join("data", "catalog.db"),
		MaxWorkers:         workers,
		LightWorkers:       4 * workers,
		SmallFileThreshold: 64 << 10,
		QuickHashBytes:     64 << 10,
		SHAChunkBytes:      1 << 20,
		ProgressiveMinSize: 64 << 20,
		ProbeBytes:         1 << 20,
		QuickHash:          HashAuto,
		PrimaryHash:        HashBLAKE3,
		CompatibilityHash:  HashSHA256,
		BatchSize:          2000,
		FlushInterval:      500 * time.Millisecond,
		RetryAttempts:      5,
		RetryBaseDelay:     100 * time.Millisecond,
		RetryMaxDelay:      5 * time.Second,
		RetryErrors:        true,
		LogLevel:           "info",
	}
}

// Load decodes the YAML file at path over DefaultConfig.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.CodeConfigInvalid, path, fmt.Errorf("read config: %w", err))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, types.NewError(types.CodeConfigInvalid, path, fmt.Errorf("parse config: %w", err))
	}
	return cfg, nil
}

// Validate checks every option. The returned error carries CodeConfigInvalid.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Catalog != "", "catalog must be set")
	check(c.MaxWorkers >= 1, "max_workers must be >= 1, got %d", c.MaxWorkers)
	check(c.LightWorkers >= 1, "light_workers must be >= 1, got %d", c.LightWorkers)
	check(c.QuickHashBytes >= 2, "quick_hash_bytes must be >= 2, got %d", c.QuickHashBytes)
	check(c.SHAChunkBytes >= 1, "sha_chunk_bytes must be >= 1, got %d", c.SHAChunkBytes)
	check(c.ProbeBytes >= 1, "probe_bytes must be >= 1, got %d", c.ProbeBytes)
	check(c.BatchSize >= 1, "batch_size must be >= 1, got %d", c.BatchSize)
	check(c.FlushInterval > 0, "flush_interval must be > 0, got %v", c.FlushInterval)
	check(c.RetryAttempts >= 1, "retry_attempts must be >= 1, got %d", c.RetryAttempts)
	check(c.RetryBaseDelay > 0, "retry_base_delay must be > 0, got %v", c.RetryBaseDelay)
	check(c.RetryMaxDelay >= c.RetryBaseDelay, "retry_max_delay must be >= retry_base_delay")
	check(c.FileTimeout >= 0, "file_timeout must be >= 0, got %v", c.FileTimeout)

	check(slices.Contains([]string{HashAuto, HashXXH64, HashFNV64a}, c.QuickHash),
		"quick_hash %q must be one of auto, xxh64, fnv64a", c.QuickHash)
	check(slices.Contains([]string{HashBLAKE3, HashSHA256, HashNone, ""}, c.PrimaryHash),
		"primary_hash %q must be one of blake3, sha256, none", c.PrimaryHash)
	check(slices.Contains([]string{HashBLAKE3, HashSHA256, HashNone, ""}, c.CompatibilityHash),
		"compatibility_hash %q must be one of sha256, blake3, none", c.CompatibilityHash)
	check(c.HasPrimary() || c.HasCompatibility(), "at least one of primary_hash and compatibility_hash must be enabled")

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	for _, prefixes := range [][]string{c.IncludePrefix, c.ExcludePrefix} {
		check(!slices.Contains(prefixes, ""), "include_prefix and exclude_prefix entries must not be empty")
	}
	for _, patterns := range [][]string{c.Include, c.Exclude} {
		if err := ValidateGlobPatterns(patterns); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return types.NewError(types.CodeConfigInvalid, "", errors.Join(errs...))
	}
	return nil
}

// HasPrimary reports whether a primary full hash is configured.
func (c *Config) HasPrimary() bool { return c.PrimaryHash != "" && c.PrimaryHash != HashNone }

// HasCompatibility reports whether a compatibility full hash is configured.
func (c *Config) HasCompatibility() bool {
	return c.CompatibilityHash != "" && c.CompatibilityHash != HashNone
}

// Effective returns a copy with network-friendly caps applied.
func (c *Config) Effective() *Config {
	e := *c
	if !e.NetworkFriendly {
		return &e
	}
	e.MaxWorkers = min(e.MaxWorkers, networkHeavyWorkers)
	e.LightWorkers = min(e.LightWorkers, networkLightWorkers)
	e.QuickHashBytes = min(e.QuickHashBytes, networkSampleBytes)
	e.SHAChunkBytes = min(e.SHAChunkBytes, networkChunkBytes)
	e.ProbeBytes = min(e.ProbeBytes, networkSampleBytes)
	return &e
}

// ValidateGlobPatterns checks that all patterns are valid filepath.Match patterns.
func ValidateGlobPatterns(patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}
	return nil
}
