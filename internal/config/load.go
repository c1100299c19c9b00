package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// ErrConfig marks invalid configuration. It is fatal at startup: the
// process exits with code 2 when a wrapped ErrConfig reaches main.
var ErrConfig = errors.New("config: invalid configuration")

// Load builds the immutable runtime configuration: defaults, then the TOML
// file at path (optional — a missing file is not an error when path is the
// default location), then XLWATCH_* environment overrides, then validation.
func Load(path string, pathExplicit bool, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		md, decErr := toml.Decode(string(data), cfg)
		if decErr != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, decErr)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown key %q in %s", ErrConfig, undecoded[0].String(), path)
		}

		logger.Debug("config file parsed", "path", path)
	case os.IsNotExist(err) && !pathExplicit:
		logger.Debug("no config file, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: environment overrides: %v", ErrConfig, err)
	}

	normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultPath returns the stock config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "xlwatch.toml"
	}

	return filepath.Join(home, ".config", "xlwatch", "xlwatch.toml")
}

// normalize fills derived defaults that depend on other fields and
// absolutizes every configured path.
func normalize(cfg *Config) {
	if cfg.Storage.LogRoot == "" {
		cfg.Storage.LogRoot = filepath.Join(userDataDir(), "xlwatch", "logs")
	}

	if cfg.Storage.CacheRoot == "" {
		cfg.Storage.CacheRoot = filepath.Join(userDataDir(), "xlwatch", "cache")
	}

	cfg.Storage.LogRoot = absPath(cfg.Storage.LogRoot)
	cfg.Storage.CacheRoot = absPath(cfg.Storage.CacheRoot)

	for i, p := range cfg.Watch.WatchRoots {
		cfg.Watch.WatchRoots[i] = absPath(p)
	}

	for i, p := range cfg.Watch.MonitorOnlyRoots {
		cfg.Watch.MonitorOnlyRoots[i] = absPath(p)
	}

	for i, p := range cfg.Watch.ExcludePaths {
		cfg.Watch.ExcludePaths[i] = absPath(p)
	}
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}

	return abs
}

func userDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}

	return "."
}
