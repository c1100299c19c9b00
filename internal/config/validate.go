package config

import (
	"fmt"
	"strings"
)

// Validate checks invariants that cannot be expressed by types alone.
// Every violation is wrapped in ErrConfig (startup-fatal, exit code 2).
func Validate(cfg *Config) error {
	if len(cfg.Watch.WatchRoots) == 0 && len(cfg.Watch.MonitorOnlyRoots) == 0 {
		return fmt.Errorf("%w: at least one watch_roots or monitor_only_roots entry is required", ErrConfig)
	}

	for _, ext := range cfg.Watch.SupportedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("%w: supported_extensions entry %q must start with a dot", ErrConfig, ext)
		}
	}

	if cfg.Watch.PollingStableChecks < 1 {
		return fmt.Errorf("%w: polling_stable_checks must be >= 1", ErrConfig)
	}

	if cfg.Watch.DensePollingIntervalSeconds <= 0 || cfg.Watch.SparsePollingIntervalSeconds <= 0 {
		return fmt.Errorf("%w: polling intervals must be positive", ErrConfig)
	}

	switch cfg.Copy.Engine {
	case "native", "command":
	default:
		return fmt.Errorf("%w: copy engine %q (want native or command)", ErrConfig, cfg.Copy.Engine)
	}

	if cfg.Copy.RetryCount < 1 {
		return fmt.Errorf("%w: copy retry_count must be >= 1", ErrConfig)
	}

	if cfg.Copy.StabilityChecks < 1 {
		return fmt.Errorf("%w: copy stability_checks must be >= 1", ErrConfig)
	}

	switch cfg.Storage.BaselinesCodec {
	case "", "fast", "balanced", "portable":
	default:
		return fmt.Errorf("%w: baselines_codec %q (want fast, balanced, or portable)", ErrConfig, cfg.Storage.BaselinesCodec)
	}

	if cfg.Parser.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: parser timeout_seconds must be positive", ErrConfig)
	}

	if cfg.Parser.MaxWorkers < 1 {
		return fmt.Errorf("%w: parser max_workers must be >= 1", ErrConfig)
	}

	if cfg.Parser.MaxFormulaValueCells < 0 {
		return fmt.Errorf("%w: parser max_formula_value_cells must be >= 0", ErrConfig)
	}

	if cfg.Parser.RowBatchSize < 1 {
		return fmt.Errorf("%w: parser row_batch_size must be >= 1", ErrConfig)
	}

	if cfg.Queue.MaxConcurrentCompares < 1 {
		return fmt.Errorf("%w: max_concurrent_compares must be >= 1", ErrConfig)
	}

	if cfg.Supervisor.MaxRecoveries < 1 {
		return fmt.Errorf("%w: supervisor max_recoveries must be >= 1", ErrConfig)
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrConfig, cfg.Logging.LogLevel)
	}

	switch cfg.Logging.LogFormat {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("%w: log_format %q (want auto, text, or json)", ErrConfig, cfg.Logging.LogFormat)
	}

	return nil
}

// ExtensionSupported reports whether path's extension is in the configured
// set. Matching is case-insensitive.
func (w WatchConfig) ExtensionSupported(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range w.SupportedExtensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}

	return false
}
