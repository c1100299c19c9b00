// Package config implements TOML configuration loading, environment
// overrides, validation, and defaults for xlwatch. The configuration is
// snapshotted once at startup into an immutable Config passed by pointer
// into every component; there is no runtime reconfiguration.
package config

import "time"

// Config is the top-level configuration structure, one section per concern.
type Config struct {
	Watch      WatchConfig      `toml:"watch"`
	Storage    StorageConfig    `toml:"storage"`
	Copy       CopyConfig       `toml:"copy"`
	Compare    CompareConfig    `toml:"compare"`
	Parser     ParserConfig     `toml:"parser"`
	Queue      QueueConfig      `toml:"queue"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Feed       FeedConfig       `toml:"feed"`
	Logging    LoggingConfig    `toml:"logging"`
}

// WatchConfig controls the filesystem watcher and per-file polling loops.
type WatchConfig struct {
	WatchRoots          []string `toml:"watch_roots" env:"XLWATCH_WATCH_ROOTS" envSeparator:":"`
	ExcludePaths        []string `toml:"exclude_paths" env:"XLWATCH_EXCLUDE_PATHS" envSeparator:":"`
	MonitorOnlyRoots    []string `toml:"monitor_only_roots" env:"XLWATCH_MONITOR_ONLY_ROOTS" envSeparator:":"`
	SupportedExtensions []string `toml:"supported_extensions"`

	DebounceIntervalSeconds      float64 `toml:"debounce_interval_seconds"`
	PollingStableChecks          int     `toml:"polling_stable_checks"`
	PollingCooldownSeconds       float64 `toml:"polling_cooldown_seconds"`
	PollingSizeThresholdMB       int     `toml:"polling_size_threshold_mb"`
	DensePollingIntervalSeconds  float64 `toml:"dense_polling_interval_seconds"`
	SparsePollingIntervalSeconds float64 `toml:"sparse_polling_interval_seconds"`
}

// StorageConfig names the on-disk locations and the default codec profile.
type StorageConfig struct {
	CacheRoot            string `toml:"cache_root" env:"XLWATCH_CACHE_ROOT"`
	LogRoot              string `toml:"log_root" env:"XLWATCH_LOG_ROOT"`
	BaselinesCodec       string `toml:"baselines_codec" env:"XLWATCH_BASELINES_CODEC"`
	StrictNoOriginalRead bool   `toml:"strict_no_original_read"`
}

// CopyConfig tunes the stable-copy pipeline.
type CopyConfig struct {
	Engine                   string  `toml:"engine"`
	RetryCount               int     `toml:"retry_count"`
	RetryBackoffSeconds      float64 `toml:"retry_backoff_seconds"`
	ChunkSizeMB              int     `toml:"chunk_size_mb"`
	StabilityChecks          int     `toml:"stability_checks"`
	StabilityIntervalSeconds float64 `toml:"stability_interval_seconds"`
	StabilityMaxWaitSeconds  float64 `toml:"stability_max_wait_seconds"`
	PostSleepSeconds         float64 `toml:"post_sleep_seconds"`
}

// CompareConfig holds the classifier policy flags and quick-skip tuning.
type CompareConfig struct {
	QuickSkipByStat       bool    `toml:"quick_skip_by_stat"`
	MtimeToleranceSeconds float64 `toml:"mtime_tolerance_seconds"`

	TrackDirectValueChanges   bool `toml:"track_direct_value_changes"`
	TrackFormulaChanges       bool `toml:"track_formula_changes"`
	TrackExternalReferences   bool `toml:"track_external_references"`
	IgnoreIndirectChanges     bool `toml:"ignore_indirect_changes"`
	FormulaOnlyMode           bool `toml:"formula_only_mode"`
	SuppressInternalSameValue bool `toml:"suppress_internal_same_value"`
	ShowExternalRefresh       bool `toml:"show_external_refresh"`

	LogDedupWindowSeconds float64 `toml:"log_dedup_window_seconds"`
}

// ParserConfig tunes the isolated workbook parser.
type ParserConfig struct {
	EnableFormulaValueCheck         bool    `toml:"enable_formula_value_check"`
	MaxFormulaValueCells            int     `toml:"max_formula_value_cells"`
	AlwaysFetchValueForExternalRefs bool    `toml:"always_fetch_value_for_external_refs"`
	TimeoutSeconds                  float64 `toml:"timeout_seconds"`
	MaxWorkers                      int     `toml:"max_workers"`
	RowBatchSize                    int     `toml:"row_batch_size"`
}

// QueueConfig bounds the compare queue.
type QueueConfig struct {
	MaxConcurrentCompares        int  `toml:"max_concurrent_compares"`
	DedupPendingEvents           bool `toml:"dedup_pending_events"`
	ImmediateCompareOnFirstEvent bool `toml:"immediate_compare_on_first_event"`
}

// SupervisorConfig controls heartbeat, healthcheck, and auto-restart.
type SupervisorConfig struct {
	EnableHeartbeat               bool    `toml:"enable_heartbeat"`
	HeartbeatIntervalSeconds      float64 `toml:"heartbeat_interval_seconds"`
	EnableObserverHealthcheck     bool    `toml:"enable_observer_healthcheck"`
	ObserverStallThresholdSeconds float64 `toml:"observer_stall_threshold_seconds"`
	ObserverProbeEnabled          bool    `toml:"observer_probe_enabled"`
	ObserverProbeTimeoutSeconds   float64 `toml:"observer_probe_timeout_seconds"`
	EnableAutoRestartObserver     bool    `toml:"enable_auto_restart_observer"`
	MaxRecoveries                 int     `toml:"max_recoveries"`
	RecoveryWindowSeconds         float64 `toml:"recovery_window_seconds"`
}

// FeedConfig controls the optional local websocket event feed.
type FeedConfig struct {
	LiveFeedListen string `toml:"live_feed_listen" env:"XLWATCH_LIVE_FEED_LISTEN"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" env:"XLWATCH_LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"XLWATCH_LOG_FORMAT"`
}

// seconds converts a float seconds field to a time.Duration.
func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// DebounceInterval returns the per-file debounce window.
func (w WatchConfig) DebounceInterval() time.Duration { return seconds(w.DebounceIntervalSeconds) }

// PollingCooldown returns the cooldown after a meaningful polling change.
func (w WatchConfig) PollingCooldown() time.Duration { return seconds(w.PollingCooldownSeconds) }

// DenseInterval returns the polling interval for small files.
func (w WatchConfig) DenseInterval() time.Duration { return seconds(w.DensePollingIntervalSeconds) }

// SparseInterval returns the polling interval for large files.
func (w WatchConfig) SparseInterval() time.Duration { return seconds(w.SparsePollingIntervalSeconds) }

// RetryBackoff returns the base copy retry backoff.
func (c CopyConfig) RetryBackoff() time.Duration { return seconds(c.RetryBackoffSeconds) }

// StabilityInterval returns the mtime/size sampling interval.
func (c CopyConfig) StabilityInterval() time.Duration { return seconds(c.StabilityIntervalSeconds) }

// StabilityMaxWait returns the cap on the whole stability probe.
func (c CopyConfig) StabilityMaxWait() time.Duration { return seconds(c.StabilityMaxWaitSeconds) }

// PostSleep returns the post-copy settle sleep.
func (c CopyConfig) PostSleep() time.Duration { return seconds(c.PostSleepSeconds) }

// MtimeTolerance returns the quick-skip mtime tolerance.
func (c CompareConfig) MtimeTolerance() time.Duration { return seconds(c.MtimeToleranceSeconds) }

// DedupWindow returns the emission dedup window.
func (c CompareConfig) DedupWindow() time.Duration { return seconds(c.LogDedupWindowSeconds) }

// Timeout returns the per-parse wall-clock bound.
func (p ParserConfig) Timeout() time.Duration { return seconds(p.TimeoutSeconds) }

// HeartbeatInterval returns the heartbeat period.
func (s SupervisorConfig) HeartbeatInterval() time.Duration {
	return seconds(s.HeartbeatIntervalSeconds)
}

// StallThreshold returns the no-dispatch duration treated as a stall.
func (s SupervisorConfig) StallThreshold() time.Duration {
	return seconds(s.ObserverStallThresholdSeconds)
}

// ProbeTimeout returns the watcher probe wait bound.
func (s SupervisorConfig) ProbeTimeout() time.Duration {
	return seconds(s.ObserverProbeTimeoutSeconds)
}

// RecoveryWindow returns the auto-restart rate-limit window.
func (s SupervisorConfig) RecoveryWindow() time.Duration { return seconds(s.RecoveryWindowSeconds) }
