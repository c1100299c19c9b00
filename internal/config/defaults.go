package config

// Default values for configuration options. These are "layer 0" of the
// override chain (defaults → TOML → environment → CLI flags) and are chosen
// to match the behavior of a stock deployment without any config file.
const (
	defaultDebounceIntervalSeconds      = 2.0
	defaultPollingStableChecks          = 3
	defaultPollingCooldownSeconds       = 20.0
	defaultPollingSizeThresholdMB       = 10
	defaultDensePollingIntervalSeconds  = 5.0
	defaultSparsePollingIntervalSeconds = 30.0

	defaultBaselinesCodec = "balanced"

	defaultCopyEngine               = "native"
	defaultCopyRetryCount           = 3
	defaultCopyRetryBackoffSeconds  = 1.0
	defaultCopyChunkSizeMB          = 4
	defaultCopyStabilityChecks      = 3
	defaultCopyStabilityIntervalSec = 1.0
	defaultCopyStabilityMaxWaitSec  = 30.0
	defaultCopyPostSleepSeconds     = 0.5

	defaultMtimeToleranceSeconds = 2.0
	defaultLogDedupWindowSeconds = 300.0

	defaultMaxFormulaValueCells = 50000
	defaultParserTimeoutSeconds = 120.0
	defaultParserMaxWorkers     = 1
	defaultRowBatchSize         = 1000

	defaultMaxConcurrentCompares = 2

	defaultHeartbeatIntervalSeconds      = 30.0
	defaultObserverStallThresholdSeconds = 300.0
	defaultObserverProbeTimeoutSeconds   = 3.0
	defaultMaxRecoveries                 = 5
	defaultRecoveryWindowSeconds         = 3600.0

	defaultLogLevel  = "info"
	defaultLogFormat = "auto"
)

// defaultSupportedExtensions is the case-insensitive workbook filter.
func defaultSupportedExtensions() []string { return []string{".xlsx", ".xlsm"} }

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		Watch: WatchConfig{
			SupportedExtensions:          defaultSupportedExtensions(),
			DebounceIntervalSeconds:      defaultDebounceIntervalSeconds,
			PollingStableChecks:          defaultPollingStableChecks,
			PollingCooldownSeconds:       defaultPollingCooldownSeconds,
			PollingSizeThresholdMB:       defaultPollingSizeThresholdMB,
			DensePollingIntervalSeconds:  defaultDensePollingIntervalSeconds,
			SparsePollingIntervalSeconds: defaultSparsePollingIntervalSeconds,
		},
		Storage: StorageConfig{
			BaselinesCodec:       defaultBaselinesCodec,
			StrictNoOriginalRead: true,
		},
		Copy: CopyConfig{
			Engine:                   defaultCopyEngine,
			RetryCount:               defaultCopyRetryCount,
			RetryBackoffSeconds:      defaultCopyRetryBackoffSeconds,
			ChunkSizeMB:              defaultCopyChunkSizeMB,
			StabilityChecks:          defaultCopyStabilityChecks,
			StabilityIntervalSeconds: defaultCopyStabilityIntervalSec,
			StabilityMaxWaitSeconds:  defaultCopyStabilityMaxWaitSec,
			PostSleepSeconds:         defaultCopyPostSleepSeconds,
		},
		Compare: CompareConfig{
			QuickSkipByStat:           true,
			MtimeToleranceSeconds:     defaultMtimeToleranceSeconds,
			TrackDirectValueChanges:   true,
			TrackFormulaChanges:       true,
			TrackExternalReferences:   true,
			IgnoreIndirectChanges:     true,
			SuppressInternalSameValue: false,
			ShowExternalRefresh:       true,
			LogDedupWindowSeconds:     defaultLogDedupWindowSeconds,
		},
		Parser: ParserConfig{
			EnableFormulaValueCheck:         true,
			MaxFormulaValueCells:            defaultMaxFormulaValueCells,
			AlwaysFetchValueForExternalRefs: true,
			TimeoutSeconds:                  defaultParserTimeoutSeconds,
			MaxWorkers:                      defaultParserMaxWorkers,
			RowBatchSize:                    defaultRowBatchSize,
		},
		Queue: QueueConfig{
			MaxConcurrentCompares:        defaultMaxConcurrentCompares,
			DedupPendingEvents:           true,
			ImmediateCompareOnFirstEvent: true,
		},
		Supervisor: SupervisorConfig{
			EnableHeartbeat:               true,
			HeartbeatIntervalSeconds:      defaultHeartbeatIntervalSeconds,
			EnableObserverHealthcheck:     true,
			ObserverStallThresholdSeconds: defaultObserverStallThresholdSeconds,
			ObserverProbeEnabled:          true,
			ObserverProbeTimeoutSeconds:   defaultObserverProbeTimeoutSeconds,
			EnableAutoRestartObserver:     true,
			MaxRecoveries:                 defaultMaxRecoveries,
			RecoveryWindowSeconds:         defaultRecoveryWindowSeconds,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
