package config

import "runtime"

// GlobalConfig holds process-wide defaults for the scheduler and its
// ambient concerns (logging, demo workload sizing).
type GlobalConfig struct {
	// LogFormat is the format for logging ("text" or "json").
	LogFormat string

	// LogLevel is the level for logging (DEBUG, INFO, WARN, ERROR).
	LogLevel string

	// PoolConcurrencyLimit caps simultaneously outstanding operations
	// across the whole pool. Zero means unlimited.
	PoolConcurrencyLimit float64

	// PoolFrequencyLimit caps operation starts within PoolFrequencyWindow
	// across the whole pool. Zero means unlimited.
	PoolFrequencyLimit float64

	// PoolFrequencyWindowMs is the sliding window, in milliseconds, over
	// which PoolFrequencyLimit is enforced.
	PoolFrequencyWindowMs int

	// GroupProfile, if set, names a section in the group profiles file to
	// load default group limits from instead of the built-in defaults.
	GroupProfile string

	// MaxWorkers sizes the demo workload generator's item count.
	MaxWorkers int

	// ResultExportTarget selects where the demo run's result export is
	// written: "filesystem" or "s3".
	ResultExportTarget string

	// ResultExportPath is the filesystem path or S3 key prefix results are
	// written under.
	ResultExportPath string

	// ResultExportBucket is the S3 bucket used when ResultExportTarget is
	// "s3".
	ResultExportBucket string

	// ResultExportBucketRegion is the region of ResultExportBucket.
	ResultExportBucketRegion string
}

// Config is the global configuration instance.
var Config = &GlobalConfig{
	LogFormat:             "text",
	LogLevel:              "INFO",
	PoolFrequencyWindowMs: 1000,
	MaxWorkers:            runtime.NumCPU() * 8,
	ResultExportTarget:    "filesystem",
	ResultExportPath:      "taskpool-results",
}
