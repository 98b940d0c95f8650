package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emptyset-io/taskpool/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// parameterSource tracks where each parameter value came from.
type parameterSource struct {
	Key    string
	Value  interface{}
	Source string
}

// flagNames maps a viper config key to the CLI flag that overrides it.
var flagNames = map[string]string{
	"app.log_format":             "log-format",
	"app.log_level":              "log-level",
	"pool.concurrency_limit":     "pool-concurrency-limit",
	"pool.frequency_limit":       "pool-frequency-limit",
	"pool.frequency_window_ms":   "pool-frequency-window-ms",
	"pool.group_profile":         "group-profile",
	"demo.max_workers":           "max-workers",
	"export.target":              "export-target",
	"export.path":                "export-path",
	"export.bucket":              "export-bucket",
	"export.bucket_region":       "export-bucket-region",
}

// getParameterSource determines where a parameter value came from (config
// file, env var, flag, or default).
func getParameterSource(key string, cmd *cobra.Command) parameterSource {
	flagValue := viper.Get(key)
	envKey := "TASKPOOL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))

	flagName := flagNames[key]
	if flagName == "" {
		flagName = strings.Replace(key, ".", "-", -1)
	}

	if cmd != nil {
		if f := cmd.Flags().Lookup(flagName); f != nil && f.Changed {
			return parameterSource{key, flagValue, "command line flag"}
		}
		current := cmd
		for current != nil {
			if f := current.PersistentFlags().Lookup(flagName); f != nil && f.Changed {
				return parameterSource{key, flagValue, "command line flag"}
			}
			current = current.Parent()
		}
	}

	if _, exists := os.LookupEnv(envKey); exists {
		return parameterSource{key, flagValue, "environment variable"}
	}

	if viper.GetViper().InConfig(key) {
		return parameterSource{key, flagValue, "config file"}
	}

	return parameterSource{key, flagValue, "default value"}
}

// LogConfigurationSources logs the source of each configuration parameter.
func LogConfigurationSources(shouldLog bool, cmd *cobra.Command) {
	if !shouldLog {
		return
	}

	logging.Debug("Configuration parameter sources:")

	params := []string{
		"app.log_format",
		"app.log_level",
		"pool.concurrency_limit",
		"pool.frequency_limit",
		"pool.frequency_window_ms",
		"pool.group_profile",
		"demo.max_workers",
		"export.target",
		"export.path",
		"export.bucket",
		"export.bucket_region",
	}

	for _, param := range params {
		source := getParameterSource(param, cmd)
		logging.Debug(fmt.Sprintf("  %s = %v (from %s)", source.Key, source.Value, source.Source))
	}
}

// InitConfig initializes the Viper configuration.
func InitConfig(shouldLog bool, cmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("TASKPOOL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetDefault("app.log_format", "text")
	viper.SetDefault("app.log_level", "INFO")
	viper.SetDefault("pool.concurrency_limit", 0)
	viper.SetDefault("pool.frequency_limit", 0)
	viper.SetDefault("pool.frequency_window_ms", 1000)
	viper.SetDefault("pool.group_profile", "")
	viper.SetDefault("demo.max_workers", Config.MaxWorkers)
	viper.SetDefault("export.target", "filesystem")
	viper.SetDefault("export.path", "taskpool-results")
	viper.SetDefault("export.bucket", "")
	viper.SetDefault("export.bucket_region", "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if shouldLog {
			logging.Debug("No config file found, using defaults and environment variables")
		}
	} else if shouldLog {
		logging.Debug("Loaded config file", map[string]interface{}{
			"path": viper.ConfigFileUsed(),
		})
	}

	Config.LogFormat = viper.GetString("app.log_format")
	Config.LogLevel = viper.GetString("app.log_level")
	Config.PoolConcurrencyLimit = viper.GetFloat64("pool.concurrency_limit")
	Config.PoolFrequencyLimit = viper.GetFloat64("pool.frequency_limit")
	Config.PoolFrequencyWindowMs = viper.GetInt("pool.frequency_window_ms")
	Config.GroupProfile = viper.GetString("pool.group_profile")
	Config.MaxWorkers = viper.GetInt("demo.max_workers")
	Config.ResultExportTarget = viper.GetString("export.target")
	Config.ResultExportPath = viper.GetString("export.path")
	Config.ResultExportBucket = viper.GetString("export.bucket")
	Config.ResultExportBucketRegion = viper.GetString("export.bucket_region")

	return nil
}

// SetConfigFile sets a custom config file path and reloads the
// configuration.
func SetConfigFile(configFile string) error {
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// CreateDefaultConfig creates a default config file if it doesn't exist.
func CreateDefaultConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("error getting home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".taskpool")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		defaultConfig := []byte(`# taskpool configuration file

app:
  log_format: text  # Log output format (text or json)
  log_level: INFO   # Set logging level (DEBUG, INFO, WARN, ERROR)

pool:
  concurrency_limit: 0      # 0 means unlimited
  frequency_limit: 0        # 0 means unlimited
  frequency_window_ms: 1000
  group_profile: ""         # name of a section in group-profiles.ini

demo:
  max_workers: 16 # size of the demo workload the run command generates

export:
  target: filesystem  # filesystem or s3
  path: taskpool-results
  bucket: ""
  bucket_region: ""
`)
		if err := os.WriteFile(configPath, defaultConfig, 0644); err != nil {
			return fmt.Errorf("error writing default config file: %w", err)
		}
	}

	return nil
}
