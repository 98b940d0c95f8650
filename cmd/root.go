package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/emptyset-io/taskpool/cmd/run"
	"github.com/emptyset-io/taskpool/cmd/version"
	"github.com/emptyset-io/taskpool/internal/config"
	"github.com/emptyset-io/taskpool/internal/logging"
)

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	var (
		logLevel   string
		configFile string
	)

	// Initialize config
	if err := config.InitConfig(false, nil); err != nil {
		return err
	}

	// Create default config if it doesn't exist
	if err := config.CreateDefaultConfig(); err != nil {
		return err
	}

	rootCmd := &cobra.Command{
		Use:   "taskpool",
		Short: "taskpool - a cooperative scheduler for frequency/concurrency limited async work",
		Long: `taskpool is a command-line demo of a cooperative scheduler that regulates
concurrency and frequency of asynchronous work, globally, per-task, and
per-group, with a persistent batcher built on top.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}

			if configFile != "" {
				if err := config.SetConfigFile(configFile); err != nil {
					return err
				}
			}
			config.LogConfigurationSources(true, cmd)

			logFormat := logging.Text
			if config.Config.LogFormat == "json" {
				logFormat = logging.JSON
			}

			var level logging.Level
			switch strings.ToUpper(logLevel) {
			case "DEBUG":
				level = logging.DEBUG
			case "WARN":
				level = logging.WARN
			case "ERROR":
				level = logging.ERROR
			default:
				level = logging.INFO
			}

			logging.Configure(logging.LogConfig{
				Level:  level,
				Format: logFormat,
			})
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&config.Config.LogFormat, "log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Set logging level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().Float64Var(&config.Config.PoolConcurrencyLimit, "pool-concurrency-limit", config.Config.PoolConcurrencyLimit, "Maximum simultaneously outstanding operations (0 means unlimited)")
	rootCmd.PersistentFlags().Float64Var(&config.Config.PoolFrequencyLimit, "pool-frequency-limit", config.Config.PoolFrequencyLimit, "Maximum operation starts per frequency window (0 means unlimited)")
	rootCmd.PersistentFlags().IntVar(&config.Config.PoolFrequencyWindowMs, "pool-frequency-window-ms", config.Config.PoolFrequencyWindowMs, "Frequency window in milliseconds")
	rootCmd.PersistentFlags().StringVar(&config.Config.GroupProfile, "group-profile", config.Config.GroupProfile, "Named group limit profile from group-profiles.ini")
	rootCmd.PersistentFlags().IntVar(&config.Config.MaxWorkers, "max-workers", config.Config.MaxWorkers, "Number of simulated jobs the run command generates")
	rootCmd.PersistentFlags().StringVar(&config.Config.ResultExportTarget, "export-target", config.Config.ResultExportTarget, "Result export target (filesystem or s3)")
	rootCmd.PersistentFlags().StringVar(&config.Config.ResultExportPath, "export-path", config.Config.ResultExportPath, "Result export path or S3 key prefix")
	rootCmd.PersistentFlags().StringVar(&config.Config.ResultExportBucket, "export-bucket", config.Config.ResultExportBucket, "S3 bucket for result export")
	rootCmd.PersistentFlags().StringVar(&config.Config.ResultExportBucketRegion, "export-bucket-region", config.Config.ResultExportBucketRegion, "S3 bucket region for result export")

	// Add commands
	rootCmd.AddCommand(run.NewRunCmd())
	rootCmd.AddCommand(version.NewVersionCmd())

	return rootCmd.Execute()
}
