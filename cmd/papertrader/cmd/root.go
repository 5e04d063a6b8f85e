package cmd

import (
	"github.com/rustyeddy/papertrader/config"
	"github.com/rustyeddy/papertrader/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "papertrader",
	Short: "Paper-trading engine for live crypto market data",
	Long: `Papertrader ingests order-book streams from several exchanges, accepts
trading signals and simulates their execution against the live book.

It provides tools for:
  - Running the live engine from a config file
  - Replaying recorded market data and signals deterministically
  - Generating and validating configuration
  - Querying the SQLite trade journal

No real orders are ever placed.`,
	SilenceUsage: true,
}

var (
	logLevel string
	logDev   bool
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logDev, "log-dev", false, "human-readable console logs")
}

// loadConfig reads path (or the defaults when empty), then applies the
// environment and the logging flags.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logDev {
		cfg.Log.Development = true
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
}
