package cmd

import (
	"fmt"

	"github.com/rustyeddy/papertrader/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage papertrader configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  papertrader config init -o papertrader.yaml
  papertrader config validate -f papertrader.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Long: `Create a new configuration file with default settings and one example
exchange.

Example:
  papertrader config init -o papertrader.yaml`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Check if a configuration file is valid and can be loaded.

Example:
  papertrader config validate -f papertrader.yaml`,
	RunE: runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "papertrader.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	cfg.Exchanges = []config.ExchangeConfig{{
		Name:    "binance",
		URL:     "wss://stream.binance.com:9443/ws",
		Symbols: []string{"BTC-USDT", "ETH-USDT"},
	}}
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nEdit the file and run with:")
	fmt.Fprintf(out, "  papertrader run -f %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Capital: %.2f (commission %.3f%%, slippage %s %.4f%%)\n",
		cfg.Engine.InitialCapital, cfg.Engine.CommissionRate*100, cfg.Engine.Slippage.Model, cfg.Engine.Slippage.Pct*100)
	fmt.Fprintf(out, "  Risk: max position %.1f%%, daily loss %.1f%%, heat %.1f%%\n",
		cfg.Risk.MaxPositionPct*100, cfg.Risk.MaxDailyLossPct*100, cfg.Risk.MaxHeatPct*100)
	for _, ex := range cfg.Exchanges {
		fmt.Fprintf(out, "  Exchange: %s %v\n", ex.Name, ex.Symbols)
	}
	if cfg.Signals.Kafka.Enabled() {
		fmt.Fprintf(out, "  Kafka: %s %v\n", cfg.Signals.Kafka.Topic, cfg.Signals.Kafka.Brokers)
	}
	fmt.Fprintf(out, "  Journal: %s\n", cfg.Journal.Type)
	return nil
}
