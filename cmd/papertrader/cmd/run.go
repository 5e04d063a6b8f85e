package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rustyeddy/papertrader/engine"
	"github.com/rustyeddy/papertrader/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the live paper-trading engine",
	Long: `Connect to every configured exchange, build order books from the
streams and execute incoming signals against them until interrupted.

Signals arrive from Kafka when signals.kafka.brokers is set.

Example:
  papertrader run -f papertrader.yaml`,
	RunE: runRun,
}

var runConfigPath string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close journal", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	printSnapshot(cmd.OutOrStdout(), a.Engine.Snapshot())
	return nil
}

func printSnapshot(w io.Writer, snap engine.Snapshot) {
	p := snap.Portfolio
	st := p.Stats
	fmt.Fprintln(w, "Portfolio")
	fmt.Fprintf(w, "  Cash:        %s\n", p.Cash.StringFixed(2))
	fmt.Fprintf(w, "  Equity:      %s\n", p.Equity.StringFixed(2))
	fmt.Fprintf(w, "  Realized:    %s\n", p.Realized.StringFixed(2))
	fmt.Fprintf(w, "  Unrealized:  %s\n", p.Unrealized.StringFixed(2))
	fmt.Fprintf(w, "  Day P&L:     %s\n", p.Day.PnL.StringFixed(2))
	for _, pos := range p.Positions {
		fmt.Fprintf(w, "  %-24s %s %s @ %s (mark %s)\n",
			pos.Symbol, pos.Side(), pos.Size(), pos.AvgEntry.StringFixed(2), pos.Mark.StringFixed(2))
	}

	fmt.Fprintln(w, "Trades")
	fmt.Fprintf(w, "  Closed:        %d (won %d, lost %d)\n", st.Trades, st.Wins, st.Losses)
	fmt.Fprintf(w, "  Win rate:      %.1f%%\n", st.WinRate*100)
	fmt.Fprintf(w, "  Profit factor: %.2f\n", st.ProfitFactor)
	fmt.Fprintf(w, "  Sharpe:        %.3f\n", st.Sharpe)
	fmt.Fprintf(w, "  Max drawdown:  %s%%\n", st.MaxDrawdown.Shift(2).StringFixed(2))
	fmt.Fprintf(w, "  Commission:    %s\n", st.Commission.StringFixed(2))

	c := snap.Counters
	fmt.Fprintln(w, "Signals")
	fmt.Fprintf(w, "  Processed: %d  Executed: %d  Rejected: %d  Triggers: %d\n",
		c.SignalsProcessed, c.SignalsExecuted, c.SignalsRejected, c.Triggers)
	fmt.Fprintf(w, "  Orders: %d filled, %d partial, %d rejected, %d cancelled\n",
		snap.Orders.Filled, snap.Orders.Partial, snap.Orders.Rejected, snap.Orders.Cancelled)
}
