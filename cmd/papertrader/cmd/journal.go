package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rustyeddy/papertrader/journal"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the SQLite trade journal",
	Long: `Query and display records written by the sqlite journal.

Subcommands:
  trade   - Get details of a specific trade by ID
  trades  - List trades closed on a UTC day (today by default)
  equity  - List equity points recorded on a UTC day
  orders  - Count orders by status

Examples:
  papertrader journal trade 01HZX3J5W4AYS2X9V1D0M3T8QF
  papertrader journal trades --day 2024-06-03
  papertrader journal equity -d papertrader.db`,
}

var journalTradeCmd = &cobra.Command{
	Use:   "trade <trade-id>",
	Short: "Get details of a specific trade",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTrade,
}

var journalTradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "List trades closed on a day",
	Args:  cobra.NoArgs,
	RunE:  runJournalTrades,
}

var journalEquityCmd = &cobra.Command{
	Use:   "equity",
	Short: "List equity points recorded on a day",
	Args:  cobra.NoArgs,
	RunE:  runJournalEquity,
}

var journalOrdersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Count orders by status",
	Args:  cobra.NoArgs,
	RunE:  runJournalOrders,
}

var (
	journalDBPath string
	journalDay    string
	journalOrg    bool
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalTradeCmd)
	journalCmd.AddCommand(journalTradesCmd)
	journalCmd.AddCommand(journalEquityCmd)
	journalCmd.AddCommand(journalOrdersCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./papertrader.db", "path to SQLite journal DB")
	journalCmd.PersistentFlags().BoolVar(&journalOrg, "org", false, "render trades as Org-mode entries")
	journalTradesCmd.Flags().StringVar(&journalDay, "day", "", "UTC day as YYYY-MM-DD (default today)")
	journalEquityCmd.Flags().StringVar(&journalDay, "day", "", "UTC day as YYYY-MM-DD (default today)")
}

func runJournalTrade(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	rec, err := j.GetTrade(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get trade: %w", err)
	}

	out := cmd.OutOrStdout()
	if journalOrg {
		fmt.Fprint(out, journal.FormatTradeOrg(rec))
		return nil
	}
	fmt.Fprintf(out, "Trade %s\n", rec.TradeID)
	fmt.Fprintf(out, "  Symbol:     %s\n", rec.Symbol)
	fmt.Fprintf(out, "  Side:       %s\n", rec.Side)
	fmt.Fprintf(out, "  Quantity:   %s\n", rec.Quantity)
	fmt.Fprintf(out, "  Entry:      %s at %s\n", rec.EntryPrice, rec.OpenTime.Format(time.RFC3339))
	fmt.Fprintf(out, "  Exit:       %s at %s\n", rec.ExitPrice, rec.CloseTime.Format(time.RFC3339))
	fmt.Fprintf(out, "  Net P&L:    %s\n", rec.RealizedPL.StringFixed(2))
	fmt.Fprintf(out, "  Commission: %s\n", rec.Commission.StringFixed(2))
	fmt.Fprintf(out, "  Reason:     %s\n", rec.Reason)
	return nil
}

func runJournalTrades(cmd *cobra.Command, args []string) error {
	start, end, err := dayBounds(journalDay, time.Now())
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	recs, err := j.ListTradesClosedBetween(cmd.Context(), start, end)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	if journalOrg {
		fmt.Fprint(cmd.OutOrStdout(), journal.FormatTradesOrg(recs))
		return nil
	}
	printTrades(cmd.OutOrStdout(), recs)
	return nil
}

func runJournalEquity(cmd *cobra.Command, args []string) error {
	start, end, err := dayBounds(journalDay, time.Now())
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	points, err := j.ListEquityBetween(cmd.Context(), start, end)
	if err != nil {
		return fmt.Errorf("query equity: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCASH\tEQUITY\tREALIZED\tUNREALIZED\tDRAWDOWN")
	for _, p := range points {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Time.Format(time.RFC3339), p.Cash.StringFixed(2), p.Equity.StringFixed(2),
			p.Realized.StringFixed(2), p.Unrealized.StringFixed(2), p.Drawdown.StringFixed(4))
	}
	return tw.Flush()
}

func runJournalOrders(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	counts, err := j.CountOrders(cmd.Context())
	if err != nil {
		return fmt.Errorf("count orders: %w", err)
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	out := cmd.OutOrStdout()
	for _, s := range statuses {
		fmt.Fprintf(out, "%-16s %d\n", s, counts[s])
	}
	return nil
}

func printTrades(w io.Writer, recs []journal.TradeRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no trades")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLOSED\tID\tSYMBOL\tSIDE\tQTY\tENTRY\tEXIT\tNET\tREASON")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CloseTime.Format("15:04:05"), r.TradeID, r.Symbol, r.Side, r.Quantity,
			r.EntryPrice, r.ExitPrice, r.RealizedPL.StringFixed(2), r.Reason)
	}
	tw.Flush()
}

// dayBounds returns the UTC trading day [start, end) for day, or for now
// when day is empty.
func dayBounds(day string, now time.Time) (time.Time, time.Time, error) {
	var t time.Time
	if day == "" {
		t = now.UTC()
	} else {
		var err error
		if t, err = time.ParseInLocation("2006-01-02", day, time.UTC); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1), nil
}
