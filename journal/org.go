package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatTradeOrg renders a trade as an Org-mode entry. Facts go in the
// PROPERTIES drawer so they stay searchable; the Review heading is left
// for notes.
func FormatTradeOrg(t TradeRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "** %s %s %s (%s)\n", t.Side, t.Quantity, t.Symbol, shortID(t.TradeID))
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":TRADE_ID: %s\n", t.TradeID)
	fmt.Fprintf(&b, ":SYMBOL: %s\n", t.Symbol)
	fmt.Fprintf(&b, ":SIDE: %s\n", t.Side)
	fmt.Fprintf(&b, ":QUANTITY: %s\n", t.Quantity)
	fmt.Fprintf(&b, ":ENTRY_PRICE: %s\n", t.EntryPrice)
	fmt.Fprintf(&b, ":EXIT_PRICE: %s\n", t.ExitPrice)
	fmt.Fprintf(&b, ":OPEN_TIME: %s\n", t.OpenTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, ":CLOSE_TIME: %s\n", t.CloseTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, ":HELD: %s\n", t.CloseTime.Sub(t.OpenTime).Round(time.Second))
	fmt.Fprintf(&b, ":NET_PL: %s\n", t.RealizedPL.StringFixed(2))
	fmt.Fprintf(&b, ":COMMISSION: %s\n", t.Commission.StringFixed(2))
	fmt.Fprintf(&b, ":REASON: %s\n", t.Reason)
	b.WriteString(":END:\n\n")
	b.WriteString("*** Review\n- \n")
	return b.String()
}

// FormatTradesOrg renders trades separated by blank lines.
func FormatTradesOrg(trades []TradeRecord) string {
	parts := make([]string, len(trades))
	for i, t := range trades {
		parts[i] = FormatTradeOrg(t)
	}
	return strings.Join(parts, "\n")
}

// ULIDs share their leading time characters; the tail tells trades apart.
func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[len(full)-8:]
}
