package journal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTradeOrg(t *testing.T) {
	closed := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	out := FormatTradeOrg(sampleTrade("01J0000000000000000ABCDEFGH", closed))

	assert.True(t, strings.HasPrefix(out, "** buy 0.02 binance:BTC-USDT (ABCDEFGH)\n"), out)
	assert.Contains(t, out, ":TRADE_ID: 01J0000000000000000ABCDEFGH\n")
	assert.Contains(t, out, ":OPEN_TIME: 2024-06-03T11:00:00Z\n")
	assert.Contains(t, out, ":HELD: 1h0m0s\n")
	assert.Contains(t, out, ":NET_PL: 17.95\n")
	assert.Contains(t, out, ":REASON: take-profit\n")
	assert.Contains(t, out, ":END:\n")
}

func TestFormatTradesOrg(t *testing.T) {
	closed := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	out := FormatTradesOrg([]TradeRecord{sampleTrade("a", closed), sampleTrade("b", closed)})
	assert.Equal(t, 2, strings.Count(out, ":PROPERTIES:"))
	assert.Contains(t, out, "(a)")
	assert.Contains(t, out, "(b)")
	assert.Empty(t, FormatTradesOrg(nil))
}
