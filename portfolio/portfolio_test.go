package portfolio

import (
	"testing"
	"time"

	"github.com/rustyeddy/papertrader/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	btc = market.NewSymbol(market.ExchangeBinance, "BTC-USDT")
	eth = market.NewSymbol(market.ExchangeCoinbase, "ETH-USD")
	t0  = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPortfolio() *Portfolio {
	return New(Config{
		InitialCapital: d("100000"),
		StopLossPct:    d("0.02"),
		TakeProfitPct:  d("0.05"),
		EquityInterval: time.Minute,
	})
}

func fill(t *testing.T, p *Portfolio, sym market.Symbol, side market.Side, qty, price, comm string, at time.Time) FillResult {
	t.Helper()
	res, err := p.ApplyFill(Fill{
		Symbol:     sym,
		Side:       side,
		Quantity:   d(qty),
		Price:      d(price),
		Commission: d(comm),
		Time:       at,
	})
	require.NoError(t, err)
	return res
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s got %s %v", want, got, msgAndArgs)
}

func TestOpenDebitsNotionalAndCommission(t *testing.T) {
	p := newPortfolio()
	res := fill(t, p, btc, market.Buy, "0.02", "50000", "1", t0)

	assert.True(t, res.Opened)
	assertDec(t, "0.02", res.Position.Quantity)
	assertDec(t, "50000", res.Position.AvgEntry)
	assertDec(t, "98999", p.Cash())
	assertDec(t, "99999", p.Equity())
	assertDec(t, "49000", res.Position.StopLoss)
	assertDec(t, "52500", res.Position.TakeProfit)
}

func TestFullCloseRealizesExactly(t *testing.T) {
	p := newPortfolio()
	fill(t, p, btc, market.Buy, "1", "100", "0.1", t0)
	res := fill(t, p, btc, market.Sell, "1", "110", "0.11", t0.Add(time.Minute))

	assert.True(t, res.Removed)
	assertDec(t, "10", res.Realized)
	require.NotNil(t, res.Closed)
	assertDec(t, "10", res.Closed.Gross)
	assertDec(t, "0.21", res.Closed.Commission)
	assertDec(t, "9.79", res.Closed.Net)
	assert.Equal(t, market.Buy, res.Closed.Side)

	_, ok := p.Position(btc)
	assert.False(t, ok)
	assertDec(t, "100009.79", p.Cash())
	assertDec(t, "100009.79", p.Equity())
}

func TestShortCloseRealizesWithSign(t *testing.T) {
	p := newPortfolio()
	fill(t, p, btc, market.Sell, "3", "200", "0", t0)
	assertDec(t, "100600", p.Cash())

	res := fill(t, p, btc, market.Buy, "3", "180", "0", t0)
	assert.True(t, res.Removed)
	assertDec(t, "60", res.Realized)
	assertDec(t, "100060", p.Equity())
}

func TestSameSideAveragesEntry(t *testing.T) {
	p := newPortfolio()
	fill(t, p, btc, market.Buy, "1", "100", "0", t0)
	res := fill(t, p, btc, market.Buy, "3", "104", "0", t0)

	assert.False(t, res.Opened)
	assertDec(t, "4", res.Position.Quantity)
	assertDec(t, "103", res.Position.AvgEntry)
	assertDec(t, "100.94", res.Position.StopLoss)
}

func TestPartialCloseSplitsCommission(t *testing.T) {
	p := newPortfolio()
	fill(t, p, btc, market.Buy, "4", "100", "0.4", t0)
	res := fill(t, p, btc, market.Sell, "1", "110", "0.11", t0)

	assert.False(t, res.Removed)
	assertDec(t, "3", res.Position.Quantity)
	assertDec(t, "100", res.Position.AvgEntry)
	assertDec(t, "0.3", res.Position.EntryCommission)
	assertDec(t, "9.79", res.Closed.Net)
	assertDec(t, "10", res.Position.Realized)
}

func TestOppositeFillFlips(t *testing.T) {
	p := newPortfolio()
	fill(t, p, btc, market.Buy, "2", "100", "0", t0)
	res := fill(t, p, btc, market.Sell, "3", "90", "0.3", t0)

	assert.True(t, res.Flipped)
	assert.True(t, res.Opened)
	assertDec(t, "-20", res.Realized)
	assertDec(t, "-1", res.Position.Quantity)
	assertDec(t, "90", res.Position.AvgEntry)
	assertDec(t, "0.1", res.Position.EntryCommission)
	assertDec(t, "0.2", res.Closed.Commission)
	assertDec(t, "100069.7", p.Cash())
	assertDec(t, "99979.7", p.Equity())
}

func TestInsufficientCashLeavesStateUnchanged(t *testing.T) {
	p := newPortfolio()
	_, err := p.ApplyFill(Fill{Symbol: btc, Side: market.Buy, Quantity: d("3"), Price: d("50000"), Time: t0})
	assert.ErrorIs(t, err, ErrInsufficientCash)
	assertDec(t, "100000", p.Cash())
	assert.Empty(t, p.Positions())

	_, err = p.ApplyFill(Fill{Symbol: btc, Side: market.Buy, Quantity: d("0"), Price: d("1")})
	assert.ErrorIs(t, err, ErrBadFill)
}

func TestMarkUpdatesUnrealized(t *testing.T) {
	p := newPortfolio()
	fill(t, p, btc, market.Buy, "2", "100", "0", t0)
	fill(t, p, eth, market.Sell, "1", "50", "0", t0)

	pos, ok := p.Mark(btc, d("90"), t0.Add(time.Second))
	require.True(t, ok)
	assertDec(t, "-20", pos.Unrealized)
	assertDec(t, "-0.1", pos.UnrealizedPct())

	pos, ok = p.Mark(eth, d("40"), t0.Add(time.Second))
	require.True(t, ok)
	assertDec(t, "10", pos.Unrealized)

	_, ok = p.Mark(market.NewSymbol(market.ExchangeKraken, "XRP-USD"), d("1"), t0)
	assert.False(t, ok)

	snap := p.Snapshot()
	assertDec(t, "-10", snap.Unrealized)
	assertDec(t, "99990", snap.Equity)
	require.Len(t, snap.Positions, 2)
	assert.Equal(t, btc, snap.Positions[0].Symbol)
}

func TestTradingDayRolls(t *testing.T) {
	p := newPortfolio()
	fill(t, p, btc, market.Buy, "10", "1000", "0", t0)
	p.Mark(btc, d("950"), t0.Add(time.Hour))

	day := p.Day()
	assert.True(t, day.Date.Equal(time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)))
	assertDec(t, "100000", day.StartEquity)
	assertDec(t, "-500", day.PnL)
	assertDec(t, "-0.005", day.PnLPct())

	assert.False(t, p.RollDay(t0.Add(2*time.Hour)))
	assert.True(t, p.RollDay(t0.Add(24*time.Hour)))
	day = p.Day()
	assertDec(t, "99500", day.StartEquity)
	assert.True(t, day.PnL.IsZero())
}

func TestDrawdownAndEquityCurve(t *testing.T) {
	p := newPortfolio()
	fill(t, p, btc, market.Buy, "1", "1000", "0", t0)
	p.Mark(btc, d("900"), t0.Add(10*time.Second))
	p.Mark(btc, d("1200"), t0.Add(20*time.Second))
	p.Mark(btc, d("1100"), t0.Add(2*time.Minute))

	st := p.Stats()
	assertDec(t, "0.001", st.MaxDrawdown)

	curve := p.EquityCurve()
	require.Len(t, curve, 2, "marks inside the interval are not sampled")
	assertDec(t, "100000", curve[0].Equity)
	assertDec(t, "100100", curve[1].Equity)
}

func TestStats(t *testing.T) {
	p := newPortfolio()
	fill(t, p, btc, market.Buy, "1", "100", "0", t0)
	fill(t, p, btc, market.Sell, "1", "110", "0", t0)
	fill(t, p, btc, market.Buy, "1", "100", "0", t0)
	fill(t, p, btc, market.Sell, "1", "95", "0", t0)
	fill(t, p, eth, market.Buy, "2", "50", "0", t0)
	fill(t, p, eth, market.Sell, "2", "55", "0", t0)

	st := p.Stats()
	assert.Equal(t, 3, st.Trades)
	assert.Equal(t, 2, st.Wins)
	assert.Equal(t, 1, st.Losses)
	assert.InDelta(t, 2.0/3.0, st.WinRate, 1e-9)
	assertDec(t, "10", st.AvgWin)
	assertDec(t, "5", st.AvgLoss)
	assert.InDelta(t, 4.0, st.ProfitFactor, 1e-9)
	assert.InDelta(t, 0.70710678, st.Sharpe, 1e-6)
	assertDec(t, "15", st.Realized)
	assert.Len(t, p.Trades(), 3)
}

func TestSharpeNeedsTwoTrades(t *testing.T) {
	p := newPortfolio()
	fill(t, p, btc, market.Buy, "1", "100", "0", t0)
	fill(t, p, btc, market.Sell, "1", "110", "0", t0)
	st := p.Stats()
	assert.Zero(t, st.Sharpe)
	assert.Zero(t, st.ProfitFactor)
	assert.Equal(t, 1.0, st.WinRate)
}
