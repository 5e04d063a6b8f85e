package sim

import (
	"context"
	"testing"
	"time"

	"github.com/rustyeddy/papertrader/book"
	"github.com/rustyeddy/papertrader/journal"
	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/portfolio"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	btc = market.NewSymbol(market.ExchangeBinance, "BTC-USDT")
	t0  = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, size string) market.Level {
	return market.Level{Price: d(price), Size: d(size)}
}

type testJournal struct {
	journal.Discard
	orders []journal.OrderRecord
	trades []journal.TradeRecord
}

func (j *testJournal) RecordTrade(t journal.TradeRecord) error {
	j.trades = append(j.trades, t)
	return nil
}

func (j *testJournal) RecordOrder(o journal.OrderRecord) error {
	j.orders = append(j.orders, o)
	return nil
}

type listener struct{ got []Order }

func (l *listener) OnOrder(o Order) { l.got = append(l.got, o) }

type fixture struct {
	store *book.Store
	pf    *portfolio.Portfolio
	om    *Manager
	j     *testJournal
}

func newFixture(t *testing.T, capital string, slip SlippageModel) *fixture {
	t.Helper()
	f := &fixture{
		store: book.NewStore(),
		pf:    portfolio.New(portfolio.Config{InitialCapital: d(capital)}),
		j:     &testJournal{},
	}
	f.om = NewManager(Config{CommissionRate: d("0.001"), Slippage: slip}, f.store, f.pf, f.j, nil)
	require.NoError(t, f.store.Apply(market.BookSnapshot{
		Header: market.Header{Symbol: btc, Seq: 1, Time: t0},
		Bids:   []market.Level{lvl("99", "1"), lvl("98", "2"), lvl("97", "3")},
		Asks:   []market.Level{lvl("101", "1"), lvl("102", "2"), lvl("103", "3")},
	}))
	return f
}

func depth() SlippageModel { return SlippageModel{Kind: SlippageDepth} }

func TestExecuteNotionalAtBestPrice(t *testing.T) {
	f := newFixture(t, "100000", depth())
	require.NoError(t, f.store.Apply(market.BookSnapshot{
		Header: market.Header{Symbol: btc, Seq: 2, Time: t0},
		Bids:   []market.Level{lvl("49990", "1")},
		Asks:   []market.Level{lvl("50000", "1")},
	}))

	o, err := f.om.Execute(context.Background(), Request{SignalID: "sig-1", Symbol: btc, Side: market.Buy, Notional: d("1000"), Time: t0})
	require.NoError(t, err)
	assert.Equal(t, Filled, o.Status)
	assert.True(t, o.Filled.Equal(d("0.02")), o.Filled.String())
	assert.True(t, o.FillPrice.Equal(d("50000")))
	assert.True(t, o.Commission.Equal(d("1")))
	assert.True(t, o.RejectedQty.IsZero())
	assert.True(t, f.pf.Cash().Equal(d("98999")), f.pf.Cash().String())

	require.Len(t, f.j.orders, 1)
	assert.Equal(t, "filled", f.j.orders[0].Status)
	assert.Equal(t, "sig-1", f.j.orders[0].SignalID)
}

func TestExecuteWalksDepth(t *testing.T) {
	f := newFixture(t, "100000", depth())
	o, err := f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Buy, Quantity: d("2.5"), Time: t0})
	require.NoError(t, err)

	assert.Equal(t, Filled, o.Status)
	assert.Equal(t, 2, o.Levels)
	assert.True(t, o.FillPrice.Equal(d("101.6")), o.FillPrice.String())
	assert.True(t, o.Notional.Equal(d("254")))
	assert.True(t, o.RefPrice.Equal(d("101")))
	assert.True(t, o.SlippageBps().GreaterThan(decimal.Zero))

	// The book is not consumed by simulated fills.
	require.NoError(t, f.store.View(btc, func(b *book.Book) error {
		ask, _ := b.BestAsk()
		assert.True(t, ask.Size.Equal(d("1")))
		return nil
	}))
}

func TestExecuteCapsNotionalAtMaxQuantity(t *testing.T) {
	f := newFixture(t, "100000", depth())
	o, err := f.om.Execute(context.Background(), Request{
		Symbol:      btc,
		Side:        market.Buy,
		Notional:    d("505"),
		MaxQuantity: d("2"),
		Time:        t0,
	})
	require.NoError(t, err)
	assert.Equal(t, Filled, o.Status)
	assert.True(t, o.Requested.Equal(d("2")), o.Requested.String())
	assert.True(t, o.Filled.Equal(d("2")), o.Filled.String())
	assert.True(t, o.FillPrice.Equal(d("101.5")), o.FillPrice.String())
}

func TestExecutePartialFillRejectsRemainder(t *testing.T) {
	f := newFixture(t, "100000", depth())
	o, err := f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Sell, Quantity: d("10"), Time: t0})
	require.NoError(t, err)

	assert.Equal(t, PartiallyFilled, o.Status)
	assert.True(t, o.Filled.Equal(d("6")))
	assert.True(t, o.RejectedQty.Equal(d("4")))

	pos, ok := f.pf.Position(btc)
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("-6")))
	assert.Equal(t, uint64(1), f.om.Stats().Partial)
}

func TestExecuteNoLiquidity(t *testing.T) {
	f := newFixture(t, "100000", depth())
	require.NoError(t, f.store.Apply(market.BookSnapshot{
		Header: market.Header{Symbol: btc, Seq: 5, Time: t0},
		Bids:   []market.Level{lvl("99", "1")},
	}))

	o, err := f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Buy, Quantity: d("1"), Time: t0})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, Rejected, o.Status)
	assert.True(t, o.RejectedQty.Equal(d("1")))

	_, err = f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Buy, Notional: d("100"), Time: t0})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Empty(t, f.pf.Positions())
}

func TestFixedSlippage(t *testing.T) {
	f := newFixture(t, "100000", SlippageModel{Kind: SlippageFixed, Pct: d("0.0001")})

	o, err := f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Buy, Quantity: d("3"), Time: t0})
	require.NoError(t, err)
	assert.True(t, o.FillPrice.Equal(d("101.0101")), o.FillPrice.String())
	assert.True(t, o.SlippageBps().Equal(d("1")), o.SlippageBps().String())

	o, err = f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Sell, Quantity: d("1"), Time: t0})
	require.NoError(t, err)
	assert.True(t, o.FillPrice.Equal(d("98.9901")), o.FillPrice.String())
}

func TestNoSlippageUsesBest(t *testing.T) {
	f := newFixture(t, "100000", SlippageModel{Kind: SlippageNone})
	o, err := f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Buy, Quantity: d("3"), Time: t0})
	require.NoError(t, err)
	assert.True(t, o.FillPrice.Equal(d("101")))
}

func TestExecuteRejectsStaleAndMissingBooks(t *testing.T) {
	f := newFixture(t, "100000", depth())
	err := f.store.Apply(market.BookDelta{Header: market.Header{Symbol: btc, Seq: 3}})
	require.ErrorIs(t, err, book.ErrSequenceGap)

	o, err := f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Buy, Quantity: d("1"), Time: t0})
	assert.ErrorIs(t, err, book.ErrSequenceGap)
	assert.Equal(t, Rejected, o.Status)

	eth := market.NewSymbol(market.ExchangeBinance, "ETH-USDT")
	_, err = f.om.Execute(context.Background(), Request{Symbol: eth, Side: market.Buy, Quantity: d("1"), Time: t0})
	assert.ErrorIs(t, err, book.ErrNoBook)
	assert.Equal(t, uint64(2), f.om.Stats().Rejected)
}

func TestExecuteInsufficientCash(t *testing.T) {
	f := newFixture(t, "150", depth())
	o, err := f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Buy, Quantity: d("2"), Time: t0})
	assert.ErrorIs(t, err, portfolio.ErrInsufficientCash)
	assert.Equal(t, Rejected, o.Status)
	assert.True(t, f.pf.Cash().Equal(d("150")))
}

func TestExecuteCancelledContext(t *testing.T) {
	f := newFixture(t, "100000", depth())
	l := &listener{}
	f.om.SetListener(l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o, err := f.om.Execute(ctx, Request{Symbol: btc, Side: market.Buy, Quantity: d("1"), Time: t0})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Cancelled, o.Status)
	assert.Empty(t, f.pf.Positions())

	c := f.om.Cancel(Request{SignalID: "queued", Symbol: btc, Side: market.Sell}, "shutdown")
	assert.Equal(t, Cancelled, c.Status)

	require.Len(t, l.got, 2)
	st := f.om.Stats()
	assert.Equal(t, uint64(2), st.Cancelled)
	assert.Zero(t, st.FillRate())
}

func TestExecuteBadRequest(t *testing.T) {
	f := newFixture(t, "100000", depth())
	_, err := f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Buy})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Buy, Notional: d("0.000000001")})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestParseSlippageKind(t *testing.T) {
	for _, k := range []SlippageKind{SlippageNone, SlippageFixed, SlippageDepth} {
		got, err := ParseSlippageKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseSlippageKind("magic")
	assert.Error(t, err)
}

func TestClosingFillJournalsTrade(t *testing.T) {
	f := newFixture(t, "100000", SlippageModel{Kind: SlippageNone})
	_, err := f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Buy, Quantity: d("1"), Time: t0})
	require.NoError(t, err)
	assert.Empty(t, f.j.trades)

	o, err := f.om.Execute(context.Background(), Request{Symbol: btc, Side: market.Sell, Quantity: d("1"), Reason: "close", Time: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.NotNil(t, o.Closed)
	require.Len(t, f.j.trades, 1)

	tr := f.j.trades[0]
	assert.Equal(t, "close", tr.Reason)
	assert.True(t, tr.EntryPrice.Equal(d("101")))
	assert.True(t, tr.ExitPrice.Equal(d("99")))
	// -2 gross less 0.101 + 0.099 commission
	assert.True(t, tr.RealizedPL.Equal(d("-2.2")), tr.RealizedPL.String())
}
