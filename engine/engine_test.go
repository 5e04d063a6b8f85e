package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rustyeddy/papertrader/book"
	"github.com/rustyeddy/papertrader/ingest"
	"github.com/rustyeddy/papertrader/journal"
	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/portfolio"
	"github.com/rustyeddy/papertrader/risk"
	"github.com/rustyeddy/papertrader/signal"
	"github.com/rustyeddy/papertrader/sim"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	btc = market.NewSymbol(market.ExchangeBinance, "BTC-USDT")
	t0  = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type memJournal struct {
	journal.Discard
	trades []journal.TradeRecord
	equity []journal.EquitySnapshot
}

func (j *memJournal) RecordTrade(t journal.TradeRecord) error {
	j.trades = append(j.trades, t)
	return nil
}

func (j *memJournal) RecordEquity(e journal.EquitySnapshot) error {
	j.equity = append(j.equity, e)
	return nil
}

type harness struct {
	eng    *Engine
	store  *book.Store
	pf     *portfolio.Portfolio
	intake *signal.Intake
	j      *memJournal
}

func newHarness(t *testing.T, limits risk.Limits, venues Venues) *harness {
	t.Helper()
	h := &harness{
		store:  book.NewStore(),
		intake: signal.NewIntake(signal.IntakeConfig{Symbols: []market.Symbol{btc}, QueueDepth: 16}, nil),
		j:      &memJournal{},
	}
	h.pf = portfolio.New(portfolio.Config{
		InitialCapital: d("100000"),
		StopLossPct:    limits.StopLossPct,
		TakeProfitPct:  limits.TakeProfitPct,
	})
	orders := sim.NewManager(sim.Config{
		CommissionRate: d("0.001"),
		Slippage:       sim.SlippageModel{Kind: sim.SlippageDepth},
	}, h.store, h.pf, h.j, nil)

	var err error
	h.eng, err = New(Config{}, Deps{
		Store:     h.store,
		Portfolio: h.pf,
		Risk:      risk.NewManager(limits, nil),
		Orders:    orders,
		Intake:    h.intake,
		Venues:    venues,
		Journal:   h.j,
	}, nil)
	require.NoError(t, err)
	return h
}

func snap(seq uint64, at time.Time, bid, ask string) market.BookSnapshot {
	return market.BookSnapshot{
		Header: market.Header{Symbol: btc, Seq: seq, Time: at},
		Bids:   []market.Level{{Price: d(bid), Size: d("1000")}},
		Asks:   []market.Level{{Price: d(ask), Size: d("1000")}},
	}
}

func buySig(hint string, at time.Time) signal.TradingSignal {
	return signal.TradingSignal{ID: "buy-" + hint, Symbol: btc, Action: signal.BuyNotional(d(hint)), Confidence: 0.8, Time: at}
}

func closeSig(at time.Time) signal.TradingSignal {
	return signal.TradingSignal{ID: "close", Symbol: btc, Action: signal.Close(), Confidence: 1, Time: at}
}

func TestBuyWithNotionalHint(t *testing.T) {
	h := newHarness(t, risk.DefaultLimits(), nil)
	h.eng.HandleEvent(context.Background(), snap(1, t0, "49990", "50000"))

	res := h.eng.HandleSignal(context.Background(), buySig("1000", t0))
	require.NoError(t, res.Err)
	require.NotNil(t, res.Order)
	assert.Equal(t, sim.Filled, res.Order.Status)
	assert.True(t, res.Order.Filled.Equal(d("0.02")))
	assert.True(t, res.Order.FillPrice.Equal(d("50000")))

	pos, ok := h.pf.Position(btc)
	require.True(t, ok)
	assert.True(t, pos.AvgEntry.Equal(d("50000")))
	assert.True(t, d("100000").Sub(h.pf.Cash()).Equal(d("1001")), h.pf.Cash().String())

	c := h.eng.Counters()
	assert.Equal(t, uint64(1), c.SignalsProcessed)
	assert.Equal(t, uint64(1), c.SignalsExecuted)
}

func TestCloseRealizesAndRemovesPosition(t *testing.T) {
	limits := risk.DefaultLimits()
	limits.TakeProfitPct = d("0.5")
	h := newHarness(t, limits, nil)
	ctx := context.Background()

	h.eng.HandleEvent(ctx, snap(1, t0, "99", "100"))
	res := h.eng.HandleSignal(ctx, buySig("100", t0))
	require.NoError(t, res.Err)
	require.True(t, res.Order.Filled.Equal(d("1")))

	h.eng.HandleEvent(ctx, snap(2, t0.Add(time.Minute), "110", "111"))
	res = h.eng.HandleSignal(ctx, closeSig(t0.Add(time.Minute)))
	require.NoError(t, res.Err)
	require.NotNil(t, res.Order.Closed)
	assert.True(t, res.Order.Closed.Gross.Equal(d("10")))
	assert.True(t, res.Order.Closed.Net.Equal(d("9.79")), res.Order.Closed.Net.String())
	assert.Nil(t, res.Decision, "close bypasses the gate")

	_, ok := h.pf.Position(btc)
	assert.False(t, ok)
	assert.True(t, h.pf.Snapshot().Realized.Equal(d("10")))
	require.Len(t, h.j.trades, 1)
	assert.Equal(t, "close", h.j.trades[0].Reason)

	res = h.eng.HandleSignal(ctx, closeSig(t0.Add(time.Minute)))
	assert.ErrorIs(t, res.Err, ErrNoPosition)
}

func TestReducingSellStopsAtFlat(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name   string
		action signal.Action
	}{
		{name: "no hint", action: signal.Sell()},
		{name: "hint above size times bid", action: signal.SellNotional(d("99.3"))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, risk.DefaultLimits(), nil)
			h.eng.HandleEvent(ctx, snap(1, t0, "99", "100"))
			res := h.eng.HandleSignal(ctx, buySig("100", t0))
			require.NoError(t, res.Err)
			require.True(t, res.Order.Filled.Equal(d("1")))

			// Mark is the 99.5 mid, above the 99 bid the sell fills at.
			h.eng.HandleEvent(ctx, snap(2, t0.Add(time.Minute), "99", "100"))
			res = h.eng.HandleSignal(ctx, signal.TradingSignal{
				ID:         "sell",
				Symbol:     btc,
				Action:     tc.action,
				Confidence: 0.8,
				Time:       t0.Add(time.Minute),
			})
			require.NoError(t, res.Err)
			require.NotNil(t, res.Decision)
			assert.False(t, res.Decision.Opening)
			assert.True(t, res.Order.Filled.Equal(d("1")), res.Order.Filled.String())

			_, open := h.pf.Position(btc)
			assert.False(t, open, "no residual short")
		})
	}
}

func TestDailyLossLimitUntilNextDay(t *testing.T) {
	limits := risk.DefaultLimits()
	limits.StopLossPct = d("0.9")
	limits.MaxHeatPct = d("1")
	h := newHarness(t, limits, nil)
	ctx := context.Background()

	h.eng.HandleEvent(ctx, snap(1, t0, "99.9", "100"))
	res := h.eng.HandleSignal(ctx, buySig("10000", t0))
	require.NoError(t, res.Err)

	h.eng.HandleEvent(ctx, snap(2, t0.Add(time.Hour), "48.9", "49.1"))
	day := h.pf.Day()
	require.True(t, day.PnLPct().LessThanOrEqual(d("-0.051")), day.PnLPct().String())

	res = h.eng.HandleSignal(ctx, buySig("1000", t0.Add(time.Hour)))
	assert.ErrorIs(t, res.Err, risk.ErrRiskRejected)
	require.NotNil(t, res.Decision)
	assert.Equal(t, risk.CodeDailyLoss, res.Decision.Code)
	assert.True(t, h.eng.Snapshot().Risk.Halted)

	next := t0.Add(24 * time.Hour)
	h.eng.HandleEvent(ctx, snap(3, next, "48.9", "49.1"))
	res = h.eng.HandleSignal(ctx, buySig("1000", next))
	require.NoError(t, res.Err)
	assert.True(t, res.Executed())
	assert.Equal(t, uint64(1), h.eng.Counters().SignalsRejected)
}

func TestSequenceGapBlocksUntilSnapshot(t *testing.T) {
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()

	var resyncs []market.Symbol
	h.store.OnResync(func(sym market.Symbol, reason error) {
		assert.ErrorIs(t, reason, book.ErrSequenceGap)
		resyncs = append(resyncs, sym)
	})

	h.eng.HandleEvent(ctx, snap(10, t0, "99", "100"))
	h.eng.HandleEvent(ctx, market.BookDelta{Header: market.Header{Symbol: btc, Seq: 12, Time: t0}})
	assert.Equal(t, []market.Symbol{btc}, resyncs)
	assert.Equal(t, uint64(1), h.eng.Counters().EventErrors)

	res := h.eng.HandleSignal(ctx, buySig("100", t0))
	assert.ErrorIs(t, res.Err, book.ErrSequenceGap)
	var gap *book.SequenceGapError
	require.True(t, errors.As(res.Err, &gap))
	assert.Nil(t, res.Order)

	h.eng.HandleEvent(ctx, market.BookDelta{Header: market.Header{Symbol: btc, Seq: 13, Time: t0}})
	h.eng.HandleEvent(ctx, snap(11, t0, "99", "100"))
	res = h.eng.HandleSignal(ctx, buySig("100", t0))
	assert.Error(t, res.Err)
	assert.Nil(t, res.Order)

	h.eng.HandleEvent(ctx, snap(12, t0, "99", "100"))
	res = h.eng.HandleSignal(ctx, buySig("100", t0))
	require.NoError(t, res.Err)
	assert.True(t, res.Executed())
	assert.Len(t, resyncs, 1)
}

func TestTakeProfitTriggersClose(t *testing.T) {
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()

	var results []Result
	h.eng.OnResult(func(r Result) { results = append(results, r) })

	h.eng.HandleEvent(ctx, snap(1, t0, "99", "100"))
	require.NoError(t, h.eng.HandleSignal(ctx, buySig("1000", t0)).Err)

	h.eng.HandleEvent(ctx, market.Trade{
		Header: market.Header{Symbol: btc, Seq: 2, Time: t0.Add(time.Minute)},
		Price:  d("103"),
		Size:   d("1"),
	})
	_, ok := h.pf.Position(btc)
	require.True(t, ok, "3% is inside the bracket")

	h.eng.HandleEvent(ctx, snap(3, t0.Add(2*time.Minute), "106", "107"))
	_, ok = h.pf.Position(btc)
	assert.False(t, ok)

	require.Len(t, results, 2)
	assert.Equal(t, "risk", results[1].Signal.Source)
	require.Len(t, h.j.trades, 1)
	assert.Equal(t, risk.ReasonTakeProfit, h.j.trades[0].Reason)
	assert.True(t, h.j.trades[0].ExitPrice.Equal(d("106")))
	assert.Equal(t, uint64(1), h.eng.Counters().Triggers)
}

type venues map[market.Exchange]bool

func (v venues) Available(ex market.Exchange) bool { return v[ex] }

func TestUnavailableExchangeRejects(t *testing.T) {
	h := newHarness(t, risk.DefaultLimits(), venues{market.ExchangeBinance: false})
	ctx := context.Background()
	h.eng.HandleEvent(ctx, snap(1, t0, "99", "100"))

	res := h.eng.HandleSignal(ctx, buySig("100", t0))
	assert.ErrorIs(t, res.Err, ingest.ErrExchangeUnavailable)

	hold := h.eng.HandleSignal(ctx, signal.TradingSignal{Symbol: btc, Action: signal.Hold(), Confidence: 1})
	assert.True(t, hold.Skipped)
	assert.NoError(t, hold.Err)
}

func TestRunProcessesEventsAndSignals(t *testing.T) {
	h := newHarness(t, risk.DefaultLimits(), nil)
	events := make(chan market.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx, events) }()

	events <- snap(1, t0, "99", "100")
	require.Eventually(t, func() bool { return h.eng.Counters().Events == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.intake.Submit(buySig("500", t0)))
	require.Eventually(t, func() bool { return h.eng.Counters().SignalsExecuted == 1 }, time.Second, 5*time.Millisecond)

	snapshot := h.eng.Snapshot()
	require.Len(t, snapshot.Portfolio.Positions, 1)
	require.Len(t, snapshot.Books, 1)
	assert.Equal(t, uint64(1), snapshot.Orders.Filled)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestRunAppliesBufferedEventsBeforeSignal(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, risk.DefaultLimits(), nil)
		events := make(chan market.Event, 4)
		events <- snap(1, t0, "99", "100")
		require.NoError(t, h.intake.Submit(buySig("100", t0)))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.eng.Run(ctx, events) }()

		require.Eventually(t, func() bool { return h.eng.Counters().SignalsProcessed == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, uint64(1), h.eng.Counters().SignalsExecuted, "run %d", i)
		cancel()
		require.NoError(t, <-done)
	}
}

func TestShutdownCancelsQueuedSignals(t *testing.T) {
	h := newHarness(t, risk.DefaultLimits(), nil)
	require.NoError(t, h.intake.Submit(buySig("100", t0)))
	require.NoError(t, h.intake.Submit(closeSig(t0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.eng.Run(ctx, nil))

	st := h.eng.Snapshot()
	assert.Equal(t, uint64(2), st.Orders.Cancelled)
	assert.Zero(t, st.Intake.Pending)
	assert.Zero(t, st.Counters.SignalsProcessed)
}
