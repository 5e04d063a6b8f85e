package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rustyeddy/papertrader/ingest"
	"github.com/rustyeddy/papertrader/internal/bus"
	"github.com/rustyeddy/papertrader/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func raw(ex market.Exchange, format string, args ...any) ingest.RawMessage {
	return ingest.RawMessage{Exchange: ex, Data: []byte(fmt.Sprintf(format, args...)), Received: time.Now()}
}

func newFeed(t *testing.T) (*Feed, *bus.Queue[market.Event]) {
	t.Helper()
	f, err := New(Config{DedupSize: 128, HeartbeatInterval: time.Second, MaxLatency: time.Second}, zap.NewNop())
	require.NoError(t, err)
	f.Register(market.ExchangeBinance, JSONNormalizer)
	f.Register(market.ExchangeCoinbase, JSONNormalizer)
	return f, f.Subscribe(64, bus.OverflowBlock)
}

func collect(q *bus.Queue[market.Event]) []market.Event {
	var out []market.Event
	for {
		select {
		case ev := <-q.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestFeedDeduplicatesByExchangeSymbolSequence(t *testing.T) {
	f, q := newFeed(t)
	ctx := context.Background()

	delta := `{"type":"delta","exchange":"binance","symbol":"BTC-USDT","seq":%d,"bids":[["100","1"]]}`
	require.NoError(t, f.Handle(ctx, raw(market.ExchangeBinance, delta, 11)))
	require.NoError(t, f.Handle(ctx, raw(market.ExchangeBinance, delta, 11)))
	require.NoError(t, f.Handle(ctx, raw(market.ExchangeBinance, delta, 12)))

	// Same sequence on another exchange or another kind is not a duplicate.
	require.NoError(t, f.Handle(ctx, raw(market.ExchangeCoinbase,
		`{"type":"delta","exchange":"coinbase","symbol":"BTC-USDT","seq":11}`)))
	require.NoError(t, f.Handle(ctx, raw(market.ExchangeBinance,
		`{"type":"snapshot","exchange":"binance","symbol":"BTC-USDT","seq":12}`)))

	// Unsequenced events are never deduplicated.
	trade := `{"type":"trade","exchange":"binance","symbol":"BTC-USDT","price":"100","size":"1"}`
	require.NoError(t, f.Handle(ctx, raw(market.ExchangeBinance, trade)))
	require.NoError(t, f.Handle(ctx, raw(market.ExchangeBinance, trade)))

	evs := collect(q)
	require.Len(t, evs, 6)
	assert.Equal(t, uint64(11), market.HeaderOf(evs[0]).Seq)
	assert.Equal(t, uint64(12), market.HeaderOf(evs[1]).Seq)
	assert.Equal(t, market.ExchangeCoinbase, market.HeaderOf(evs[2]).Symbol.Exchange)
	assert.Equal(t, market.KindSnapshot, market.Kind(evs[3]))

	st, ok := f.Stats(market.ExchangeBinance)
	require.True(t, ok)
	assert.Equal(t, uint64(6), st.Received)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, uint64(5), st.Forwarded)
}

func TestFeedErrors(t *testing.T) {
	f, q := newFeed(t)
	ctx := context.Background()

	err := f.Handle(ctx, raw(market.ExchangeKraken, `{}`))
	assert.ErrorIs(t, err, ErrNoNormalizer)

	err = f.Handle(ctx, raw(market.ExchangeBinance, `not json`))
	assert.Error(t, err)

	// An event claiming another venue is dropped and counted.
	require.NoError(t, f.Handle(ctx, raw(market.ExchangeBinance,
		`{"type":"trade","exchange":"coinbase","symbol":"BTC-USD","price":"1","size":"1"}`)))
	assert.Empty(t, collect(q))

	st, _ := f.Stats(market.ExchangeBinance)
	assert.Equal(t, uint64(2), st.Errors)
	kr, ok := f.Stats(market.ExchangeKraken)
	require.True(t, ok)
	assert.Equal(t, uint64(1), kr.Errors)
}

func TestFeedHealth(t *testing.T) {
	f, _ := newFeed(t)
	now := time.Now()
	assert.False(t, f.IsHealthy(market.ExchangeBinance, now))

	require.NoError(t, f.Handle(context.Background(), raw(market.ExchangeBinance,
		`{"type":"quote","exchange":"binance","symbol":"BTC-USDT","seq":1,"bid":"1","ask":"2"}`)))
	assert.True(t, f.IsHealthy(market.ExchangeBinance, time.Now()))
	assert.False(t, f.IsHealthy(market.ExchangeBinance, time.Now().Add(3*time.Second)))
	assert.Len(t, f.AllStats(), 2)
}

func TestFeedRunFansInSources(t *testing.T) {
	f, q := newFeed(t)
	observer := f.Subscribe(1, bus.OverflowDropOldest)

	a := make(chan ingest.RawMessage, 8)
	b := make(chan ingest.RawMessage, 8)
	for i := 1; i <= 3; i++ {
		a <- raw(market.ExchangeBinance, `{"type":"trade","exchange":"binance","symbol":"BTC-USDT","seq":%d,"price":"1","size":"1"}`, i)
		b <- raw(market.ExchangeCoinbase, `{"type":"trade","exchange":"coinbase","symbol":"BTC-USD","seq":%d,"price":"1","size":"1"}`, i)
	}
	close(a)
	close(b)

	require.NoError(t, f.Run(context.Background(), a, b))

	var perExchange = map[market.Exchange][]uint64{}
	for ev := range q.C() {
		h := market.HeaderOf(ev)
		perExchange[h.Symbol.Exchange] = append(perExchange[h.Symbol.Exchange], h.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, perExchange[market.ExchangeBinance])
	assert.Equal(t, []uint64{1, 2, 3}, perExchange[market.ExchangeCoinbase])

	// The dropping observer kept only the newest event and never blocked.
	assert.Equal(t, 1, observer.Len())
	assert.Equal(t, uint64(5), observer.Dropped())
}
