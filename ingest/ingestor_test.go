package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rustyeddy/papertrader/internal/bus"
	"github.com/rustyeddy/papertrader/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var btc = market.NewSymbol(market.ExchangeBinance, "BTC-USDT")

type wsServer struct {
	*httptest.Server
	failFirst int32
	silent    bool
	push      [][]byte
	requests  atomic.Int32
	received  chan string
}

func newWSServer(t *testing.T, s *wsServer) *wsServer {
	t.Helper()
	s.received = make(chan string, 256)
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.requests.Add(1)
		if n <= s.failFirst {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if s.silent {
			time.Sleep(300 * time.Millisecond)
			return
		}
		for _, m := range s.push {
			if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case s.received <- string(data):
			default:
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func waitForMessage(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("did not receive %s", want)
		}
	}
}

func testConfig(url string) Config {
	return Config{
		Exchange:          market.ExchangeBinance,
		URL:               url,
		Symbols:           []market.Symbol{btc},
		Backoff:           Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3},
		HeartbeatInterval: 20 * time.Millisecond,
		Buffer:            16,
		Overflow:          bus.OverflowDropOldest,
	}
}

func runIngestor(t *testing.T, in *Ingestor) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("ingestor did not stop")
		}
	}
}

func TestIngestorSubscribesAndForwards(t *testing.T) {
	srv := newWSServer(t, &wsServer{push: [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`)}})
	in := New(testConfig(srv.wsURL()), nil, zap.NewNop())
	stop := runIngestor(t, in)

	waitForMessage(t, srv.received, `{"op":"subscribe","symbols":["BTC-USDT"]}`)
	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		select {
		case msg := <-in.Messages():
			assert.Equal(t, want, string(msg.Data))
			assert.Equal(t, market.ExchangeBinance, msg.Exchange)
		case <-time.After(2 * time.Second):
			t.Fatal("no message forwarded")
		}
	}

	require.Eventually(t, func() bool { return in.Status() == StatusConnected }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, in.RequestSnapshot(btc))
	waitForMessage(t, srv.received, `{"op":"snapshot","symbol":"BTC-USDT"}`)
	waitForMessage(t, srv.received, `{"op":"ping"}`)

	stop()
	assert.Equal(t, StatusDisconnected, in.Status())
	_, open := <-in.Messages()
	assert.False(t, open)
	assert.Equal(t, uint64(2), in.Metrics().Received)
}

func TestIngestorUnavailableUntilReconnect(t *testing.T) {
	srv := newWSServer(t, &wsServer{failFirst: 5})
	in := New(testConfig(srv.wsURL()), nil, zap.NewNop())

	var mu sync.Mutex
	var seen []Status
	in.OnStatus(func(ex market.Exchange, s Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	assert.ErrorIs(t, in.RequestSnapshot(btc), ErrNotConnected)

	stop := runIngestor(t, in)
	defer stop()

	require.Eventually(t, func() bool { return in.Status() == StatusConnected }, 2*time.Second, 2*time.Millisecond)
	assert.True(t, in.Available())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StatusUnavailable)
	assert.Equal(t, StatusConnected, seen[len(seen)-1])
	assert.GreaterOrEqual(t, in.Metrics().ConnectionErrors, uint64(5))
}

func TestIngestorReconnectsOnHeartbeatTimeout(t *testing.T) {
	srv := newWSServer(t, &wsServer{silent: true})
	cfg := testConfig(srv.wsURL())
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	in := New(cfg, nil, zap.NewNop())

	stop := runIngestor(t, in)
	defer stop()

	require.Eventually(t, func() bool { return srv.requests.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return in.Metrics().Reconnections >= 1 }, 3*time.Second, 5*time.Millisecond)
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 100*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
	assert.Equal(t, 800*time.Millisecond, b.Next(4))
	assert.Equal(t, time.Second, b.Next(5))
	assert.Equal(t, time.Second, b.Next(50))

	b.Jitter = 0.2
	for i := 0; i < 100; i++ {
		got := b.Next(2)
		assert.GreaterOrEqual(t, got, 160*time.Millisecond)
		assert.LessOrEqual(t, got, 240*time.Millisecond)
	}
}

func TestPool(t *testing.T) {
	in := New(testConfig("ws://127.0.0.1:1/ws"), nil, nil)
	p := NewPool(in)

	assert.True(t, p.Available(market.ExchangeBinance))
	assert.False(t, p.Available(market.ExchangeKraken))
	assert.Len(t, p.Sources(), 1)
	assert.Equal(t, StatusDisconnected, p.Statuses()[market.ExchangeBinance])
	assert.Error(t, p.RequestSnapshot(market.NewSymbol(market.ExchangeKraken, "XBT-USD")))
}
