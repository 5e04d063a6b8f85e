package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rustyeddy/papertrader/internal/bus"
	"github.com/rustyeddy/papertrader/market"
	"go.uber.org/zap"
)

var (
	ErrConnectionLost      = errors.New("connection lost")
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	ErrNotConnected        = errors.New("not connected")
)

// RawMessage is one venue message as received off the wire.
type RawMessage struct {
	Exchange market.Exchange
	Data     []byte
	Received time.Time
}

type Config struct {
	Exchange market.Exchange
	URL      string
	Symbols  []market.Symbol
	Header   http.Header

	Backoff           Backoff
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the read deadline; silence past it forces a
	// reconnect. Defaults to twice the interval.
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration

	Buffer   int
	Overflow bus.OverflowPolicy
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 1000
	}
}

// Ingestor owns one exchange connection: dial, subscribe, heartbeat,
// read, and reconnect with backoff. Messages go to a bounded queue.
type Ingestor struct {
	cfg     Config
	dialect Dialect
	dialer  *websocket.Dialer
	log     *zap.Logger

	out     *bus.Queue[RawMessage]
	send    chan []byte
	status  atomic.Uint32
	metrics Metrics

	mu       sync.Mutex
	onStatus func(market.Exchange, Status)
}

func New(cfg Config, dialect Dialect, log *zap.Logger) *Ingestor {
	cfg.setDefaults()
	if dialect == nil {
		dialect = JSONDialect{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	in := &Ingestor{
		cfg:     cfg,
		dialect: dialect,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.WriteTimeout},
		log:     log.With(zap.String("exchange", cfg.Exchange.String())),
		out:     bus.NewQueue[RawMessage](cfg.Buffer, cfg.Overflow),
		send:    make(chan []byte, 64),
	}
	in.out.OnDrop(func(RawMessage) {
		if in.metrics.dropped.Add(1)%1000 == 1 {
			in.log.Warn("ingress queue full, dropping oldest message",
				zap.Uint64("dropped", in.metrics.dropped.Load()),
				zap.String("policy", in.out.Policy().String()),
			)
		}
	})
	return in
}

func (in *Ingestor) Exchange() market.Exchange { return in.cfg.Exchange }

// Messages is closed when Run returns.
func (in *Ingestor) Messages() <-chan RawMessage { return in.out.C() }

func (in *Ingestor) Status() Status { return Status(in.status.Load()) }

// Available is false only after reconnect attempts were exhausted and no
// dial has succeeded since.
func (in *Ingestor) Available() bool { return in.Status() != StatusUnavailable }

func (in *Ingestor) Metrics() MetricsSnapshot { return in.metrics.Snapshot() }

// OnStatus registers a callback for status transitions.
func (in *Ingestor) OnStatus(fn func(market.Exchange, Status)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onStatus = fn
}

func (in *Ingestor) setStatus(s Status) {
	old := Status(in.status.Swap(uint32(s)))
	if old == s {
		return
	}
	in.mu.Lock()
	fn := in.onStatus
	in.mu.Unlock()
	if fn != nil {
		fn(in.cfg.Exchange, s)
	}
}

// RequestSnapshot asks the venue for a fresh book snapshot.
func (in *Ingestor) RequestSnapshot(sym market.Symbol) error {
	if in.Status() != StatusConnected {
		return fmt.Errorf("snapshot request %s: %w", sym, ErrNotConnected)
	}
	msg, err := in.dialect.SnapshotRequest(sym)
	if err != nil {
		return fmt.Errorf("snapshot request %s: %w", sym, err)
	}
	select {
	case in.send <- msg:
		return nil
	default:
		return fmt.Errorf("snapshot request %s: %w", sym, bus.ErrQueueFull)
	}
}

// Run connects and reads until ctx is done. It never gives up: after
// MaxAttempts consecutive failures the exchange is marked unavailable and
// probing continues at the backoff cap.
func (in *Ingestor) Run(ctx context.Context) error {
	defer in.out.Close()
	defer in.setStatus(StatusDisconnected)

	attempt := 0
	connectedBefore := false
	in.setStatus(StatusConnecting)

	for {
		conn, err := in.dial(ctx)
		if err == nil {
			attempt = 0
			if connectedBefore {
				in.metrics.reconnections.Add(1)
			}
			connectedBefore = true
			in.setStatus(StatusConnected)
			in.log.Info("connected", zap.String("url", in.cfg.URL))

			err = in.session(ctx, conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			in.metrics.connectionErrors.Add(1)
			in.log.Warn("connection lost", zap.Error(err))
			in.setStatus(StatusReconnecting)
		} else {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			in.metrics.connectionErrors.Add(1)
			in.log.Warn("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			if in.cfg.Backoff.MaxAttempts > 0 && attempt >= in.cfg.Backoff.MaxAttempts {
				if in.Status() != StatusUnavailable {
					in.log.Error("max reconnect attempts reached, exchange unavailable",
						zap.Int("attempts", attempt))
				}
				in.setStatus(StatusUnavailable)
			} else if in.Status() != StatusUnavailable && connectedBefore {
				in.setStatus(StatusReconnecting)
			}
		}

		if err := sleepCtx(ctx, in.cfg.Backoff.Next(max(attempt, 1))); err != nil {
			return nil
		}
	}
}

func (in *Ingestor) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := in.dialer.DialContext(ctx, in.cfg.URL, in.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", in.cfg.URL, err)
	}
	return conn, nil
}

func (in *Ingestor) session(ctx context.Context, conn *websocket.Conn) error {
	subs, err := in.dialect.Subscribe(in.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for _, msg := range subs {
		_ = conn.SetWriteDeadline(time.Now().Add(in.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("subscribe: %w: %w", ErrConnectionLost, err)
		}
	}

	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(in.cfg.HeartbeatTimeout))
	}
	_ = extend()
	conn.SetPongHandler(func(string) error {
		in.metrics.heartbeats.Add(1)
		return extend()
	})

	sctx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		in.writeLoop(sctx, conn)
	}()
	defer func() {
		cancel()
		<-writerDone
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		_ = extend()
		now := time.Now()
		in.metrics.received.Add(1)
		in.metrics.lastMessage.Store(now.UnixNano())
		if err := in.out.Publish(ctx, RawMessage{Exchange: in.cfg.Exchange, Data: data, Received: now}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.log.Debug("ingress publish failed", zap.Error(err))
		}
	}
}

// writeLoop is the only writer once the session is up.
func (in *Ingestor) writeLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(in.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case msg := <-in.send:
			_ = conn.SetWriteDeadline(time.Now().Add(in.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				in.log.Warn("write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(in.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				in.log.Warn("ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
			if hb := in.dialect.Heartbeat(); hb != nil {
				_ = conn.SetWriteDeadline(deadline)
				if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}
}
