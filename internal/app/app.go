package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/papertrader/book"
	"github.com/rustyeddy/papertrader/config"
	"github.com/rustyeddy/papertrader/engine"
	"github.com/rustyeddy/papertrader/feed"
	"github.com/rustyeddy/papertrader/ingest"
	"github.com/rustyeddy/papertrader/internal/bus"
	"github.com/rustyeddy/papertrader/journal"
	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/portfolio"
	"github.com/rustyeddy/papertrader/risk"
	"github.com/rustyeddy/papertrader/signal"
	"github.com/rustyeddy/papertrader/sim"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Core is the offline trading stack: books, portfolio, risk, orders,
// intake and the engine. Replay runs against a Core alone.
type Core struct {
	Store     *book.Store
	Portfolio *portfolio.Portfolio
	Risk      *risk.Manager
	Orders    *sim.Manager
	Intake    *signal.Intake
	Engine    *engine.Engine
	Journal   journal.Journal
}

// NewCore builds the engine stack from cfg. venues may be nil.
func NewCore(cfg *config.Config, venues engine.Venues, log *zap.Logger) (*Core, error) {
	if log == nil {
		log = zap.NewNop()
	}
	limits := RiskLimits(cfg.Risk)
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("risk limits: %w", err)
	}
	simCfg, err := SimConfig(cfg.Engine)
	if err != nil {
		return nil, err
	}
	symbols, err := Symbols(cfg.Exchanges)
	if err != nil {
		return nil, err
	}
	j, err := OpenJournal(cfg.Journal)
	if err != nil {
		return nil, err
	}

	c := &Core{
		Store: book.NewStore(),
		Portfolio: portfolio.New(portfolio.Config{
			InitialCapital: decimal.NewFromFloat(cfg.Engine.InitialCapital),
			StopLossPct:    limits.StopLossPct,
			TakeProfitPct:  limits.TakeProfitPct,
			EquityInterval: cfg.Engine.EquityInterval.Std(),
		}),
		Risk: risk.NewManager(limits, log.Named("risk")),
		Intake: signal.NewIntake(signal.IntakeConfig{
			Symbols:    symbols,
			QueueDepth: cfg.Signals.QueueDepth,
		}, log.Named("intake")),
		Journal: j,
	}
	c.Orders = sim.NewManager(simCfg, c.Store, c.Portfolio, j, log.Named("orders"))
	c.Engine, err = engine.New(engine.Config{EquityInterval: cfg.Engine.EquityInterval.Std()}, engine.Deps{
		Store:     c.Store,
		Portfolio: c.Portfolio,
		Risk:      c.Risk,
		Orders:    c.Orders,
		Intake:    c.Intake,
		Venues:    venues,
		Journal:   j,
	}, log.Named("engine"))
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) Close() error { return c.Journal.Close() }

// App is the live system: one ingestor per configured exchange feeding
// the unified feed, which feeds the engine. Signals arrive through the
// intake, optionally from Kafka.
type App struct {
	*Core

	cfg   *config.Config
	log   *zap.Logger
	pool  *ingest.Pool
	feed  *feed.Feed
	kafka *signal.KafkaSource

	// StatusInterval spaces the periodic status log line. Zero disables it.
	StatusInterval time.Duration
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Exchanges) == 0 {
		return nil, errors.New("no exchanges configured")
	}

	ins := make([]*ingest.Ingestor, 0, len(cfg.Exchanges))
	for _, ec := range cfg.Exchanges {
		ic, err := IngestConfig(ec, cfg.Reconnect)
		if err != nil {
			return nil, err
		}
		in := ingest.New(ic, ingest.JSONDialect{}, log.Named("ingest"))
		in.OnStatus(func(ex market.Exchange, s ingest.Status) {
			log.Info("exchange status", zap.String("exchange", ex.String()), zap.Stringer("status", s))
		})
		ins = append(ins, in)
	}
	pool := ingest.NewPool(ins...)

	core, err := NewCore(cfg, pool, log)
	if err != nil {
		return nil, err
	}

	fd, err := feed.New(feed.Config{
		DedupSize:         cfg.Feed.DedupSize,
		HeartbeatInterval: cfg.Reconnect.Heartbeat.Std(),
		MaxLatency:        cfg.Feed.MaxLatency.Std(),
	}, log.Named("feed"))
	if err != nil {
		_ = core.Close()
		return nil, err
	}
	for _, in := range ins {
		fd.Register(in.Exchange(), feed.JSONNormalizer)
	}

	core.Store.OnResync(func(sym market.Symbol, reason error) {
		log.Warn("book needs snapshot, requesting one", zap.String("symbol", sym.String()), zap.Error(reason))
		if err := pool.RequestSnapshot(sym); err != nil {
			log.Warn("snapshot request failed", zap.String("symbol", sym.String()), zap.Error(err))
		}
	})

	a := &App{
		Core:           core,
		cfg:            cfg,
		log:            log,
		pool:           pool,
		feed:           fd,
		StatusInterval: 30 * time.Second,
	}
	if kc := cfg.Signals.Kafka; kc.Enabled() {
		a.kafka, err = signal.NewKafkaSource(signal.KafkaConfig{
			Brokers:  kc.Brokers,
			Topic:    kc.Topic,
			Group:    kc.Group,
			ClientID: kc.ClientID,
		}, core.Intake, log.Named("kafka"))
		if err != nil {
			_ = core.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) Pool() *ingest.Pool { return a.pool }
func (a *App) Feed() *feed.Feed   { return a.feed }

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. The engine cancels queued signals on the way out.
func (a *App) Run(ctx context.Context) error {
	buffer := a.cfg.Feed.EngineBuffer
	if buffer <= 0 {
		buffer = 4096
	}
	events := a.feed.Subscribe(buffer, bus.OverflowBlock)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pool.Run(gctx) })
	g.Go(func() error { return a.feed.Run(gctx, a.pool.Sources()...) })
	g.Go(func() error { return a.Engine.Run(gctx, events.C()) })
	if a.kafka != nil {
		g.Go(func() error { return a.kafka.Run(gctx) })
	}
	if a.StatusInterval > 0 {
		g.Go(func() error {
			a.statusLoop(gctx)
			return nil
		})
	}

	a.log.Info("papertrader running",
		zap.Int("exchanges", len(a.cfg.Exchanges)),
		zap.Bool("kafka", a.kafka != nil),
		zap.String("journal", a.cfg.Journal.Type))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (a *App) statusLoop(ctx context.Context) {
	t := time.NewTicker(a.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			snap := a.Engine.Snapshot()
			fields := []zap.Field{
				zap.String("equity", snap.Portfolio.Equity.StringFixed(2)),
				zap.String("cash", snap.Portfolio.Cash.StringFixed(2)),
				zap.Int("positions", len(snap.Portfolio.Positions)),
				zap.Uint64("signals", snap.Counters.SignalsProcessed),
				zap.Uint64("executed", snap.Counters.SignalsExecuted),
				zap.Bool("halted", snap.Risk.Halted),
			}
			for ex, st := range a.pool.Statuses() {
				fields = append(fields, zap.Bool(ex.String()+"_healthy",
					st == ingest.StatusConnected && a.feed.IsHealthy(ex, now)))
			}
			a.log.Info("status", fields...)
		}
	}
}

// RiskLimits converts the risk section into risk.Limits.
func RiskLimits(rc config.RiskConfig) risk.Limits {
	return risk.Limits{
		MaxPositionPct:  decimal.NewFromFloat(rc.MaxPositionPct),
		MaxDailyLossPct: decimal.NewFromFloat(rc.MaxDailyLossPct),
		StopLossPct:     decimal.NewFromFloat(rc.StopLossPct),
		TakeProfitPct:   decimal.NewFromFloat(rc.TakeProfitPct),
		MaxHeatPct:      decimal.NewFromFloat(rc.MaxHeatPct),
		MinConfidence:   rc.MinConfidence,
	}
}

func SimConfig(ec config.EngineConfig) (sim.Config, error) {
	model := sim.SlippageModel{Kind: sim.SlippageNone, Pct: decimal.NewFromFloat(ec.Slippage.Pct)}
	if ec.Slippage.Model != "" {
		kind, err := sim.ParseSlippageKind(ec.Slippage.Model)
		if err != nil {
			return sim.Config{}, fmt.Errorf("engine.slippage: %w", err)
		}
		model.Kind = kind
	}
	return sim.Config{
		CommissionRate: decimal.NewFromFloat(ec.CommissionRate),
		Slippage:       model,
		QtyPlaces:      ec.QtyPlaces,
	}, nil
}

// Symbols qualifies every configured ticker with its exchange.
func Symbols(exchanges []config.ExchangeConfig) ([]market.Symbol, error) {
	var out []market.Symbol
	for _, ec := range exchanges {
		ex, err := market.ParseExchange(ec.Name)
		if err != nil {
			return nil, err
		}
		for _, t := range ec.Symbols {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, market.NewSymbol(ex, t))
			}
		}
	}
	return out, nil
}

func IngestConfig(ec config.ExchangeConfig, rc config.ReconnectConfig) (ingest.Config, error) {
	ex, err := market.ParseExchange(ec.Name)
	if err != nil {
		return ingest.Config{}, err
	}
	symbols, err := Symbols([]config.ExchangeConfig{ec})
	if err != nil {
		return ingest.Config{}, err
	}
	backoff := ingest.DefaultBackoff()
	backoff.Base = rc.BaseDelay.Std()
	backoff.Max = rc.MaxDelay.Std()
	backoff.MaxAttempts = rc.MaxAttempts
	return ingest.Config{
		Exchange:          ex,
		URL:               ec.URL,
		Symbols:           symbols,
		Backoff:           backoff,
		HeartbeatInterval: rc.Heartbeat.Std(),
		Buffer:            ec.Buffer,
		Overflow:          bus.OverflowDropOldest,
	}, nil
}

// OpenJournal opens the configured audit sink.
func OpenJournal(jc config.JournalConfig) (journal.Journal, error) {
	switch jc.Type {
	case "", "none":
		return journal.Discard{}, nil
	case "csv":
		j, err := journal.NewCSV(jc.TradesFile, jc.EquityFile)
		if err != nil {
			return nil, fmt.Errorf("open csv journal: %w", err)
		}
		return j, nil
	case "sqlite":
		j, err := journal.NewSQLite(jc.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return j, nil
	}
	return nil, fmt.Errorf("unknown journal type %q", jc.Type)
}
