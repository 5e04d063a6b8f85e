package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rustyeddy/papertrader/book"
	"github.com/rustyeddy/papertrader/ingest"
	"github.com/rustyeddy/papertrader/journal"
	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/portfolio"
	"github.com/rustyeddy/papertrader/risk"
	"github.com/rustyeddy/papertrader/signal"
	"github.com/rustyeddy/papertrader/sim"
	"go.uber.org/zap"
)

var ErrNoPosition = errors.New("no open position")

// Venues reports exchange availability. *ingest.Pool satisfies it.
type Venues interface {
	Available(market.Exchange) bool
}

type Deps struct {
	Store     *book.Store
	Portfolio *portfolio.Portfolio
	Risk      *risk.Manager
	Orders    *sim.Manager
	Intake    *signal.Intake
	// Venues is optional; without it every exchange is available.
	Venues  Venues
	Journal journal.Journal
}

type Config struct {
	// EquityInterval spaces equity points written to the journal.
	EquityInterval time.Duration
}

// Result is the outcome of one signal.
type Result struct {
	Signal   signal.TradingSignal
	Decision *risk.Decision
	Order    *sim.Order
	Skipped  bool
	Err      error
}

func (r Result) Executed() bool {
	return r.Order != nil && r.Order.Filled.IsPositive()
}

type Counters struct {
	Events           uint64
	EventErrors      uint64
	SignalsProcessed uint64
	SignalsExecuted  uint64
	SignalsRejected  uint64
	Triggers         uint64
}

// Engine is the single decision loop. Market events and signals are
// handled one at a time in arrival order, so decisions for a symbol never
// race. Snapshot may be called from any goroutine.
type Engine struct {
	cfg     Config
	store   *book.Store
	marks   *market.MarkStore
	pf      *portfolio.Portfolio
	risk    *risk.Manager
	orders  *sim.Manager
	intake  *signal.Intake
	venues  Venues
	journal journal.Journal
	log     *zap.Logger

	mu         sync.Mutex
	listener   func(Result)
	lastEquity time.Time

	events           atomic.Uint64
	eventErrors      atomic.Uint64
	signalsProcessed atomic.Uint64
	signalsExecuted  atomic.Uint64
	signalsRejected  atomic.Uint64
	triggers         atomic.Uint64
}

func New(cfg Config, deps Deps, log *zap.Logger) (*Engine, error) {
	if deps.Store == nil || deps.Portfolio == nil || deps.Risk == nil || deps.Orders == nil || deps.Intake == nil {
		return nil, errors.New("engine: store, portfolio, risk, orders and intake are required")
	}
	if deps.Journal == nil {
		deps.Journal = journal.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.EquityInterval <= 0 {
		cfg.EquityInterval = time.Minute
	}
	return &Engine{
		cfg:     cfg,
		store:   deps.Store,
		marks:   market.NewMarkStore(),
		pf:      deps.Portfolio,
		risk:    deps.Risk,
		orders:  deps.Orders,
		intake:  deps.Intake,
		venues:  deps.Venues,
		journal: deps.Journal,
		log:     log,
	}, nil
}

// OnResult registers a callback run synchronously on the loop for every
// handled signal.
func (e *Engine) OnResult(fn func(Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = fn
}

func (e *Engine) Marks() *market.MarkStore { return e.marks }

// Run consumes events and queued signals until ctx is done or events is
// closed, then cancels whatever is still queued. Events already buffered
// when a signal is taken are applied before it.
func (e *Engine) Run(ctx context.Context, events <-chan market.Event) error {
	e.log.Info("engine started")
	defer e.shutdown()

	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.HandleEvent(ctx, ev)
		case <-e.intake.Ready():
			if !e.drainEvents(ctx, events) {
				return nil
			}
			if sig, ok := e.intake.Next(); ok {
				e.HandleSignal(ctx, sig)
			}
		}
	}
}

// drainEvents applies the events buffered right now. It reports false
// when events is closed.
func (e *Engine) drainEvents(ctx context.Context, events <-chan market.Event) bool {
	for n := len(events); n > 0; n-- {
		ev, ok := <-events
		if !ok {
			return false
		}
		e.HandleEvent(ctx, ev)
	}
	return true
}

func (e *Engine) shutdown() {
	pending := e.intake.Drain()
	for _, sig := range pending {
		req := sim.Request{SignalID: sig.ID, Symbol: sig.Symbol, Time: sig.Time}
		if side, ok := sig.Action.Side(); ok {
			req.Side = side
		}
		e.orders.Cancel(req, "shutdown")
	}
	e.recordEquity(time.Now(), true)
	e.log.Info("engine stopped", zap.Int("cancelled", len(pending)))
}

// HandleEvent applies ev to the books, marks the position and runs the
// stop-loss/take-profit scan for the symbol.
func (e *Engine) HandleEvent(ctx context.Context, ev market.Event) {
	e.events.Add(1)
	h := market.HeaderOf(ev)

	if err := e.store.Apply(ev); err != nil {
		e.eventErrors.Add(1)
		e.log.Warn("book update",
			zap.String("symbol", h.Symbol.String()),
			zap.Uint64("seq", h.Seq),
			zap.Error(err))
	}
	if _, ok := ev.(market.BookSnapshot); ok {
		e.intake.AddSymbol(h.Symbol)
	}

	mark, ok := market.MarkFor(ev)
	if !ok {
		mid, err := e.store.Mid(h.Symbol)
		if err != nil {
			return
		}
		mark = market.Mark{Symbol: h.Symbol, Price: mid, Time: h.Time}
	}
	if !e.marks.Set(mark) {
		return
	}

	pos, held := e.pf.Mark(mark.Symbol, mark.Price, mark.Time)
	e.recordEquity(mark.Time, false)
	if !held {
		return
	}
	for _, sig := range e.risk.Scan([]portfolio.Position{pos}) {
		e.triggers.Add(1)
		e.log.Info("risk trigger",
			zap.String("symbol", sig.Symbol.String()),
			zap.String("reason", sig.Metadata.Attributes["reason"]),
			zap.String("mark", mark.Price.String()))
		e.HandleSignal(ctx, sig)
	}
}

// HandleSignal runs one signal through availability checks, the risk gate
// and the order manager.
func (e *Engine) HandleSignal(ctx context.Context, sig signal.TradingSignal) Result {
	e.signalsProcessed.Add(1)
	res := e.handleSignal(ctx, sig)

	switch {
	case res.Executed():
		e.signalsExecuted.Add(1)
	case res.Err != nil:
		e.signalsRejected.Add(1)
		e.log.Info("signal rejected",
			zap.String("signal", sig.ID),
			zap.String("symbol", sig.Symbol.String()),
			zap.Stringer("action", sig.Action),
			zap.Error(res.Err))
	}

	e.mu.Lock()
	fn := e.listener
	e.mu.Unlock()
	if fn != nil {
		fn(res)
	}
	return res
}

func (e *Engine) handleSignal(ctx context.Context, sig signal.TradingSignal) Result {
	res := Result{Signal: sig}
	if sig.Action.Kind == signal.ActionHold {
		res.Skipped = true
		return res
	}
	if e.venues != nil && !e.venues.Available(sig.Symbol.Exchange) {
		res.Err = fmt.Errorf("%s: %w", sig.Symbol.Exchange, ingest.ErrExchangeUnavailable)
		return res
	}
	if err := e.store.Tradable(sig.Symbol); err != nil {
		res.Err = err
		return res
	}
	e.pf.RollDay(sig.Time)

	req := sim.Request{SignalID: sig.ID, Symbol: sig.Symbol, Time: sig.Time}
	if sig.Action.Kind == signal.ActionClose {
		pos, ok := e.pf.Position(sig.Symbol)
		if !ok {
			res.Err = fmt.Errorf("close %s: %w", sig.Symbol, ErrNoPosition)
			return res
		}
		req.Side = pos.Side().Opposite()
		req.Quantity = pos.Size()
		req.Reason = "close"
		if r := sig.Metadata.Attributes["reason"]; r != "" {
			req.Reason = r
		}
	} else {
		dec := e.risk.Evaluate(sig, e.pf)
		res.Decision = &dec
		if !dec.Allowed() {
			res.Err = dec.Err()
			return res
		}
		req.Side, _ = sig.Action.Side()
		req.Notional = dec.Notional
		req.Reason = sig.Action.Kind.String()
		if !dec.Opening {
			// A reducing order skipped the opening checks, so it may not
			// cross through zero into a new position.
			if pos, ok := e.pf.Position(sig.Symbol); ok {
				req.MaxQuantity = pos.Size()
			}
		}
	}

	o, err := e.orders.Execute(ctx, req)
	res.Order = &o
	res.Err = err
	if err == nil {
		e.recordEquity(o.FillTime, true)
	}
	return res
}

func (e *Engine) recordEquity(t time.Time, force bool) {
	e.mu.Lock()
	due := force || t.Sub(e.lastEquity) >= e.cfg.EquityInterval
	if due {
		e.lastEquity = t
	}
	e.mu.Unlock()
	if !due {
		return
	}

	snap := e.pf.Snapshot()
	err := e.journal.RecordEquity(journal.EquitySnapshot{
		Time:       t,
		Cash:       snap.Cash,
		Equity:     snap.Equity,
		Realized:   snap.Realized,
		Unrealized: snap.Unrealized,
		Drawdown:   snap.Stats.MaxDrawdown,
	})
	if err != nil {
		e.log.Warn("journal equity", zap.Error(err))
	}
}

func (e *Engine) Counters() Counters {
	return Counters{
		Events:           e.events.Load(),
		EventErrors:      e.eventErrors.Load(),
		SignalsProcessed: e.signalsProcessed.Load(),
		SignalsExecuted:  e.signalsExecuted.Load(),
		SignalsRejected:  e.signalsRejected.Load(),
		Triggers:         e.triggers.Load(),
	}
}

// Snapshot is the pull-based view of engine state.
type Snapshot struct {
	Time      time.Time
	Portfolio portfolio.Snapshot
	Risk      risk.Status
	Orders    sim.Stats
	Intake    signal.IntakeStats
	Books     []book.Summary
	Counters  Counters
}

func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Time:      time.Now(),
		Portfolio: e.pf.Snapshot(),
		Risk:      e.risk.Status(e.pf),
		Orders:    e.orders.Stats(),
		Intake:    e.intake.Stats(),
		Books:     e.store.Summaries(),
		Counters:  e.Counters(),
	}
}
