package portfolio

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/pkg/id"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientCash = errors.New("insufficient cash")
	ErrBadFill          = errors.New("bad fill")
)

type Config struct {
	InitialCapital decimal.Decimal
	// StopLossPct and TakeProfitPct set the bracket prices carried on each
	// position, relative to its average entry.
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	// EquityInterval is the minimum spacing between equity points taken on
	// mark updates. Fills always record a point.
	EquityInterval time.Duration
}

// Fill is an executed quantity applied to the portfolio.
type Fill struct {
	OrderID    string
	Symbol     market.Symbol
	Side       market.Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Time       time.Time
	Reason     string
}

// FillResult describes what a fill did to the position.
type FillResult struct {
	Position Position
	Opened   bool
	Removed  bool
	Flipped  bool
	Realized decimal.Decimal
	Closed   *ClosedTrade
}

type EquityPoint struct {
	Time     time.Time
	Cash     decimal.Decimal
	Equity   decimal.Decimal
	Drawdown decimal.Decimal
}

// Day is the trading day state. Days are UTC calendar dates.
type Day struct {
	Date        time.Time
	StartEquity decimal.Decimal
	PnL         decimal.Decimal
}

// PnLPct is the day's P&L as a fraction of the day's starting equity.
func (d Day) PnLPct() decimal.Decimal {
	if !d.StartEquity.IsPositive() {
		return decimal.Zero
	}
	return d.PnL.Div(d.StartEquity)
}

// Portfolio is the single owner of cash and positions. All mutation goes
// through ApplyFill and Mark.
type Portfolio struct {
	mu  sync.RWMutex
	cfg Config

	cash       decimal.Decimal
	realized   decimal.Decimal
	commission decimal.Decimal
	positions  map[market.Symbol]*Position

	day      time.Time
	dayStart decimal.Decimal

	peak      decimal.Decimal
	maxDD     decimal.Decimal
	curve     []EquityPoint
	lastPoint time.Time
	trades    []ClosedTrade
	tally     tally
}

func New(cfg Config) *Portfolio {
	return &Portfolio{
		cfg:       cfg,
		cash:      cfg.InitialCapital,
		positions: make(map[market.Symbol]*Position),
		peak:      cfg.InitialCapital,
		dayStart:  cfg.InitialCapital,
	}
}

func (p *Portfolio) InitialCapital() decimal.Decimal { return p.cfg.InitialCapital }

// ApplyFill books a fill. A fill in the direction of an existing position
// averages into it; an opposite fill realizes P&L on the closed part and
// may flip the position. Cash may not go negative.
func (p *Portfolio) ApplyFill(f Fill) (FillResult, error) {
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() || f.Commission.IsNegative() || !f.Side.IsAvailable() {
		return FillResult{}, fmt.Errorf("%w: %s %s @ %s", ErrBadFill, f.Side, f.Quantity, f.Price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	notional := f.Quantity.Mul(f.Price)
	var cashAfter decimal.Decimal
	if f.Side == market.Buy {
		cashAfter = p.cash.Sub(notional).Sub(f.Commission)
	} else {
		cashAfter = p.cash.Add(notional).Sub(f.Commission)
	}
	if cashAfter.IsNegative() {
		return FillResult{}, fmt.Errorf("%w: %s needs %s, have %s",
			ErrInsufficientCash, f.Symbol, notional.Add(f.Commission), p.cash)
	}

	p.rollLocked(f.Time)
	p.cash = cashAfter
	p.commission = p.commission.Add(f.Commission)

	signed := f.Quantity
	if f.Side == market.Sell {
		signed = signed.Neg()
	}

	var res FillResult
	pos, ok := p.positions[f.Symbol]
	switch {
	case !ok:
		pos = p.openLocked(f, f.Quantity, f.Commission)
		res.Opened = true

	case pos.Quantity.Sign() == signed.Sign():
		size := pos.Size()
		total := size.Add(f.Quantity)
		pos.AvgEntry = size.Mul(pos.AvgEntry).Add(notional).Div(total)
		pos.Quantity = pos.Quantity.Add(signed)
		pos.EntryCommission = pos.EntryCommission.Add(f.Commission)
		p.bracketLocked(pos)

	default:
		size := pos.Size()
		closeQty := decimal.Min(size, f.Quantity)
		dir := decimal.NewFromInt(int64(pos.Quantity.Sign()))

		gross := closeQty.Mul(f.Price.Sub(pos.AvgEntry)).Mul(dir)
		entryComm := pos.EntryCommission
		if closeQty.LessThan(size) {
			entryComm = pos.EntryCommission.Mul(closeQty).Div(size)
		}
		exitComm := f.Commission
		if closeQty.LessThan(f.Quantity) {
			exitComm = f.Commission.Mul(closeQty).Div(f.Quantity)
		}

		ct := ClosedTrade{
			ID:         id.At(f.Time),
			Symbol:     f.Symbol,
			Side:       pos.Side(),
			Quantity:   closeQty,
			EntryPrice: pos.AvgEntry,
			ExitPrice:  f.Price,
			OpenTime:   pos.Opened,
			CloseTime:  f.Time,
			Gross:      gross,
			Commission: entryComm.Add(exitComm),
			Net:        gross.Sub(entryComm).Sub(exitComm),
			Reason:     f.Reason,
		}
		p.recordTradeLocked(ct)
		res.Closed = &ct
		res.Realized = gross

		p.realized = p.realized.Add(gross)
		pos.Realized = pos.Realized.Add(gross)
		pos.EntryCommission = pos.EntryCommission.Sub(entryComm)
		pos.Quantity = pos.Quantity.Add(signed)

		switch {
		case pos.Quantity.IsZero():
			delete(p.positions, f.Symbol)
			res.Removed = true
			pos.Unrealized = decimal.Zero
			pos.Mark = f.Price
			res.Position = *pos
			p.touchLocked(f.Time, true)
			return res, nil

		case pos.Quantity.Sign() == signed.Sign():
			// Closed through zero; the remainder opens the other way.
			delete(p.positions, f.Symbol)
			pos = p.openLocked(f, f.Quantity.Sub(closeQty), f.Commission.Sub(exitComm))
			res.Flipped = true
			res.Opened = true
		}
	}

	pos.mark(f.Price, f.Time)
	res.Position = *pos
	p.touchLocked(f.Time, true)
	return res, nil
}

func (p *Portfolio) openLocked(f Fill, qty, comm decimal.Decimal) *Position {
	if f.Side == market.Sell {
		qty = qty.Neg()
	}
	pos := &Position{
		Symbol:          f.Symbol,
		Quantity:        qty,
		AvgEntry:        f.Price,
		EntryCommission: comm,
		Opened:          f.Time,
	}
	p.bracketLocked(pos)
	p.positions[f.Symbol] = pos
	return pos
}

func (p *Portfolio) bracketLocked(pos *Position) {
	one := decimal.NewFromInt(1)
	if pos.IsLong() {
		pos.StopLoss = pos.AvgEntry.Mul(one.Sub(p.cfg.StopLossPct))
		pos.TakeProfit = pos.AvgEntry.Mul(one.Add(p.cfg.TakeProfitPct))
		return
	}
	pos.StopLoss = pos.AvgEntry.Mul(one.Add(p.cfg.StopLossPct))
	pos.TakeProfit = pos.AvgEntry.Mul(one.Sub(p.cfg.TakeProfitPct))
}

// Mark revalues the position in sym at price. It reports the updated
// position, or false when nothing is held.
func (p *Portfolio) Mark(sym market.Symbol, price decimal.Decimal, t time.Time) (Position, bool) {
	if !price.IsPositive() {
		return Position{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rollLocked(t)
	pos, ok := p.positions[sym]
	if !ok {
		p.touchLocked(t, false)
		return Position{}, false
	}
	pos.mark(price, t)
	p.touchLocked(t, false)
	return *pos, true
}

// RollDay starts a new trading day if t falls on a later UTC date. It
// reports whether the day changed.
func (p *Portfolio) RollDay(t time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollLocked(t)
}

func (p *Portfolio) rollLocked(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	date := t.UTC().Truncate(24 * time.Hour)
	if !date.After(p.day) {
		return false
	}
	p.day = date
	p.dayStart = p.equityLocked()
	return true
}

func (p *Portfolio) equityLocked() decimal.Decimal {
	eq := p.cash
	for _, pos := range p.positions {
		eq = eq.Add(pos.Value())
	}
	return eq
}

func (p *Portfolio) unrealizedLocked() decimal.Decimal {
	u := decimal.Zero
	for _, pos := range p.positions {
		u = u.Add(pos.Unrealized)
	}
	return u
}

// touchLocked updates the drawdown and, when due, the equity curve.
func (p *Portfolio) touchLocked(t time.Time, force bool) {
	eq := p.equityLocked()
	if eq.GreaterThan(p.peak) {
		p.peak = eq
	}
	dd := decimal.Zero
	if p.peak.IsPositive() {
		dd = p.peak.Sub(eq).Div(p.peak)
	}
	if dd.GreaterThan(p.maxDD) {
		p.maxDD = dd
	}
	if !force && len(p.curve) > 0 && t.Sub(p.lastPoint) < p.cfg.EquityInterval {
		return
	}
	p.curve = append(p.curve, EquityPoint{Time: t, Cash: p.cash, Equity: eq, Drawdown: dd})
	p.lastPoint = t
}

func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equityLocked()
}

func (p *Portfolio) Position(sym market.Symbol) (Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[sym]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns copies ordered by symbol.
func (p *Portfolio) Positions() []Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.positionsLocked()
}

func (p *Portfolio) positionsLocked() []Position {
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	slices.SortFunc(out, func(a, b Position) int {
		switch {
		case a.Symbol.String() < b.Symbol.String():
			return -1
		case a.Symbol.String() > b.Symbol.String():
			return 1
		}
		return 0
	})
	return out
}

func (p *Portfolio) Day() Day {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dayLocked()
}

func (p *Portfolio) dayLocked() Day {
	return Day{Date: p.day, StartEquity: p.dayStart, PnL: p.equityLocked().Sub(p.dayStart)}
}

func (p *Portfolio) EquityCurve() []EquityPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.curve)
}

func (p *Portfolio) Trades() []ClosedTrade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.trades)
}

// Snapshot is a consistent copy of the whole portfolio.
type Snapshot struct {
	Cash       decimal.Decimal
	Equity     decimal.Decimal
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
	Positions  []Position
	Day        Day
	Stats      Stats
}

func (p *Portfolio) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Cash:       p.cash,
		Equity:     p.equityLocked(),
		Realized:   p.realized,
		Unrealized: p.unrealizedLocked(),
		Positions:  p.positionsLocked(),
		Day:        p.dayLocked(),
		Stats:      p.statsLocked(),
	}
}
