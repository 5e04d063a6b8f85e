package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/papertrader/book"
	"github.com/rustyeddy/papertrader/journal"
	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/pkg/id"
	"github.com/rustyeddy/papertrader/portfolio"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrBadRequest            = errors.New("bad order request")
)

// Books is the read side of the order book store.
type Books interface {
	View(sym market.Symbol, fn func(*book.Book) error) error
}

type Config struct {
	// CommissionRate is a fraction of notional, 0.001 for 0.1%.
	CommissionRate decimal.Decimal
	Slippage       SlippageModel
	// QtyPlaces truncates quantities derived from a notional.
	QtyPlaces int32
}

// Request asks for either a base Quantity or a quote Notional. Quantity
// wins when both are set.
type Request struct {
	SignalID string
	Symbol   market.Symbol
	Side     market.Side
	Quantity decimal.Decimal
	Notional decimal.Decimal
	// MaxQuantity caps the quantity a notional turns into. Reduce-only
	// orders set it to the position size.
	MaxQuantity decimal.Decimal
	Reason      string
	Time        time.Time
}

type Stats struct {
	Total      uint64
	Filled     uint64
	Partial    uint64
	Rejected   uint64
	Cancelled  uint64
	Volume     decimal.Decimal
	Commission decimal.Decimal
}

// FillRate is the share of orders that traded anything.
func (s Stats) FillRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Filled+s.Partial) / float64(s.Total)
}

// OrderListener is told about every terminal order after the manager's
// lock is released.
type OrderListener interface {
	OnOrder(Order)
}

// Manager prices orders against the book and applies fills to the
// portfolio. Execute is serialized globally so aggregate portfolio state
// is never updated by two fills at once.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	books     Books
	portfolio *portfolio.Portfolio
	journal   journal.Journal
	log       *zap.Logger
	listener  OrderListener
	stats     Stats
}

func NewManager(cfg Config, books Books, p *portfolio.Portfolio, j journal.Journal, log *zap.Logger) *Manager {
	if cfg.QtyPlaces <= 0 {
		cfg.QtyPlaces = 8
	}
	if !cfg.Slippage.Kind.IsAvailable() {
		cfg.Slippage.Kind = SlippageNone
	}
	if j == nil {
		j = journal.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		books:     books,
		portfolio: p,
		journal:   j,
		log:       log,
		stats:     Stats{Volume: decimal.Zero, Commission: decimal.Zero},
	}
}

func (m *Manager) SetListener(l OrderListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// Execute fills req immediately against the current book. The returned
// order is always terminal. A non-nil error accompanies Rejected and
// Cancelled orders; a partial fill returns the order and a nil error with
// the remainder in RejectedQty.
func (m *Manager) Execute(ctx context.Context, req Request) (Order, error) {
	m.mu.Lock()
	o, err := m.executeLocked(ctx, req)
	m.recordLocked(o)
	listener := m.listener
	m.mu.Unlock()

	if listener != nil {
		listener.OnOrder(o)
	}
	return o, err
}

func (m *Manager) executeLocked(ctx context.Context, req Request) (Order, error) {
	now := req.Time
	if now.IsZero() {
		now = time.Now()
	}
	o := Order{
		ID:          id.At(now),
		SignalID:    req.SignalID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Requested:   req.Quantity,
		Filled:      decimal.Zero,
		RejectedQty: decimal.Zero,
		Status:      Pending,
		Created:     now,
		Reason:      req.Reason,
	}
	if !req.Side.IsAvailable() || (!req.Quantity.IsPositive() && !req.Notional.IsPositive()) {
		return m.reject(o, fmt.Errorf("%w: need side and a positive quantity or notional", ErrBadRequest))
	}
	if err := ctx.Err(); err != nil {
		return m.cancel(o, err)
	}

	var walk book.Walk
	err := m.books.View(req.Symbol, func(b *book.Book) error {
		if err := b.Tradable(); err != nil {
			return err
		}
		qty := req.Quantity
		if !qty.IsPositive() {
			var best market.Level
			var ok bool
			if req.Side == market.Buy {
				best, ok = b.BestAsk()
			} else {
				best, ok = b.BestBid()
			}
			if !ok {
				return fmt.Errorf("%s: no %s liquidity: %w", req.Symbol, req.Side, ErrInsufficientLiquidity)
			}
			qty = req.Notional.DivRound(best.Price, 16).Truncate(m.cfg.QtyPlaces)
		}
		if req.MaxQuantity.IsPositive() && qty.GreaterThan(req.MaxQuantity) {
			qty = req.MaxQuantity
		}
		walk = b.Walk(req.Side, qty)
		return nil
	})
	if err != nil {
		return m.reject(o, err)
	}

	o.Requested = walk.Requested
	o.RefPrice = walk.BestPrice
	o.Levels = walk.Levels
	if !walk.Requested.IsPositive() {
		return m.reject(o, fmt.Errorf("%w: notional %s buys nothing", ErrBadRequest, req.Notional))
	}
	if walk.Filled.IsZero() {
		o.RejectedQty = walk.Requested
		return m.reject(o, fmt.Errorf("%s: %w", req.Symbol, ErrInsufficientLiquidity))
	}

	price := m.cfg.Slippage.Price(req.Side, walk)
	notional := walk.Filled.Mul(price)
	commission := notional.Mul(m.cfg.CommissionRate)

	if err := ctx.Err(); err != nil {
		return m.cancel(o, err)
	}
	res, err := m.portfolio.ApplyFill(portfolio.Fill{
		OrderID:    o.ID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   walk.Filled,
		Price:      price,
		Commission: commission,
		Time:       now,
		Reason:     req.Reason,
	})
	if err != nil {
		return m.reject(o, err)
	}

	o.Filled = walk.Filled
	o.RejectedQty = walk.Remaining()
	o.FillPrice = price
	o.Notional = notional
	o.Commission = commission
	o.FillTime = now
	o.Closed = res.Closed
	o.Status = Filled
	if o.RejectedQty.IsPositive() {
		o.Status = PartiallyFilled
		m.log.Info("partial fill",
			zap.String("order", o.ID),
			zap.String("symbol", o.Symbol.String()),
			zap.String("filled", o.Filled.String()),
			zap.String("rejected", o.RejectedQty.String()))
	}
	return o, nil
}

func (m *Manager) reject(o Order, err error) (Order, error) {
	o.Status = Rejected
	if o.RejectedQty.IsZero() {
		o.RejectedQty = o.Requested
	}
	o.Reason = err.Error()
	return o, err
}

func (m *Manager) cancel(o Order, err error) (Order, error) {
	o.Status = Cancelled
	o.Reason = "cancelled: " + err.Error()
	return o, fmt.Errorf("order %s cancelled: %w", o.ID, err)
}

// Cancel records req as a cancelled order without touching the book or
// portfolio. Used for work still queued at shutdown.
func (m *Manager) Cancel(req Request, reason string) Order {
	now := req.Time
	if now.IsZero() {
		now = time.Now()
	}
	o := Order{
		ID:          id.At(now),
		SignalID:    req.SignalID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Requested:   req.Quantity,
		Filled:      decimal.Zero,
		RejectedQty: decimal.Zero,
		Status:      Cancelled,
		Created:     now,
		Reason:      reason,
	}
	m.mu.Lock()
	m.recordLocked(o)
	listener := m.listener
	m.mu.Unlock()

	if listener != nil {
		listener.OnOrder(o)
	}
	return o
}

func (m *Manager) recordLocked(o Order) {
	m.stats.Total++
	switch o.Status {
	case Filled:
		m.stats.Filled++
	case PartiallyFilled:
		m.stats.Partial++
	case Rejected:
		m.stats.Rejected++
	case Cancelled:
		m.stats.Cancelled++
	}
	if o.Filled.IsPositive() {
		m.stats.Volume = m.stats.Volume.Add(o.Notional)
		m.stats.Commission = m.stats.Commission.Add(o.Commission)
	}

	err := m.journal.RecordOrder(journal.OrderRecord{
		OrderID:    o.ID,
		SignalID:   o.SignalID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Requested:  o.Requested,
		Filled:     o.Filled,
		Rejected:   o.RejectedQty,
		Price:      o.FillPrice,
		Commission: o.Commission,
		Status:     o.Status.String(),
		Time:       o.Created,
		Reason:     o.Reason,
	})
	if err != nil {
		m.log.Warn("journal order", zap.String("order", o.ID), zap.Error(err))
	}
	if ct := o.Closed; ct != nil {
		err := m.journal.RecordTrade(journal.TradeRecord{
			TradeID:    ct.ID,
			Symbol:     ct.Symbol,
			Side:       ct.Side,
			Quantity:   ct.Quantity,
			EntryPrice: ct.EntryPrice,
			ExitPrice:  ct.ExitPrice,
			OpenTime:   ct.OpenTime,
			CloseTime:  ct.CloseTime,
			RealizedPL: ct.Net,
			Commission: ct.Commission,
			Reason:     ct.Reason,
		})
		if err != nil {
			m.log.Warn("journal trade", zap.String("trade", ct.ID), zap.Error(err))
		}
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) Config() Config { return m.cfg }
