package portfolio

import (
	"time"

	"github.com/rustyeddy/papertrader/market"
	"github.com/shopspring/decimal"
)

// Position is a signed holding in one symbol. Quantity is positive for a
// long and negative for a short; it is never zero while the position is in
// the portfolio.
type Position struct {
	Symbol     market.Symbol
	Quantity   decimal.Decimal
	AvgEntry   decimal.Decimal
	Mark       decimal.Decimal
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
	// EntryCommission is the commission paid on the quantity still open.
	EntryCommission decimal.Decimal
	StopLoss        decimal.Decimal
	TakeProfit      decimal.Decimal
	Opened          time.Time
	Updated         time.Time
}

func (p Position) IsLong() bool { return p.Quantity.IsPositive() }

// Side is the side of the fill that opened the position.
func (p Position) Side() market.Side {
	if p.IsLong() {
		return market.Buy
	}
	return market.Sell
}

func (p Position) Size() decimal.Decimal { return p.Quantity.Abs() }

// Notional is the absolute position value at the last mark.
func (p Position) Notional() decimal.Decimal { return p.Size().Mul(p.Mark) }

// CostBasis is the absolute position value at the average entry.
func (p Position) CostBasis() decimal.Decimal { return p.Size().Mul(p.AvgEntry) }

// Value is the signed contribution of the position to equity.
func (p Position) Value() decimal.Decimal { return p.Quantity.Mul(p.Mark) }

// UnrealizedPct is unrealized P&L as a fraction of cost basis.
func (p Position) UnrealizedPct() decimal.Decimal {
	basis := p.CostBasis()
	if basis.IsZero() {
		return decimal.Zero
	}
	return p.Unrealized.Div(basis)
}

func (p *Position) mark(price decimal.Decimal, t time.Time) {
	p.Mark = price
	p.Unrealized = p.Quantity.Mul(price.Sub(p.AvgEntry))
	p.Updated = t
}

// ClosedTrade is the realized part of a position closed by one fill.
type ClosedTrade struct {
	ID         string
	Symbol     market.Symbol
	Side       market.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	OpenTime   time.Time
	CloseTime  time.Time
	Gross      decimal.Decimal
	Commission decimal.Decimal
	Net        decimal.Decimal
	Reason     string
}

// Return is net P&L over entry notional.
func (t ClosedTrade) Return() float64 {
	basis := t.Quantity.Mul(t.EntryPrice)
	if basis.IsZero() {
		return 0
	}
	return t.Net.Div(basis).InexactFloat64()
}
