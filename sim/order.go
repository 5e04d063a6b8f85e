package sim

import (
	"fmt"
	"time"

	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/portfolio"
	"github.com/shopspring/decimal"
)

type Status uint8

const (
	_status_beg Status = iota
	Pending
	Filled
	PartiallyFilled
	Rejected
	Cancelled
	_status_end
)

func (s Status) IsAvailable() bool {
	return s > _status_beg && s < _status_end
}

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Filled:
		return "filled"
	case PartiallyFilled:
		return "partially-filled"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal is true for every status but Pending.
func (s Status) Terminal() bool { return s != Pending }

// Order is one simulated immediate-or-partial order. Nothing ever rests:
// whatever the book cannot absorb is recorded in RejectedQty.
type Order struct {
	ID        string
	SignalID  string
	Symbol    market.Symbol
	Side      market.Side
	Requested decimal.Decimal
	Filled    decimal.Decimal
	// RejectedQty is the unfilled remainder.
	RejectedQty decimal.Decimal
	Status      Status
	// FillPrice is the average price after slippage; RefPrice is the best
	// opposing price when the order was priced.
	FillPrice  decimal.Decimal
	RefPrice   decimal.Decimal
	Notional   decimal.Decimal
	Commission decimal.Decimal
	Levels     int
	Created    time.Time
	FillTime   time.Time
	Reason     string
	// Closed is set when the fill realized P&L on an existing position.
	Closed *portfolio.ClosedTrade
}

// SlippageBps is the signed cost of the fill against the reference price,
// in basis points. Positive is worse for the taker.
func (o Order) SlippageBps() decimal.Decimal {
	if o.RefPrice.IsZero() || o.FillPrice.IsZero() {
		return decimal.Zero
	}
	diff := o.FillPrice.Sub(o.RefPrice)
	if o.Side == market.Sell {
		diff = diff.Neg()
	}
	return diff.Div(o.RefPrice).Mul(decimal.NewFromInt(10000))
}
