package journal

import (
	"time"

	"github.com/rustyeddy/papertrader/market"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// TradeRecord is one closed round trip. Quantity is absolute; Side is the
// side of the opening fill. RealizedPL is net of both commissions.
type TradeRecord struct {
	TradeID    string
	Symbol     market.Symbol
	Side       market.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	OpenTime   time.Time
	CloseTime  time.Time
	RealizedPL decimal.Decimal
	Commission decimal.Decimal
	Reason     string
}

// OrderRecord is the terminal state of a simulated order.
type OrderRecord struct {
	OrderID    string
	SignalID   string
	Symbol     market.Symbol
	Side       market.Side
	Requested  decimal.Decimal
	Filled     decimal.Decimal
	Rejected   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Status     string
	Time       time.Time
	Reason     string
}

type EquitySnapshot struct {
	Time       time.Time
	Cash       decimal.Decimal
	Equity     decimal.Decimal
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
	Drawdown   decimal.Decimal
}

// Journal is a write-only audit sink. Nothing in the engine reads it back.
type Journal interface {
	RecordTrade(TradeRecord) error
	RecordOrder(OrderRecord) error
	RecordEquity(EquitySnapshot) error
	Close() error
}

// Discard drops everything.
type Discard struct{}

func (Discard) RecordTrade(TradeRecord) error     { return nil }
func (Discard) RecordOrder(OrderRecord) error     { return nil }
func (Discard) RecordEquity(EquitySnapshot) error { return nil }
func (Discard) Close() error                      { return nil }

// Multi writes to every journal and combines their errors.
type Multi []Journal

func (m Multi) RecordTrade(t TradeRecord) (err error) {
	for _, j := range m {
		err = multierr.Append(err, j.RecordTrade(t))
	}
	return err
}

func (m Multi) RecordOrder(o OrderRecord) (err error) {
	for _, j := range m {
		err = multierr.Append(err, j.RecordOrder(o))
	}
	return err
}

func (m Multi) RecordEquity(e EquitySnapshot) (err error) {
	for _, j := range m {
		err = multierr.Append(err, j.RecordEquity(e))
	}
	return err
}

func (m Multi) Close() (err error) {
	for _, j := range m {
		err = multierr.Append(err, j.Close())
	}
	return err
}
