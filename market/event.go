package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is one price level of a book side.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Header is carried by every market event. Seq is monotonically increasing
// per (exchange, symbol) stream.
type Header struct {
	Symbol Symbol
	Seq    uint64
	Time   time.Time
}

func (h Header) header() Header { return h }

// Event is one of Trade, Quote, BookSnapshot or BookDelta. The set is
// closed; consumers dispatch with a type switch.
type Event interface {
	header() Header
}

// HeaderOf returns the common header of any event.
func HeaderOf(ev Event) Header { return ev.header() }

type Trade struct {
	Header
	Price decimal.Decimal
	Size  decimal.Decimal
	Side  Side // aggressor
}

type Quote struct {
	Header
	Bid     decimal.Decimal
	BidSize decimal.Decimal
	Ask     decimal.Decimal
	AskSize decimal.Decimal
}

func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// BookSnapshot replaces a book outright. Bids are expected best first
// (descending) and asks best first (ascending), but the book sorts them.
type BookSnapshot struct {
	Header
	Bids []Level
	Asks []Level
}

// BookDelta carries level upserts; a zero Size removes the level.
type BookDelta struct {
	Header
	Bids []Level
	Asks []Level
}

// Kind names the variant, used for dedup keys and the wire format.
func Kind(ev Event) string {
	switch ev.(type) {
	case Trade, *Trade:
		return KindTrade
	case Quote, *Quote:
		return KindQuote
	case BookSnapshot, *BookSnapshot:
		return KindSnapshot
	case BookDelta, *BookDelta:
		return KindDelta
	}
	return ""
}

const (
	KindTrade    = "trade"
	KindQuote    = "quote"
	KindSnapshot = "snapshot"
	KindDelta    = "delta"
)
