package book

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/rustyeddy/papertrader/market"
	"github.com/shopspring/decimal"
)

var bpsFactor = decimal.NewFromInt(10000)

// Book is a price-level order book for one (exchange, symbol). It is not
// safe for concurrent use on its own; Store guards each book.
type Book struct {
	symbol market.Symbol
	bids   []market.Level // price descending
	asks   []market.Level // price ascending

	seq        uint64
	ready      bool
	stale      bool
	staleErr   error
	resyncFrom uint64

	updates uint64
	updated time.Time
}

func New(sym market.Symbol) *Book {
	return &Book{symbol: sym}
}

func (b *Book) Symbol() market.Symbol { return b.symbol }
func (b *Book) Seq() uint64           { return b.seq }
func (b *Book) Stale() bool           { return b.stale }
func (b *Book) Updates() uint64       { return b.updates }
func (b *Book) Updated() time.Time    { return b.updated }

// ApplySnapshot replaces the book and resets the sequence to s.Seq. A stale
// book becomes live again only if s.Seq reaches the sequence that broke it.
func (b *Book) ApplySnapshot(s market.BookSnapshot) error {
	bids, err := buildSide(s.Bids, true)
	if err != nil {
		return fmt.Errorf("%s: snapshot %d: %w", b.symbol, s.Seq, err)
	}
	asks, err := buildSide(s.Asks, false)
	if err != nil {
		return fmt.Errorf("%s: snapshot %d: %w", b.symbol, s.Seq, err)
	}

	b.bids, b.asks = bids, asks
	b.seq = s.Seq
	b.ready = true
	b.touch(s.Time)

	if b.stale && s.Seq >= b.resyncFrom {
		b.stale, b.staleErr, b.resyncFrom = false, nil, 0
	}
	if b.crossed() {
		return b.markCrossed(s.Seq)
	}
	return nil
}

// ApplyDelta applies d when it is the next sequence. Deltas at or below the
// current sequence are ignored and report applied=false with no error.
func (b *Book) ApplyDelta(d market.BookDelta) (applied bool, err error) {
	if !b.ready {
		return false, fmt.Errorf("%s: delta %d before snapshot: %w", b.symbol, d.Seq, ErrNoBook)
	}
	if b.stale {
		return false, fmt.Errorf("%s: delta %d discarded: %w", b.symbol, d.Seq, ErrStale)
	}
	if d.Seq <= b.seq {
		return false, nil
	}
	if d.Seq != b.seq+1 {
		gap := &SequenceGapError{Symbol: b.symbol, Expected: b.seq + 1, Actual: d.Seq}
		b.markStale(gap, d.Seq)
		return false, gap
	}
	if err := checkLevels(d.Bids); err != nil {
		b.markStale(err, d.Seq)
		return false, fmt.Errorf("%s: delta %d: %w", b.symbol, d.Seq, err)
	}
	if err := checkLevels(d.Asks); err != nil {
		b.markStale(err, d.Seq)
		return false, fmt.Errorf("%s: delta %d: %w", b.symbol, d.Seq, err)
	}

	for _, l := range d.Bids {
		b.bids = upsert(b.bids, l, true)
	}
	for _, l := range d.Asks {
		b.asks = upsert(b.asks, l, false)
	}
	b.seq = d.Seq
	b.touch(d.Time)

	if b.crossed() {
		return true, b.markCrossed(d.Seq)
	}
	return true, nil
}

// Tradable reports why fills must not use this book, or nil.
func (b *Book) Tradable() error {
	if !b.ready {
		return fmt.Errorf("%s: %w", b.symbol, ErrNoBook)
	}
	if b.stale {
		if b.staleErr != nil {
			return b.staleErr
		}
		return fmt.Errorf("%s: %w", b.symbol, ErrStale)
	}
	return nil
}

// Verify checks the book's structure: every level has a positive price
// and size, bids strictly descend, asks strictly ascend and the best bid
// is below the best ask.
func (b *Book) Verify() error {
	if err := verifySide(b.bids, true); err != nil {
		return fmt.Errorf("%s: bids: %w", b.symbol, err)
	}
	if err := verifySide(b.asks, false); err != nil {
		return fmt.Errorf("%s: asks: %w", b.symbol, err)
	}
	if b.crossed() {
		return fmt.Errorf("%s: %w", b.symbol, ErrCrossed)
	}
	return nil
}

func verifySide(levels []market.Level, desc bool) error {
	for i, l := range levels {
		if !l.Price.IsPositive() || !l.Size.IsPositive() {
			return fmt.Errorf("%w: price %s size %s", ErrBadLevel, l.Price, l.Size)
		}
		if i == 0 {
			continue
		}
		prev := levels[i-1].Price
		if (desc && !l.Price.LessThan(prev)) || (!desc && !l.Price.GreaterThan(prev)) {
			return fmt.Errorf("%w: %s out of order after %s", ErrBadLevel, l.Price, prev)
		}
	}
	return nil
}

func (b *Book) BestBid() (market.Level, bool) {
	if len(b.bids) == 0 {
		return market.Level{}, false
	}
	return b.bids[0], true
}

func (b *Book) BestAsk() (market.Level, bool) {
	if len(b.asks) == 0 {
		return market.Level{}, false
	}
	return b.asks[0], true
}

func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, okb := b.BestBid()
	ask, oka := b.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

func (b *Book) Spread() (decimal.Decimal, bool) {
	bid, okb := b.BestBid()
	ask, oka := b.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// SpreadBps is the spread in basis points of the mid.
func (b *Book) SpreadBps() (decimal.Decimal, bool) {
	spread, ok := b.Spread()
	if !ok {
		return decimal.Zero, false
	}
	mid, _ := b.Mid()
	if mid.IsZero() {
		return decimal.Zero, false
	}
	return spread.Div(mid).Mul(bpsFactor), true
}

// Top returns copies of up to n levels per side, best first.
func (b *Book) Top(n int) (bids, asks []market.Level) {
	return slices.Clone(b.bids[:min(n, len(b.bids))]), slices.Clone(b.asks[:min(n, len(b.asks))])
}

// Snapshot returns the current book as a snapshot event.
func (b *Book) Snapshot() market.BookSnapshot {
	return market.BookSnapshot{
		Header: market.Header{Symbol: b.symbol, Seq: b.seq, Time: b.updated},
		Bids:   slices.Clone(b.bids),
		Asks:   slices.Clone(b.asks),
	}
}

// Depth is the total size a taker on side could consume.
func (b *Book) Depth(side market.Side) decimal.Decimal {
	levels := b.asks
	if side == market.Sell {
		levels = b.bids
	}
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Size)
	}
	return total
}

// Walk is the result of consuming liquidity from one side of the book.
type Walk struct {
	Requested decimal.Decimal
	Filled    decimal.Decimal
	Notional  decimal.Decimal
	BestPrice decimal.Decimal
	Levels    int
}

// AvgPrice is the size-weighted average price of the walk.
func (w Walk) AvgPrice() decimal.Decimal {
	if w.Filled.IsZero() {
		return decimal.Zero
	}
	return w.Notional.Div(w.Filled)
}

// Remaining is the part of the request the book could not absorb.
func (w Walk) Remaining() decimal.Decimal {
	return w.Requested.Sub(w.Filled)
}

// Walk simulates a taker order of qty on the given side: a buy consumes asks
// from the best price up, a sell consumes bids from the best price down. The
// book is not modified.
func (b *Book) Walk(side market.Side, qty decimal.Decimal) Walk {
	levels := b.asks
	if side == market.Sell {
		levels = b.bids
	}
	w := Walk{Requested: qty, Filled: decimal.Zero, Notional: decimal.Zero}
	if len(levels) > 0 {
		w.BestPrice = levels[0].Price
	}
	left := qty
	for _, l := range levels {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, l.Size)
		w.Filled = w.Filled.Add(take)
		w.Notional = w.Notional.Add(take.Mul(l.Price))
		w.Levels++
		left = left.Sub(take)
	}
	return w
}

func (b *Book) touch(t time.Time) {
	b.updates++
	if t.IsZero() {
		t = time.Now()
	}
	b.updated = t
}

func (b *Book) crossed() bool {
	bid, okb := b.BestBid()
	ask, oka := b.BestAsk()
	return okb && oka && bid.Price.GreaterThanOrEqual(ask.Price)
}

func (b *Book) markCrossed(seq uint64) error {
	err := fmt.Errorf("%s: seq %d: %w", b.symbol, seq, ErrCrossed)
	b.markStale(err, seq+1)
	return err
}

func (b *Book) markStale(reason error, resyncFrom uint64) {
	b.stale = true
	b.staleErr = reason
	if resyncFrom > b.resyncFrom {
		b.resyncFrom = resyncFrom
	}
}

func checkLevels(levels []market.Level) error {
	for _, l := range levels {
		if !l.Price.IsPositive() || l.Size.IsNegative() {
			return fmt.Errorf("%w: price %s size %s", ErrBadLevel, l.Price, l.Size)
		}
	}
	return nil
}

func buildSide(levels []market.Level, desc bool) ([]market.Level, error) {
	if err := checkLevels(levels); err != nil {
		return nil, err
	}
	out := make([]market.Level, 0, len(levels))
	for _, l := range levels {
		out = upsert(out, l, desc)
	}
	return out, nil
}

// upsert keeps levels sorted; a zero size removes the level.
func upsert(levels []market.Level, l market.Level, desc bool) []market.Level {
	i := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price.LessThanOrEqual(l.Price)
		}
		return levels[i].Price.GreaterThanOrEqual(l.Price)
	})
	found := i < len(levels) && levels[i].Price.Equal(l.Price)
	switch {
	case l.Size.IsZero() && found:
		return slices.Delete(levels, i, i+1)
	case l.Size.IsZero():
		return levels
	case found:
		levels[i].Size = l.Size
		return levels
	}
	return slices.Insert(levels, i, l)
}
