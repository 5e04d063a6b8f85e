package book

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/papertrader/market"
	"github.com/shopspring/decimal"
)

// ResyncFunc is called, outside any book lock, when a book needs a fresh
// snapshot: it just turned stale, or deltas keep arriving for a stale or
// missing book.
type ResyncFunc func(sym market.Symbol, reason error)

// DefaultResyncInterval spaces repeated resync requests for one symbol.
const DefaultResyncInterval = time.Second

// Store is an arena of order books keyed by symbol (which carries the
// exchange). Each book has its own lock so unrelated symbols never contend;
// the store lock only guards the index.
type Store struct {
	mu          sync.RWMutex
	books       map[market.Symbol]*slot
	resync      ResyncFunc
	resyncEvery time.Duration
	lastResync  map[market.Symbol]time.Time
}

type slot struct {
	mu   sync.RWMutex
	book *Book
}

func NewStore() *Store {
	return &Store{
		books:       make(map[market.Symbol]*slot),
		resyncEvery: DefaultResyncInterval,
		lastResync:  make(map[market.Symbol]time.Time),
	}
}

// OnResync installs the resync hook. Set it before events flow.
func (s *Store) OnResync(fn ResyncFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resync = fn
}

// SetResyncInterval changes the minimum spacing, in event time, between
// repeated resync requests for one symbol. A book turning stale always
// requests at once.
func (s *Store) SetResyncInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncEvery = d
}

func (s *Store) lookup(sym market.Symbol, create bool) *slot {
	s.mu.RLock()
	sl, ok := s.books[sym]
	s.mu.RUnlock()
	if ok || !create {
		return sl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok = s.books[sym]; ok {
		return sl
	}
	sl = &slot{book: New(sym)}
	s.books[sym] = sl
	return sl
}

// Apply routes a market event to its book. Trades and quotes do not touch
// book state. A snapshot creates the book on first sight.
func (s *Store) Apply(ev market.Event) error {
	var (
		sym         market.Symbol
		err         error
		becameStale bool
		retry       bool
	)
	switch e := ev.(type) {
	case market.BookSnapshot:
		sym = e.Symbol
		sl := s.lookup(sym, true)
		sl.mu.Lock()
		wasStale := sl.book.stale
		err = sl.book.ApplySnapshot(e)
		becameStale = !wasStale && sl.book.stale
		sl.mu.Unlock()
	case market.BookDelta:
		sym = e.Symbol
		sl := s.lookup(sym, false)
		if sl == nil {
			err = fmt.Errorf("%s: delta %d: %w", sym, e.Seq, ErrNoBook)
			retry = true
			break
		}
		sl.mu.Lock()
		wasStale := sl.book.stale
		_, err = sl.book.ApplyDelta(e)
		becameStale = !wasStale && sl.book.stale
		retry = wasStale
		sl.mu.Unlock()
	case market.Trade, market.Quote:
		return nil
	default:
		return fmt.Errorf("apply: unsupported event %T", ev)
	}

	if becameStale || retry {
		s.requestResync(sym, market.HeaderOf(ev).Time, err, becameStale)
	}
	return err
}

// requestResync calls the hook unless the symbol already asked within the
// resync interval.
func (s *Store) requestResync(sym market.Symbol, at time.Time, reason error, force bool) {
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	fn := s.resync
	last, asked := s.lastResync[sym]
	due := force || !asked || at.Sub(last) >= s.resyncEvery || at.Before(last)
	if due {
		s.lastResync[sym] = at
	}
	s.mu.Unlock()

	if due && fn != nil {
		fn(sym, reason)
	}
}

// View runs fn with a read lock on the symbol's book. fn must not retain
// the book.
func (s *Store) View(sym market.Symbol, fn func(*Book) error) error {
	sl := s.lookup(sym, false)
	if sl == nil {
		return fmt.Errorf("%s: %w", sym, ErrNoBook)
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return fn(sl.book)
}

// Tradable is nil when fills may use the symbol's book.
func (s *Store) Tradable(sym market.Symbol) error {
	return s.View(sym, func(b *Book) error { return b.Tradable() })
}

// Mid returns the book mid for a live book.
func (s *Store) Mid(sym market.Symbol) (decimal.Decimal, error) {
	var mid decimal.Decimal
	err := s.View(sym, func(b *Book) error {
		if err := b.Tradable(); err != nil {
			return err
		}
		m, ok := b.Mid()
		if !ok {
			return fmt.Errorf("%s: one-sided book: %w", sym, ErrNoBook)
		}
		mid = m
		return nil
	})
	return mid, err
}

// IsStale reports whether the book exists and is stale.
func (s *Store) IsStale(sym market.Symbol) bool {
	err := s.Tradable(sym)
	return err != nil && !errors.Is(err, ErrNoBook)
}

// Summary is a read-only view of one book for snapshots.
type Summary struct {
	Symbol    market.Symbol
	Seq       uint64
	Stale     bool
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	SpreadBps decimal.Decimal
	Updates   uint64
	Updated   time.Time
	// Intact is false when Verify finds a structural problem.
	Intact bool
}

func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	syms := make([]market.Symbol, 0, len(s.books))
	for sym := range s.books {
		syms = append(syms, sym)
	}
	s.mu.RUnlock()

	sort.Slice(syms, func(i, j int) bool { return syms[i].String() < syms[j].String() })
	out := make([]Summary, 0, len(syms))
	for _, sym := range syms {
		_ = s.View(sym, func(b *Book) error {
			sum := Summary{Symbol: sym, Seq: b.seq, Stale: b.stale, Updates: b.updates, Updated: b.updated}
			if l, ok := b.BestBid(); ok {
				sum.BestBid = l.Price
			}
			if l, ok := b.BestAsk(); ok {
				sum.BestAsk = l.Price
			}
			sum.SpreadBps, _ = b.SpreadBps()
			sum.Intact = b.Verify() == nil
			out = append(out, sum)
			return nil
		})
	}
	return out
}
