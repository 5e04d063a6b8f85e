package market

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNoMark = errors.New("mark price not found")

// Mark is the latest observed price for a symbol.
type Mark struct {
	Symbol Symbol
	Price  decimal.Decimal
	Time   time.Time
}

// MarkStore keeps the last mark per symbol.
type MarkStore struct {
	mu    sync.RWMutex
	marks map[Symbol]Mark
}

func NewMarkStore() *MarkStore {
	return &MarkStore{marks: make(map[Symbol]Mark)}
}

// Set records m unless a newer mark is already stored.
func (ms *MarkStore) Set(m Mark) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if cur, ok := ms.marks[m.Symbol]; ok && m.Time.Before(cur.Time) {
		return false
	}
	ms.marks[m.Symbol] = m
	return true
}

func (ms *MarkStore) Get(sym Symbol) (Mark, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	m, ok := ms.marks[sym]
	if !ok {
		return Mark{}, ErrNoMark
	}
	return m, nil
}

// MarkFor derives a mark from a trade or quote. Book events return false;
// the caller takes the book mid for those.
func MarkFor(ev Event) (Mark, bool) {
	switch e := ev.(type) {
	case Trade:
		return Mark{Symbol: e.Symbol, Price: e.Price, Time: e.Time}, e.Price.IsPositive()
	case Quote:
		if !e.Bid.IsPositive() || !e.Ask.IsPositive() {
			return Mark{}, false
		}
		return Mark{Symbol: e.Symbol, Price: e.Mid(), Time: e.Time}, true
	}
	return Mark{}, false
}
