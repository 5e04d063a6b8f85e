package book

import (
	"errors"
	"fmt"

	"github.com/rustyeddy/papertrader/market"
)

var (
	ErrSequenceGap = errors.New("book sequence gap")
	ErrStale       = errors.New("book is stale")
	ErrCrossed     = errors.New("book is crossed")
	ErrNoBook      = errors.New("no book")
	ErrBadLevel    = errors.New("invalid book level")
)

// SequenceGapError reports a delta that did not follow the last applied
// sequence. The book stays stale until a snapshot with Seq >= Actual.
type SequenceGapError struct {
	Symbol   market.Symbol
	Expected uint64
	Actual   uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s: sequence gap: expected %d, got %d", e.Symbol, e.Expected, e.Actual)
}

func (e *SequenceGapError) Unwrap() error { return ErrSequenceGap }
