package sim

import (
	"fmt"

	"github.com/rustyeddy/papertrader/book"
	"github.com/rustyeddy/papertrader/market"
	"github.com/shopspring/decimal"
)

// SlippageKind selects how a fill is priced.
type SlippageKind uint8

const (
	_slippage_beg SlippageKind = iota
	// SlippageNone fills at the best opposing price.
	SlippageNone
	// SlippageFixed offsets the best price by a constant fraction.
	SlippageFixed
	// SlippageDepth walks the book and fills at the size-weighted average.
	SlippageDepth
	_slippage_end
)

var slippageNames = map[SlippageKind]string{
	SlippageNone:  "none",
	SlippageFixed: "fixed-percentage",
	SlippageDepth: "size-dependent",
}

func (k SlippageKind) IsAvailable() bool {
	return k > _slippage_beg && k < _slippage_end
}

func (k SlippageKind) String() string {
	if s, ok := slippageNames[k]; ok {
		return s
	}
	return fmt.Sprintf("slippage(%d)", uint8(k))
}

func ParseSlippageKind(s string) (SlippageKind, error) {
	for k, name := range slippageNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown slippage model %q", s)
}

type SlippageModel struct {
	Kind SlippageKind
	Pct  decimal.Decimal
}

// Price turns a depth walk into a fill price. Available quantity always
// comes from the walk; only the price depends on the model.
func (m SlippageModel) Price(side market.Side, w book.Walk) decimal.Decimal {
	switch m.Kind {
	case SlippageFixed:
		adj := decimal.NewFromInt(1).Add(m.Pct)
		if side == market.Sell {
			adj = decimal.NewFromInt(1).Sub(m.Pct)
		}
		return w.BestPrice.Mul(adj)
	case SlippageDepth:
		return w.AvgPrice()
	}
	return w.BestPrice
}

func (m SlippageModel) String() string {
	if m.Kind == SlippageFixed {
		return m.Kind.String() + "(" + m.Pct.String() + ")"
	}
	return m.Kind.String()
}
