package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Side uint8

const (
	_side_beg Side = iota
	Buy
	Sell
	_side_end
)

func (s Side) IsAvailable() bool {
	return s > _side_beg && s < _side_end
}

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return fmt.Sprintf("side(%d)", uint8(s))
}

// Opposite returns the side that trades against s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for Buy and -1 for Sell.
func (s Side) Sign() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid", "b":
		return Buy, nil
	case "sell", "ask", "s":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}
