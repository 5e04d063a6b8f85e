package market

import (
	"fmt"
	"strings"
)

// Exchange is the closed set of venues the engine can ingest from.
type Exchange uint8

const (
	_exchange_beg Exchange = iota
	ExchangeBinance
	ExchangeCoinbase
	ExchangeKraken
	ExchangeSimulated
	_exchange_end
)

var exchangeNames = map[Exchange]string{
	ExchangeBinance:   "binance",
	ExchangeCoinbase:  "coinbase",
	ExchangeKraken:    "kraken",
	ExchangeSimulated: "sim",
}

func (e Exchange) IsAvailable() bool {
	return e > _exchange_beg && e < _exchange_end
}

func (e Exchange) String() string {
	if n, ok := exchangeNames[e]; ok {
		return n
	}
	return fmt.Sprintf("exchange(%d)", uint8(e))
}

// Exchanges lists every known venue in declaration order.
func Exchanges() []Exchange {
	out := make([]Exchange, 0, len(exchangeNames))
	for e := _exchange_beg + 1; e < _exchange_end; e++ {
		out = append(out, e)
	}
	return out
}

// ParseExchange is case-insensitive.
func ParseExchange(s string) (Exchange, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for e, n := range exchangeNames {
		if n == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown exchange %q", s)
}

func (e Exchange) MarshalText() ([]byte, error) {
	if !e.IsAvailable() {
		return nil, fmt.Errorf("unknown exchange %d", uint8(e))
	}
	return []byte(e.String()), nil
}

func (e *Exchange) UnmarshalText(b []byte) error {
	v, err := ParseExchange(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}
