package market

import (
	"fmt"
	"strings"
)

// Symbol is an exchange-qualified ticker. It is a comparable value and is
// used directly as a map key by the book store and the portfolio.
type Symbol struct {
	Exchange Exchange
	Ticker   string
}

func NewSymbol(ex Exchange, ticker string) Symbol {
	return Symbol{Exchange: ex, Ticker: strings.ToUpper(strings.TrimSpace(ticker))}
}

// String renders "exchange:TICKER", the form accepted by ParseSymbol.
func (s Symbol) String() string {
	return s.Exchange.String() + ":" + s.Ticker
}

func (s Symbol) IsZero() bool {
	return s.Exchange == 0 && s.Ticker == ""
}

func ParseSymbol(s string) (Symbol, error) {
	ex, ticker, ok := strings.Cut(s, ":")
	if !ok || ticker == "" {
		return Symbol{}, fmt.Errorf("symbol %q: want exchange:TICKER", s)
	}
	e, err := ParseExchange(ex)
	if err != nil {
		return Symbol{}, fmt.Errorf("symbol %q: %w", s, err)
	}
	return NewSymbol(e, ticker), nil
}

func (s Symbol) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Symbol) UnmarshalText(b []byte) error {
	v, err := ParseSymbol(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
