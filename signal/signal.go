package signal

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/papertrader/market"
	"github.com/shopspring/decimal"
)

var ErrMalformedSignal = errors.New("malformed signal")

// ActionKind is the closed set of things a signal can ask for.
type ActionKind uint8

const (
	_action_beg ActionKind = iota
	ActionBuy
	ActionSell
	ActionHold
	ActionClose
	_action_end
)

func (k ActionKind) IsAvailable() bool {
	return k > _action_beg && k < _action_end
}

func (k ActionKind) String() string {
	switch k {
	case ActionBuy:
		return "buy"
	case ActionSell:
		return "sell"
	case ActionHold:
		return "hold"
	case ActionClose:
		return "close"
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

func ParseActionKind(s string) (ActionKind, error) {
	for k := _action_beg + 1; k < _action_end; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Action is what a signal asks for. SizeHint is a quote-currency notional
// and is only meaningful for Buy and Sell.
type Action struct {
	Kind     ActionKind
	SizeHint decimal.NullDecimal
}

func Buy() Action   { return Action{Kind: ActionBuy} }
func Sell() Action  { return Action{Kind: ActionSell} }
func Hold() Action  { return Action{Kind: ActionHold} }
func Close() Action { return Action{Kind: ActionClose} }

func BuyNotional(n decimal.Decimal) Action {
	return Action{Kind: ActionBuy, SizeHint: decimal.NewNullDecimal(n)}
}

func SellNotional(n decimal.Decimal) Action {
	return Action{Kind: ActionSell, SizeHint: decimal.NewNullDecimal(n)}
}

// Side maps Buy and Sell to an order side.
func (a Action) Side() (market.Side, bool) {
	switch a.Kind {
	case ActionBuy:
		return market.Buy, true
	case ActionSell:
		return market.Sell, true
	}
	return 0, false
}

func (a Action) String() string {
	if a.SizeHint.Valid {
		return a.Kind.String() + "(" + a.SizeHint.Decimal.String() + ")"
	}
	return a.Kind.String()
}

// Metadata is carried through untouched from the signal producer.
type Metadata struct {
	SpikeCount      uint64            `json:"spike_count,omitempty"`
	PatternStrength float64           `json:"pattern_strength,omitempty"`
	MarketRegime    string            `json:"market_regime,omitempty"`
	Volatility      float64           `json:"volatility,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// TradingSignal is an externally produced trade suggestion.
type TradingSignal struct {
	ID         string
	Symbol     market.Symbol
	Action     Action
	Confidence float64
	Urgency    float64
	Metadata   Metadata
	Source     string
	Time       time.Time
}

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("malformed signal: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrMalformedSignal }

// Validate checks everything that does not depend on engine state.
func Validate(sig TradingSignal) error {
	if sig.Symbol.Ticker == "" || !sig.Symbol.Exchange.IsAvailable() {
		return &ValidationError{Field: "symbol", Reason: "is required"}
	}
	if !sig.Action.Kind.IsAvailable() {
		return &ValidationError{Field: "action", Reason: "is unknown"}
	}
	if !unit(sig.Confidence) {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%v out of [0,1]", sig.Confidence)}
	}
	if !unit(sig.Urgency) {
		return &ValidationError{Field: "urgency", Reason: fmt.Sprintf("%v out of [0,1]", sig.Urgency)}
	}
	if sig.Action.SizeHint.Valid {
		if sig.Action.Kind != ActionBuy && sig.Action.Kind != ActionSell {
			return &ValidationError{Field: "size_hint", Reason: "only applies to buy and sell"}
		}
		if !sig.Action.SizeHint.Decimal.IsPositive() {
			return &ValidationError{Field: "size_hint", Reason: "must be positive"}
		}
	}
	return nil
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
