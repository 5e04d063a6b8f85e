package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rustyeddy/papertrader/market"
	"github.com/shopspring/decimal"
)

// wireSignal is the JSON shape accepted from producers:
//
//	{"symbol":"binance:BTC-USDT","action":"buy","size_hint":"1000",
//	 "confidence":0.8,"urgency":0.5,"metadata":{"spike_count":3}}
type wireSignal struct {
	ID         string              `json:"id,omitempty"`
	Symbol     string              `json:"symbol"`
	Action     string              `json:"action"`
	SizeHint   decimal.NullDecimal `json:"size_hint"`
	Confidence float64             `json:"confidence"`
	Urgency    float64             `json:"urgency"`
	Metadata   Metadata            `json:"metadata"`
	Source     string              `json:"source,omitempty"`
	Time       time.Time           `json:"time,omitzero"`
}

// DecodeSignal parses one JSON signal. Any parse failure wraps
// ErrMalformedSignal. The result is not validated.
func DecodeSignal(b []byte) (TradingSignal, error) {
	var w wireSignal
	if err := json.Unmarshal(b, &w); err != nil {
		return TradingSignal{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	sym, err := market.ParseSymbol(w.Symbol)
	if err != nil {
		return TradingSignal{}, &ValidationError{Field: "symbol", Reason: err.Error()}
	}
	kind, err := ParseActionKind(w.Action)
	if err != nil {
		return TradingSignal{}, &ValidationError{Field: "action", Reason: err.Error()}
	}
	return TradingSignal{
		ID:         w.ID,
		Symbol:     sym,
		Action:     Action{Kind: kind, SizeHint: w.SizeHint},
		Confidence: w.Confidence,
		Urgency:    w.Urgency,
		Metadata:   w.Metadata,
		Source:     w.Source,
		Time:       w.Time,
	}, nil
}

func EncodeSignal(sig TradingSignal) ([]byte, error) {
	return json.Marshal(wireSignal{
		ID:         sig.ID,
		Symbol:     sig.Symbol.String(),
		Action:     sig.Action.Kind.String(),
		SizeHint:   sig.Action.SizeHint,
		Confidence: sig.Confidence,
		Urgency:    sig.Urgency,
		Metadata:   sig.Metadata,
		Source:     sig.Source,
		Time:       sig.Time,
	})
}
