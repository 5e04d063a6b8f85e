package market

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Envelope is the canonical JSON form of an Event. It is what the built-in
// JSON normalizer accepts and what replay files and tests produce.
type Envelope struct {
	Type     string               `json:"type"`
	Exchange Exchange             `json:"exchange"`
	Symbol   string               `json:"symbol"`
	Seq      uint64               `json:"seq"`
	Time     time.Time            `json:"time"`
	Price    decimal.Decimal      `json:"price,omitzero"`
	Size     decimal.Decimal      `json:"size,omitzero"`
	Side     string               `json:"side,omitempty"`
	Bid      decimal.Decimal      `json:"bid,omitzero"`
	BidSize  decimal.Decimal      `json:"bid_size,omitzero"`
	Ask      decimal.Decimal      `json:"ask,omitzero"`
	AskSize  decimal.Decimal      `json:"ask_size,omitzero"`
	Bids     [][2]decimal.Decimal `json:"bids,omitempty"`
	Asks     [][2]decimal.Decimal `json:"asks,omitempty"`
}

func EncodeEvent(ev Event) ([]byte, error) {
	h := HeaderOf(ev)
	env := Envelope{
		Type:     Kind(ev),
		Exchange: h.Symbol.Exchange,
		Symbol:   h.Symbol.Ticker,
		Seq:      h.Seq,
		Time:     h.Time,
	}
	switch e := ev.(type) {
	case Trade:
		env.Price, env.Size, env.Side = e.Price, e.Size, e.Side.String()
	case Quote:
		env.Bid, env.BidSize, env.Ask, env.AskSize = e.Bid, e.BidSize, e.Ask, e.AskSize
	case BookSnapshot:
		env.Bids, env.Asks = toPairs(e.Bids), toPairs(e.Asks)
	case BookDelta:
		env.Bids, env.Asks = toPairs(e.Bids), toPairs(e.Asks)
	default:
		return nil, fmt.Errorf("encode event: unsupported %T", ev)
	}
	return json.Marshal(env)
}

// DecodeEvents accepts a single envelope or a JSON array of envelopes.
func DecodeEvents(b []byte) ([]Event, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("decode event: empty message")
	}
	var envs []Envelope
	if b[0] == '[' {
		if err := json.Unmarshal(b, &envs); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
	} else {
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		envs = append(envs, env)
	}
	out := make([]Event, 0, len(envs))
	for _, env := range envs {
		ev, err := env.Event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Event converts the envelope into its typed variant.
func (env Envelope) Event() (Event, error) {
	if !env.Exchange.IsAvailable() {
		return nil, fmt.Errorf("decode event: missing exchange")
	}
	if env.Symbol == "" {
		return nil, fmt.Errorf("decode event: missing symbol")
	}
	h := Header{Symbol: NewSymbol(env.Exchange, env.Symbol), Seq: env.Seq, Time: env.Time}
	switch env.Type {
	case KindTrade:
		side, _ := ParseSide(env.Side) // unknown aggressor is allowed
		return Trade{Header: h, Price: env.Price, Size: env.Size, Side: side}, nil
	case KindQuote:
		return Quote{Header: h, Bid: env.Bid, BidSize: env.BidSize, Ask: env.Ask, AskSize: env.AskSize}, nil
	case KindSnapshot:
		return BookSnapshot{Header: h, Bids: fromPairs(env.Bids), Asks: fromPairs(env.Asks)}, nil
	case KindDelta:
		return BookDelta{Header: h, Bids: fromPairs(env.Bids), Asks: fromPairs(env.Asks)}, nil
	}
	return nil, fmt.Errorf("decode event: unknown type %q", env.Type)
}

func toPairs(levels []Level) [][2]decimal.Decimal {
	if len(levels) == 0 {
		return nil
	}
	out := make([][2]decimal.Decimal, len(levels))
	for i, l := range levels {
		out[i] = [2]decimal.Decimal{l.Price, l.Size}
	}
	return out
}

func fromPairs(pairs [][2]decimal.Decimal) []Level {
	if len(pairs) == 0 {
		return nil
	}
	out := make([]Level, len(pairs))
	for i, p := range pairs {
		out[i] = Level{Price: p[0], Size: p[1]}
	}
	return out
}
