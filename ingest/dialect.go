package ingest

import (
	"encoding/json"

	"github.com/rustyeddy/papertrader/market"
)

// Dialect builds the outgoing messages a venue expects. Incoming messages
// are left raw; the feed's normalizers turn them into market events.
type Dialect interface {
	Subscribe(symbols []market.Symbol) ([][]byte, error)
	SnapshotRequest(sym market.Symbol) ([]byte, error)
	// Heartbeat is an application-level keepalive sent alongside the
	// websocket ping. Nil means ping only.
	Heartbeat() []byte
}

// JSONDialect speaks the canonical control protocol:
//
//	{"op":"subscribe","symbols":["BTC-USDT"]}
//	{"op":"snapshot","symbol":"BTC-USDT"}
//	{"op":"ping"}
type JSONDialect struct{}

type controlMsg struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols,omitempty"`
	Symbol  string   `json:"symbol,omitempty"`
}

func (JSONDialect) Subscribe(symbols []market.Symbol) ([][]byte, error) {
	tickers := make([]string, 0, len(symbols))
	for _, s := range symbols {
		tickers = append(tickers, s.Ticker)
	}
	b, err := json.Marshal(controlMsg{Op: "subscribe", Symbols: tickers})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (JSONDialect) SnapshotRequest(sym market.Symbol) ([]byte, error) {
	return json.Marshal(controlMsg{Op: "snapshot", Symbol: sym.Ticker})
}

func (JSONDialect) Heartbeat() []byte {
	return []byte(`{"op":"ping"}`)
}
