package ingest

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Status is the connection state of one exchange ingestor.
type Status uint32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	// StatusUnavailable means reconnect attempts were exhausted. The
	// ingestor keeps probing; the exchange is excluded from trading until
	// a dial succeeds.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Metrics are stream health counters, safe for concurrent use.
type Metrics struct {
	received         atomic.Uint64
	dropped          atomic.Uint64
	connectionErrors atomic.Uint64
	reconnections    atomic.Uint64
	heartbeats       atomic.Uint64
	lastMessage      atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Received         uint64
	Dropped          uint64
	ConnectionErrors uint64
	Reconnections    uint64
	Heartbeats       uint64
	LastMessage      time.Time
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Received:         m.received.Load(),
		Dropped:          m.dropped.Load(),
		ConnectionErrors: m.connectionErrors.Load(),
		Reconnections:    m.reconnections.Load(),
		Heartbeats:       m.heartbeats.Load(),
	}
	if ns := m.lastMessage.Load(); ns > 0 {
		s.LastMessage = time.Unix(0, ns)
	}
	return s
}
