package signal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rustyeddy/papertrader/market"
	"go.uber.org/zap"
)

var (
	ErrUnknownSymbol = fmt.Errorf("%w: unknown symbol", ErrMalformedSignal)
	ErrQueueFull     = errors.New("signal queue full")
)

type IntakeConfig struct {
	Symbols []market.Symbol
	// QueueDepth bounds each symbol's FIFO. A full FIFO rejects new
	// signals for that symbol only.
	QueueDepth int
}

// IntakeStats counts submissions.
type IntakeStats struct {
	Accepted  uint64
	Malformed uint64
	Overflow  uint64
	Pending   int
}

// Intake validates signals and queues them per symbol. Order is preserved
// within a symbol; symbols are served round-robin.
type Intake struct {
	log   *zap.Logger
	depth int
	ready chan struct{}

	mu      sync.Mutex
	known   map[market.Symbol]struct{}
	queues  map[market.Symbol][]TradingSignal
	ring    []market.Symbol
	pending int
	stats   IntakeStats
}

func NewIntake(cfg IntakeConfig, log *zap.Logger) *Intake {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	in := &Intake{
		log:    log,
		depth:  cfg.QueueDepth,
		ready:  make(chan struct{}, 1),
		known:  make(map[market.Symbol]struct{}, len(cfg.Symbols)),
		queues: make(map[market.Symbol][]TradingSignal),
	}
	for _, s := range cfg.Symbols {
		in.known[s] = struct{}{}
	}
	return in
}

// AddSymbol makes sym acceptable.
func (in *Intake) AddSymbol(sym market.Symbol) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.known[sym] = struct{}{}
}

func (in *Intake) Known(sym market.Symbol) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.known[sym]
	return ok
}

// Check runs Validate plus the known-symbol check without queueing.
func (in *Intake) Check(sig TradingSignal) error {
	if err := Validate(sig); err != nil {
		return err
	}
	if !in.Known(sig.Symbol) {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, sig.Symbol)
	}
	return nil
}

// Submit validates and enqueues sig. Malformed signals are rejected and
// logged; they never affect other symbols.
func (in *Intake) Submit(sig TradingSignal) error {
	if err := in.Check(sig); err != nil {
		in.mu.Lock()
		in.stats.Malformed++
		in.mu.Unlock()
		in.log.Info("signal rejected",
			zap.String("symbol", sig.Symbol.String()),
			zap.String("source", sig.Source),
			zap.Error(err))
		return err
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Time.IsZero() {
		sig.Time = time.Now()
	}

	in.mu.Lock()
	q := in.queues[sig.Symbol]
	if len(q) >= in.depth {
		in.stats.Overflow++
		in.mu.Unlock()
		return fmt.Errorf("%s: %w", sig.Symbol, ErrQueueFull)
	}
	if len(q) == 0 {
		in.ring = append(in.ring, sig.Symbol)
	}
	in.queues[sig.Symbol] = append(q, sig)
	in.pending++
	in.stats.Accepted++
	in.mu.Unlock()

	in.notify()
	return nil
}

func (in *Intake) notify() {
	select {
	case in.ready <- struct{}{}:
	default:
	}
}

// Ready fires when at least one signal may be pending.
func (in *Intake) Ready() <-chan struct{} { return in.ready }

// Next pops the next signal, rotating across symbols.
func (in *Intake) Next() (TradingSignal, bool) {
	in.mu.Lock()
	if len(in.ring) == 0 {
		in.mu.Unlock()
		return TradingSignal{}, false
	}
	sym := in.ring[0]
	in.ring = in.ring[1:]
	q := in.queues[sym]
	sig := q[0]
	if len(q) == 1 {
		delete(in.queues, sym)
	} else {
		in.queues[sym] = q[1:]
		in.ring = append(in.ring, sym)
	}
	in.pending--
	more := in.pending > 0
	in.mu.Unlock()

	if more {
		in.notify()
	}
	return sig, true
}

// Drain removes and returns every pending signal in service order.
func (in *Intake) Drain() []TradingSignal {
	var out []TradingSignal
	for {
		sig, ok := in.Next()
		if !ok {
			return out
		}
		out = append(out, sig)
	}
}

func (in *Intake) Stats() IntakeStats {
	in.mu.Lock()
	defer in.mu.Unlock()
	s := in.stats
	s.Pending = in.pending
	return s
}
