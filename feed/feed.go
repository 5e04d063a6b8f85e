package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rustyeddy/papertrader/ingest"
	"github.com/rustyeddy/papertrader/internal/bus"
	"github.com/rustyeddy/papertrader/market"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoNormalizer = errors.New("no normalizer for exchange")

// Normalizer turns one raw venue message into canonical events.
type Normalizer interface {
	Normalize(raw []byte) ([]market.Event, error)
}

type NormalizerFunc func(raw []byte) ([]market.Event, error)

func (f NormalizerFunc) Normalize(raw []byte) ([]market.Event, error) { return f(raw) }

// JSONNormalizer decodes the canonical envelope format.
var JSONNormalizer = NormalizerFunc(market.DecodeEvents)

type Config struct {
	DedupSize         int
	HeartbeatInterval time.Duration
	MaxLatency        time.Duration
}

func DefaultConfig() Config {
	return Config{
		DedupSize:         10000,
		HeartbeatInterval: 30 * time.Second,
		MaxLatency:        100 * time.Millisecond,
	}
}

// Stats are per-exchange feed counters.
type Stats struct {
	Received   uint64
	Events     uint64
	Forwarded  uint64
	Duplicates uint64
	Errors     uint64
	LastUpdate time.Time
	Latency    time.Duration
}

type dedupKey struct {
	symbol market.Symbol
	kind   string
	seq    uint64
}

// Feed fans in raw per-exchange streams, normalizes and deduplicates them,
// and fans the canonical events out to subscribers. Events from one source
// keep their order; no order is imposed across sources.
type Feed struct {
	cfg  Config
	log  *zap.Logger
	seen *lru.Cache

	mu          sync.RWMutex
	normalizers map[market.Exchange]Normalizer
	stats       map[market.Exchange]*Stats
	subs        []*bus.Queue[market.Event]
}

func New(cfg Config, log *zap.Logger) (*Feed, error) {
	def := DefaultConfig()
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = def.MaxLatency
	}
	if log == nil {
		log = zap.NewNop()
	}
	seen, err := lru.New(cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("feed: dedup cache: %w", err)
	}
	return &Feed{
		cfg:         cfg,
		log:         log,
		seen:        seen,
		normalizers: make(map[market.Exchange]Normalizer),
		stats:       make(map[market.Exchange]*Stats),
	}, nil
}

func (f *Feed) Register(ex market.Exchange, n Normalizer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.normalizers[ex] = n
	if _, ok := f.stats[ex]; !ok {
		f.stats[ex] = &Stats{}
	}
}

// Subscribe adds an in-process consumer. The engine subscribes with
// OverflowBlock so book deltas are never lost; observers can pick a
// dropping policy.
func (f *Feed) Subscribe(buffer int, policy bus.OverflowPolicy) *bus.Queue[market.Event] {
	q := bus.NewQueue[market.Event](buffer, policy)
	f.mu.Lock()
	f.subs = append(f.subs, q)
	f.mu.Unlock()
	return q
}

// Handle processes one raw message.
func (f *Feed) Handle(ctx context.Context, msg ingest.RawMessage) error {
	start := time.Now()

	f.mu.RLock()
	n, ok := f.normalizers[msg.Exchange]
	subs := f.subs
	f.mu.RUnlock()
	if !ok {
		f.count(msg.Exchange, func(s *Stats) { s.Received++; s.Errors++ })
		return fmt.Errorf("%s: %w", msg.Exchange, ErrNoNormalizer)
	}

	events, err := n.Normalize(msg.Data)
	if err != nil {
		f.count(msg.Exchange, func(s *Stats) { s.Received++; s.Errors++ })
		return fmt.Errorf("%s: normalize: %w", msg.Exchange, err)
	}

	var forwarded, dups, bad uint64
	for _, ev := range events {
		h := market.HeaderOf(ev)
		if h.Symbol.Exchange != msg.Exchange {
			bad++
			f.log.Warn("event exchange mismatch",
				zap.String("exchange", msg.Exchange.String()),
				zap.String("symbol", h.Symbol.String()))
			continue
		}
		if h.Seq != 0 {
			key := dedupKey{symbol: h.Symbol, kind: market.Kind(ev), seq: h.Seq}
			if dup, _ := f.seen.ContainsOrAdd(key, struct{}{}); dup {
				dups++
				continue
			}
		}
		for _, q := range subs {
			if err := q.Publish(ctx, ev); err != nil && !errors.Is(err, bus.ErrQueueFull) {
				return fmt.Errorf("%s: publish: %w", h.Symbol, err)
			}
		}
		forwarded++
	}

	f.count(msg.Exchange, func(s *Stats) {
		s.Received++
		s.Events += uint64(len(events))
		s.Forwarded += forwarded
		s.Duplicates += dups
		s.Errors += bad
		s.LastUpdate = time.Now()
		s.Latency = time.Since(start)
	})
	return nil
}

func (f *Feed) count(ex market.Exchange, fn func(*Stats)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stats[ex]
	if !ok {
		s = &Stats{}
		f.stats[ex] = s
	}
	fn(s)
}

// Run consumes every source until they close or ctx ends, then closes the
// subscriber queues.
func (f *Feed) Run(ctx context.Context, sources ...<-chan ingest.RawMessage) error {
	defer f.closeSubs()

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case msg, ok := <-src:
					if !ok {
						return nil
					}
					if err := f.Handle(gctx, msg); err != nil {
						if gctx.Err() != nil {
							return nil
						}
						f.log.Warn("feed message dropped",
							zap.String("exchange", msg.Exchange.String()),
							zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}

func (f *Feed) closeSubs() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, q := range f.subs {
		q.Close()
	}
}

func (f *Feed) Stats(ex market.Exchange) (Stats, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.stats[ex]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

func (f *Feed) AllStats() map[market.Exchange]Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[market.Exchange]Stats, len(f.stats))
	for ex, s := range f.stats {
		out[ex] = *s
	}
	return out
}

// IsHealthy is true when the exchange produced an event within two
// heartbeat intervals and the last message was processed within the
// latency budget.
func (f *Feed) IsHealthy(ex market.Exchange, now time.Time) bool {
	s, ok := f.Stats(ex)
	if !ok || s.LastUpdate.IsZero() {
		return false
	}
	return now.Sub(s.LastUpdate) < 2*f.cfg.HeartbeatInterval && s.Latency < f.cfg.MaxLatency
}
