package ingest

import (
	"context"
	"fmt"

	"github.com/rustyeddy/papertrader/market"
	"golang.org/x/sync/errgroup"
)

// Pool runs one ingestor per exchange and answers availability questions
// for the engine.
type Pool struct {
	ingestors map[market.Exchange]*Ingestor
	order     []market.Exchange
}

func NewPool(ins ...*Ingestor) *Pool {
	p := &Pool{ingestors: make(map[market.Exchange]*Ingestor, len(ins))}
	for _, in := range ins {
		if _, dup := p.ingestors[in.Exchange()]; !dup {
			p.order = append(p.order, in.Exchange())
		}
		p.ingestors[in.Exchange()] = in
	}
	return p
}

// Run starts every ingestor and waits for all of them to stop.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ex := range p.order {
		in := p.ingestors[ex]
		g.Go(func() error { return in.Run(ctx) })
	}
	return g.Wait()
}

func (p *Pool) Get(ex market.Exchange) (*Ingestor, bool) {
	in, ok := p.ingestors[ex]
	return in, ok
}

// Available reports whether ex has an ingestor that is not unavailable.
func (p *Pool) Available(ex market.Exchange) bool {
	in, ok := p.ingestors[ex]
	return ok && in.Available()
}

// RequestSnapshot forwards a resync request to the symbol's exchange.
func (p *Pool) RequestSnapshot(sym market.Symbol) error {
	in, ok := p.ingestors[sym.Exchange]
	if !ok {
		return fmt.Errorf("snapshot request %s: no ingestor for %s", sym, sym.Exchange)
	}
	return in.RequestSnapshot(sym)
}

// Sources returns every ingestor's message channel in exchange order.
func (p *Pool) Sources() []<-chan RawMessage {
	out := make([]<-chan RawMessage, 0, len(p.order))
	for _, ex := range p.order {
		out = append(out, p.ingestors[ex].Messages())
	}
	return out
}

func (p *Pool) Statuses() map[market.Exchange]Status {
	out := make(map[market.Exchange]Status, len(p.ingestors))
	for ex, in := range p.ingestors {
		out[ex] = in.Status()
	}
	return out
}

func (p *Pool) Metrics() map[market.Exchange]MetricsSnapshot {
	out := make(map[market.Exchange]MetricsSnapshot, len(p.ingestors))
	for ex, in := range p.ingestors {
		out[ex] = in.Metrics()
	}
	return out
}
