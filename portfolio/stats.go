package portfolio

import (
	"math"

	"github.com/shopspring/decimal"
)

// Stats summarizes closed trades and the equity curve.
type Stats struct {
	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	AvgWin       decimal.Decimal
	AvgLoss      decimal.Decimal
	GrossProfit  decimal.Decimal
	GrossLoss    decimal.Decimal
	ProfitFactor float64
	MaxDrawdown  decimal.Decimal
	Sharpe       float64
	Realized     decimal.Decimal
	Commission   decimal.Decimal
}

// tally accumulates per-trade figures as trades close. Returns use
// Welford's running mean and variance.
type tally struct {
	wins, losses int
	profit, loss decimal.Decimal
	n            int
	mean, m2     float64
}

func (t *tally) add(ct ClosedTrade) {
	switch {
	case ct.Net.IsPositive():
		t.wins++
		t.profit = t.profit.Add(ct.Net)
	case ct.Net.IsNegative():
		t.losses++
		t.loss = t.loss.Add(ct.Net.Neg())
	}
	r := ct.Return()
	t.n++
	delta := r - t.mean
	t.mean += delta / float64(t.n)
	t.m2 += delta * (r - t.mean)
}

// sharpe is mean over population standard deviation of trade returns.
func (t *tally) sharpe() float64 {
	if t.n < 2 {
		return 0
	}
	sd := math.Sqrt(t.m2 / float64(t.n))
	if sd == 0 {
		return 0
	}
	return t.mean / sd
}

func (p *Portfolio) recordTradeLocked(ct ClosedTrade) {
	p.trades = append(p.trades, ct)
	p.tally.add(ct)
}

func (p *Portfolio) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.statsLocked()
}

func (p *Portfolio) statsLocked() Stats {
	t := &p.tally
	s := Stats{
		Trades:      t.n,
		Wins:        t.wins,
		Losses:      t.losses,
		AvgWin:      decimal.Zero,
		AvgLoss:     decimal.Zero,
		GrossProfit: t.profit,
		GrossLoss:   t.loss,
		MaxDrawdown: p.maxDD,
		Sharpe:      t.sharpe(),
		Realized:    p.realized,
		Commission:  p.commission,
	}
	if t.n > 0 {
		s.WinRate = float64(t.wins) / float64(t.n)
	}
	if t.wins > 0 {
		s.AvgWin = t.profit.Div(decimal.NewFromInt(int64(t.wins)))
	}
	if t.losses > 0 {
		s.AvgLoss = t.loss.Div(decimal.NewFromInt(int64(t.losses)))
	}
	// Left at zero without a losing trade so snapshots stay JSON encodable.
	if t.loss.IsPositive() {
		s.ProfitFactor = t.profit.Div(t.loss).InexactFloat64()
	}
	return s
}
