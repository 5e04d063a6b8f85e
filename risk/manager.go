package risk

import (
	"fmt"
	"sync"

	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/portfolio"
	"github.com/rustyeddy/papertrader/signal"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Account is the portfolio state the gate reads. *portfolio.Portfolio
// satisfies it.
type Account interface {
	Equity() decimal.Decimal
	Day() portfolio.Day
	Position(market.Symbol) (portfolio.Position, bool)
	Positions() []portfolio.Position
}

var (
	minConfScale = decimal.RequireFromString("0.1")
	one          = decimal.NewFromInt(1)
)

// Manager is the pre-trade gate and the stop-loss/take-profit monitor.
type Manager struct {
	limits Limits
	log    *zap.Logger

	mu       sync.Mutex
	rejected map[Code]uint64
	resized  uint64
	triggers map[string]uint64
}

func NewManager(limits Limits, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		limits:   limits,
		log:      log,
		rejected: make(map[Code]uint64),
		triggers: make(map[string]uint64),
	}
}

func (m *Manager) Limits() Limits { return m.limits }

// DefaultNotional sizes a signal that carries no hint.
func (m *Manager) DefaultNotional(equity decimal.Decimal, confidence float64) decimal.Decimal {
	scale := decimal.NewFromFloat(confidence)
	if scale.LessThan(minConfScale) {
		scale = minConfScale
	}
	if scale.GreaterThan(one) {
		scale = one
	}
	return m.limits.MaxPositionPct.Mul(equity).Mul(scale)
}

// AtRisk is the capital lost if every open position hit its stop.
func (m *Manager) AtRisk(positions []portfolio.Position) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range positions {
		sum = sum.Add(p.CostBasis().Mul(m.limits.StopLossPct))
	}
	return sum
}

// Evaluate runs a Buy or Sell signal through the gate: daily loss, position
// cap, portfolio heat, then confidence. A signal that only reduces an
// existing position is checked for confidence alone.
func (m *Manager) Evaluate(sig signal.TradingSignal, acct Account) Decision {
	d := m.evaluate(sig, acct)
	m.mu.Lock()
	switch d.Verdict {
	case Reject:
		m.rejected[d.Code]++
	case Resize:
		m.resized++
	}
	m.mu.Unlock()

	if d.Verdict != Accept {
		m.log.Info("risk gate",
			zap.String("signal", sig.ID),
			zap.String("symbol", sig.Symbol.String()),
			zap.Stringer("verdict", d.Verdict),
			zap.String("code", string(d.Code)),
			zap.String("reason", d.Reason))
	}
	return d
}

func (m *Manager) evaluate(sig signal.TradingSignal, acct Account) Decision {
	side, ok := sig.Action.Side()
	if !ok {
		return Decision{Verdict: Reject, Reason: fmt.Sprintf("action %s is not gated", sig.Action)}
	}

	equity := acct.Equity()
	pos, held := acct.Position(sig.Symbol)
	reducing := held && pos.Side() != side

	var requested decimal.Decimal
	switch {
	case sig.Action.SizeHint.Valid:
		requested = sig.Action.SizeHint.Decimal
	case reducing:
		requested = pos.Notional()
	default:
		requested = m.DefaultNotional(equity, sig.Confidence)
	}

	d := Decision{Verdict: Accept, Requested: requested, Notional: requested}
	if reducing && requested.LessThanOrEqual(pos.Notional()) {
		if sig.Confidence < m.limits.MinConfidence {
			return reject(d, CodeLowConfidence, "confidence %.2f below %.2f", sig.Confidence, m.limits.MinConfidence)
		}
		return d
	}
	d.Opening = true

	// 1. daily loss
	day := acct.Day()
	if m.halted(day) {
		floor := m.limits.MaxDailyLossPct.Mul(day.StartEquity).Neg()
		return reject(d, CodeDailyLoss, "day P&L %s at or below %s", day.PnL.StringFixed(2), floor.StringFixed(2))
	}

	// 2. position cap, including what is already held on this side
	room := m.limits.MaxPositionPct.Mul(equity)
	if held && !reducing {
		room = room.Sub(pos.Notional())
	}
	if !room.IsPositive() {
		return reject(d, CodePositionCap, "%s already at cap", sig.Symbol)
	}
	if d.Notional.GreaterThan(room) {
		d.Verdict = Resize
		d.Code = CodePositionCap
		d.Notional = room
		d.Reason = fmt.Sprintf("requested %s capped at %s", requested.StringFixed(2), room.StringFixed(2))
	}

	// 3. portfolio heat
	d.AtRisk = d.Notional.Mul(m.limits.StopLossPct)
	heat := m.AtRisk(acct.Positions()).Add(d.AtRisk)
	maxHeat := m.limits.MaxHeatPct.Mul(equity)
	if heat.GreaterThan(maxHeat) {
		return reject(d, CodeHeat, "heat %s exceeds %s", heat.StringFixed(2), maxHeat.StringFixed(2))
	}

	// 4. confidence
	if sig.Confidence < m.limits.MinConfidence {
		return reject(d, CodeLowConfidence, "confidence %.2f below %.2f", sig.Confidence, m.limits.MinConfidence)
	}
	return d
}

func (m *Manager) halted(day portfolio.Day) bool {
	if !day.StartEquity.IsPositive() {
		return false
	}
	return day.PnL.LessThanOrEqual(m.limits.MaxDailyLossPct.Mul(day.StartEquity).Neg())
}

const (
	ReasonStopLoss   = "stop-loss"
	ReasonTakeProfit = "take-profit"
)

// Scan checks each marked position against the stop-loss and take-profit
// thresholds and returns a Close signal for each one crossed.
func (m *Manager) Scan(positions []portfolio.Position) []signal.TradingSignal {
	var out []signal.TradingSignal
	for _, p := range positions {
		reason := m.Trigger(p)
		if reason == "" {
			continue
		}
		m.mu.Lock()
		m.triggers[reason]++
		m.mu.Unlock()

		out = append(out, signal.TradingSignal{
			Symbol:     p.Symbol,
			Action:     signal.Close(),
			Confidence: 1,
			Urgency:    1,
			Source:     "risk",
			Time:       p.Updated,
			Metadata:   signal.Metadata{Attributes: map[string]string{"reason": reason}},
		})
	}
	return out
}

// Trigger reports which threshold, if any, p has crossed.
func (m *Manager) Trigger(p portfolio.Position) string {
	if p.Quantity.IsZero() || !p.Mark.IsPositive() {
		return ""
	}
	pct := p.UnrealizedPct()
	switch {
	case pct.LessThanOrEqual(m.limits.StopLossPct.Neg()):
		return ReasonStopLoss
	case pct.GreaterThanOrEqual(m.limits.TakeProfitPct):
		return ReasonTakeProfit
	}
	return ""
}

// Status is a point-in-time view of the gate.
type Status struct {
	DayStartEquity decimal.Decimal
	DayPnL         decimal.Decimal
	DayPnLPct      decimal.Decimal
	Heat           decimal.Decimal
	HeatPct        decimal.Decimal
	Halted         bool
	Rejected       map[Code]uint64
	Resized        uint64
	Triggers       map[string]uint64
}

func (m *Manager) Status(acct Account) Status {
	day := acct.Day()
	equity := acct.Equity()
	heat := m.AtRisk(acct.Positions())
	st := Status{
		DayStartEquity: day.StartEquity,
		DayPnL:         day.PnL,
		DayPnLPct:      day.PnLPct(),
		Heat:           heat,
		HeatPct:        decimal.Zero,
		Halted:         m.halted(day),
		Rejected:       make(map[Code]uint64),
		Triggers:       make(map[string]uint64),
	}
	if equity.IsPositive() {
		st.HeatPct = heat.Div(equity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.rejected {
		st.Rejected[k] = v
	}
	for k, v := range m.triggers {
		st.Triggers[k] = v
	}
	st.Resized = m.resized
	return st
}
