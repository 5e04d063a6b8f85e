package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Limits are fractions of equity unless noted.
type Limits struct {
	MaxPositionPct  decimal.Decimal // 0.10
	MaxDailyLossPct decimal.Decimal // 0.05
	StopLossPct     decimal.Decimal // 0.02, of entry
	TakeProfitPct   decimal.Decimal // 0.05, of entry
	MaxHeatPct      decimal.Decimal // 0.06
	MinConfidence   float64         // 0.5
}

func DefaultLimits() Limits {
	return Limits{
		MaxPositionPct:  decimal.RequireFromString("0.10"),
		MaxDailyLossPct: decimal.RequireFromString("0.05"),
		StopLossPct:     decimal.RequireFromString("0.02"),
		TakeProfitPct:   decimal.RequireFromString("0.05"),
		MaxHeatPct:      decimal.RequireFromString("0.06"),
		MinConfidence:   0.5,
	}
}

func (l Limits) Validate() error {
	var errs []error
	check := func(name string, v decimal.Decimal) {
		if !v.IsPositive() || v.GreaterThan(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Errorf("%s must be in (0,1], got %s", name, v))
		}
	}
	check("max_position_pct", l.MaxPositionPct)
	check("max_daily_loss_pct", l.MaxDailyLossPct)
	check("stop_loss_pct", l.StopLossPct)
	check("take_profit_pct", l.TakeProfitPct)
	check("max_heat_pct", l.MaxHeatPct)
	if l.MinConfidence < 0 || l.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_confidence must be in [0,1], got %v", l.MinConfidence))
	}
	return errors.Join(errs...)
}
